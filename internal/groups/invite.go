package groups

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	inviteCodeLength   = 8
	inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrAllocationExhausted indicates invite code allocation kept colliding
// past the retry bound. With a 36^8 code space this is astronomically
// unlikely, but insert conflicts must be handled, not assumed away.
var ErrAllocationExhausted = errors.New("groups: invite code allocation exhausted")

// CodeGenerator produces candidate invite codes. Uniqueness is enforced at
// insert time; the allocator retries on conflict.
type CodeGenerator interface {
	Generate() (string, error)
}

type cryptoCodeGenerator struct{}

// NewCodeGenerator returns a CodeGenerator drawing uniformly from [A-Z0-9].
func NewCodeGenerator() CodeGenerator {
	return &cryptoCodeGenerator{}
}

func (g *cryptoCodeGenerator) Generate() (string, error) {
	alphabetSize := big.NewInt(int64(len(inviteCodeAlphabet)))
	code := make([]byte, inviteCodeLength)
	for i := range code {
		index, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		code[i] = inviteCodeAlphabet[index.Int64()]
	}
	return string(code), nil
}
