package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel selects the delivery channel for one-time codes.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

const (
	otpDigits     = 6
	defaultOTPTTL = 5 * time.Minute
)

var (
	// ErrChannelUnavailable indicates the requested delivery channel is disabled.
	// Callers must present this distinctly from a wrong code.
	ErrChannelUnavailable = errors.New("auth: delivery channel unavailable")
	// ErrCodeMismatch indicates the submitted code does not match the issued one.
	ErrCodeMismatch = errors.New("auth: verification code mismatch")
	// ErrCodeExpired indicates the issued code's validity window has passed.
	ErrCodeExpired = errors.New("auth: verification code expired")
	// ErrInvalidDestination indicates an empty or malformed destination.
	ErrInvalidDestination = errors.New("auth: invalid destination")

	userIDNamespace = uuid.MustParse("a7f1c9f2-3b44-4e0b-9c7d-2f6d1a5e8b03")
)

// CodeSender delivers a one-time code over a channel. Implementations wrap
// the external SMS/WhatsApp provider.
type CodeSender interface {
	SendCode(ctx context.Context, destination string, channel Channel, code string) error
}

// LogSender is a development CodeSender that logs codes instead of
// delivering them.
type LogSender struct {
	Logger *zap.Logger
}

func (s *LogSender) SendCode(_ context.Context, destination string, channel Channel, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("otp code issued",
		zap.String("destination", destination),
		zap.String("channel", string(channel)),
		zap.String("code", code))
	return nil
}

// OTPServiceConfig configures code issuance and verification.
type OTPServiceConfig struct {
	Sender          CodeSender
	CodeTTL         time.Duration
	WhatsAppEnabled bool
	Clock           func() time.Time
}

type issuedCode struct {
	code      string
	expiresAt time.Time
}

// OTPService issues and verifies one-time codes keyed by destination.
// Codes live in memory only; a restart invalidates outstanding codes.
type OTPService struct {
	mu              sync.Mutex
	codes           map[string]issuedCode
	sender          CodeSender
	codeTTL         time.Duration
	whatsAppEnabled bool
	clock           func() time.Time
}

// NewOTPService constructs the service, requiring a sender.
func NewOTPService(cfg OTPServiceConfig) (*OTPService, error) {
	if cfg.Sender == nil {
		return nil, errors.New("auth: code sender is required")
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OTPService{
		codes:           make(map[string]issuedCode),
		sender:          cfg.Sender,
		codeTTL:         ttl,
		whatsAppEnabled: cfg.WhatsAppEnabled,
		clock:           clock,
	}, nil
}

// Send issues a fresh code for the destination and hands it to the sender.
// Reissuing replaces any outstanding code for the same destination.
func (s *OTPService) Send(ctx context.Context, destination string, channel Channel) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrInvalidDestination
	}
	switch channel {
	case ChannelSMS:
	case ChannelWhatsApp:
		if !s.whatsAppEnabled {
			return ErrChannelUnavailable
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrChannelUnavailable, channel)
	}

	code, err := generateCode(otpDigits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.codes[destination] = issuedCode{code: code, expiresAt: s.clock().Add(s.codeTTL)}
	s.mu.Unlock()

	return s.sender.SendCode(ctx, destination, channel, code)
}

// Verify checks the submitted code and returns the stable user id for the
// destination. The id is derived deterministically so repeat logins from
// the same phone resolve to the same user.
func (s *OTPService) Verify(_ context.Context, destination, code string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", ErrInvalidDestination
	}

	s.mu.Lock()
	issued, ok := s.codes[destination]
	s.mu.Unlock()

	if !ok || issued.code != strings.TrimSpace(code) {
		return "", ErrCodeMismatch
	}
	if s.clock().After(issued.expiresAt) {
		return "", ErrCodeExpired
	}

	s.mu.Lock()
	delete(s.codes, destination)
	s.mu.Unlock()

	return uuid.NewSHA1(userIDNamespace, []byte(destination)).String(), nil
}

func generateCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, value), nil
}
