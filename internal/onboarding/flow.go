// Package onboarding holds the signup wizard state as an explicit object
// owned by its caller. Persistence across sessions is the Snapshot/Restore
// contract, nothing implicit.
package onboarding

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Step identifies one screen of the signup wizard.
type Step int

const (
	StepWelcome Step = iota
	StepPhone
	StepVerification
	StepOTP
	StepProfile
	StepAvatar
	StepConfirmation

	lastStep = StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepWelcome:
		return "welcome"
	case StepPhone:
		return "phone"
	case StepVerification:
		return "verification"
	case StepOTP:
		return "otp"
	case StepProfile:
		return "profile"
	case StepAvatar:
		return "avatar"
	case StepConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// ErrInvalidSnapshot indicates a Restore payload that does not decode to a
// flow within step bounds.
var ErrInvalidSnapshot = errors.New("onboarding: invalid snapshot")

// AvatarChoice is either an emoji on a color or an uploaded photo URL.
type AvatarChoice struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
	Color string `json:"color,omitempty"`
	Photo string `json:"photo,omitempty"`
}

const (
	AvatarEmoji = "emoji"
	AvatarPhoto = "photo"

	defaultCountryCode = "+62"
	defaultEmoji       = "😊"
	defaultColor       = "#6366F1"
)

// Flow accumulates the signup answers step by step.
type Flow struct {
	Step               Step         `json:"step"`
	PhoneNumber        string       `json:"phoneNumber"`
	CountryCode        string       `json:"countryCode"`
	VerificationMethod string       `json:"verificationMethod,omitempty"`
	OTPCode            string       `json:"otpCode,omitempty"`
	Name               string       `json:"name"`
	Username           string       `json:"username"`
	Email              string       `json:"email,omitempty"`
	Avatar             AvatarChoice `json:"avatar"`
}

// NewFlow returns a flow at the welcome step with defaults filled in.
func NewFlow() *Flow {
	return &Flow{
		CountryCode: defaultCountryCode,
		Avatar:      AvatarChoice{Type: AvatarEmoji, Emoji: defaultEmoji, Color: defaultColor},
	}
}

// Next advances one step, clamped at the confirmation step.
func (f *Flow) Next() {
	if f.Step < lastStep {
		f.Step++
	}
}

// Previous steps back, clamped at the welcome step.
func (f *Flow) Previous() {
	if f.Step > StepWelcome {
		f.Step--
	}
}

// GoTo jumps to an explicit step; out-of-range targets are rejected.
func (f *Flow) GoTo(step Step) error {
	if step < StepWelcome || step > lastStep {
		return fmt.Errorf("onboarding: step %d out of range", int(step))
	}
	f.Step = step
	return nil
}

// SetPhone records the destination before verification.
func (f *Flow) SetPhone(countryCode, phoneNumber string) {
	f.CountryCode = countryCode
	f.PhoneNumber = phoneNumber
}

// SetProfile records the identity answers from the profile step.
func (f *Flow) SetProfile(name, username, email string) {
	f.Name = name
	f.Username = username
	f.Email = email
}

// Destination is the full phone number OTP codes are sent to.
func (f *Flow) Destination() string {
	return f.CountryCode + f.PhoneNumber
}

// Reset returns the flow to its initial state. Called on completion and
// on explicit abandonment.
func (f *Flow) Reset() {
	*f = *NewFlow()
}

// Snapshot serializes the flow for persistence across reloads.
func (f *Flow) Snapshot() ([]byte, error) {
	return json.Marshal(f)
}

// Restore replaces the flow state with a previously taken snapshot.
func (f *Flow) Restore(data []byte) error {
	var restored Flow
	if err := json.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if restored.Step < StepWelcome || restored.Step > lastStep {
		return fmt.Errorf("%w: step %d out of range", ErrInvalidSnapshot, int(restored.Step))
	}
	if restored.CountryCode == "" {
		restored.CountryCode = defaultCountryCode
	}
	if restored.Avatar.Type == "" {
		restored.Avatar = AvatarChoice{Type: AvatarEmoji, Emoji: defaultEmoji, Color: defaultColor}
	}
	*f = restored
	return nil
}
