package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClamping(t *testing.T) {
	flow := NewFlow()

	flow.Previous()
	assert.Equal(t, StepWelcome, flow.Step)

	for i := 0; i < 20; i++ {
		flow.Next()
	}
	assert.Equal(t, StepConfirmation, flow.Step)
}

func TestGoToBounds(t *testing.T) {
	flow := NewFlow()
	require.NoError(t, flow.GoTo(StepOTP))
	assert.Equal(t, StepOTP, flow.Step)

	assert.Error(t, flow.GoTo(Step(-1)))
	assert.Error(t, flow.GoTo(StepConfirmation+1))
	assert.Equal(t, StepOTP, flow.Step)
}

func TestSnapshotRoundTrip(t *testing.T) {
	flow := NewFlow()
	flow.SetPhone("+62", "81234567890")
	flow.VerificationMethod = "whatsapp"
	flow.SetProfile("Ayu", "ayu_p", "ayu@example.com")
	require.NoError(t, flow.GoTo(StepAvatar))

	data, err := flow.Snapshot()
	require.NoError(t, err)

	restored := NewFlow()
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, flow, restored)
	assert.Equal(t, "+6281234567890", restored.Destination())
}

func TestRestoreRejectsGarbage(t *testing.T) {
	flow := NewFlow()
	err := flow.Restore([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	err = flow.Restore([]byte(`{"step": 42}`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	// Failed restores leave the flow untouched.
	assert.Equal(t, StepWelcome, flow.Step)
}

func TestRestoreFillsDefaults(t *testing.T) {
	flow := NewFlow()
	require.NoError(t, flow.Restore([]byte(`{"step": 1, "phoneNumber": "811"}`)))
	assert.Equal(t, "+62", flow.CountryCode)
	assert.Equal(t, AvatarEmoji, flow.Avatar.Type)
}

func TestResetClearsEverything(t *testing.T) {
	flow := NewFlow()
	flow.SetPhone("+1", "5550100")
	flow.OTPCode = "123456"
	require.NoError(t, flow.GoTo(StepConfirmation))

	flow.Reset()
	assert.Equal(t, NewFlow(), flow)
}
