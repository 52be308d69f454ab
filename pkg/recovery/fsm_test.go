package recovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relves/socialrecovery/pkg/recovery"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name string
		from recovery.State
		ev   recovery.Event
		want recovery.State
	}{
		{"supported", recovery.State{Step: recovery.StepCheck}, recovery.EventSupported, recovery.State{Step: recovery.StepHome}},
		{"unsupported", recovery.State{Step: recovery.StepCheck}, recovery.EventUnsupported, recovery.State{Step: recovery.StepUnsupported}},
		{"modify", recovery.State{Step: recovery.StepRecoveryDetail}, recovery.EventModify,
			recovery.State{Step: recovery.StepMakeRecoverable, Mode: recovery.ModeModifyRecovery}},
		{"confirm new", recovery.State{Step: recovery.StepMakeRecoverable}, recovery.EventConfirmNew,
			recovery.State{Step: recovery.StepReview, Mode: recovery.ModeSetRecovery}},
		{"withdraw", recovery.State{Step: recovery.StepInitiateRecovery}, recovery.EventWithdraw,
			recovery.State{Step: recovery.StepReview, Mode: recovery.ModeWithdraw}},
		{"submit keeps mode", recovery.State{Step: recovery.StepReview, Mode: recovery.ModeVouchRecovery}, recovery.EventSubmit,
			recovery.State{Step: recovery.StepWait, Mode: recovery.ModeVouchRecovery}},
		{"password failure returns to review", recovery.State{Step: recovery.StepWait, Mode: recovery.ModeWithdraw}, recovery.EventPasswordFailed,
			recovery.State{Step: recovery.StepReview, Mode: recovery.ModeWithdraw}},
		{"done", recovery.State{Step: recovery.StepWait, Mode: recovery.ModeWithdraw}, recovery.EventTxDone,
			recovery.State{Step: recovery.StepConfirm, Mode: recovery.ModeWithdraw}},
		{"acknowledge resets mode", recovery.State{Step: recovery.StepConfirm, Mode: recovery.ModeWithdraw}, recovery.EventAcknowledge,
			recovery.State{Step: recovery.StepHome}},
		{"close window", recovery.State{Step: recovery.StepConfirm, Mode: recovery.ModeWithdraw}, recovery.EventCloseWindow,
			recovery.State{Step: recovery.StepClosed}},
		{"back from review to modify", recovery.State{Step: recovery.StepReview, Mode: recovery.ModeModifyRecovery}, recovery.EventBack,
			recovery.State{Step: recovery.StepMakeRecoverable, Mode: recovery.ModeModifyRecovery}},
		{"back from review to detail", recovery.State{Step: recovery.StepReview, Mode: recovery.ModeCloseRecovery}, recovery.EventBack,
			recovery.State{Step: recovery.StepRecoveryDetail}},
		{"back to home", recovery.State{Step: recovery.StepVouch}, recovery.EventBack, recovery.State{Step: recovery.StepHome}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := recovery.Transition(tt.from, tt.ev)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		from recovery.State
		ev   recovery.Event
	}{
		{recovery.State{Step: recovery.StepUnsupported}, recovery.EventSupported},
		{recovery.State{Step: recovery.StepUnsupported}, recovery.EventBack},
		{recovery.State{Step: recovery.StepHome}, recovery.EventSubmit},
		{recovery.State{Step: recovery.StepWait}, recovery.EventBack},
		{recovery.State{Step: recovery.StepClosed}, recovery.EventAcknowledge},
		{recovery.State{Step: recovery.StepReview}, recovery.EventBack},
	}
	for _, tt := range tests {
		got, ok := recovery.Transition(tt.from, tt.ev)
		assert.False(t, ok, "%s from %s", tt.ev, tt.from.Step)
		assert.Equal(t, tt.from, got)
	}
}
