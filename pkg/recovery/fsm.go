package recovery

// Step is the active screen of the recovery workflow.
type Step string

const (
	StepCheck            Step = "check"
	StepUnsupported      Step = "unsupported"
	StepHome             Step = "home"
	StepMakeRecoverable  Step = "make_recoverable"
	StepRecoveryDetail   Step = "recovery_detail"
	StepInitiateRecovery Step = "initiate_recovery"
	StepVouch            Step = "vouch"
	StepReview           Step = "review"
	StepWait             Step = "wait"
	StepConfirm          Step = "confirm"
	StepClosed           Step = "closed"
)

// Mode is the action confirmed for review and submission.
type Mode string

const (
	ModeNone             Mode = ""
	ModeSetRecovery      Mode = "set_recovery"
	ModeModifyRecovery   Mode = "modify_recovery"
	ModeRemoveRecovery   Mode = "remove_recovery"
	ModeInitiateRecovery Mode = "initiate_recovery"
	ModeCloseRecovery    Mode = "close_recovery"
	ModeVouchRecovery    Mode = "vouch_recovery"
	ModeWithdraw         Mode = "withdraw"
)

// Event drives a transition.
type Event string

const (
	EventSupported           Event = "supported"
	EventUnsupported         Event = "unsupported"
	EventOpenMakeRecoverable Event = "open_make_recoverable"
	EventOpenRecoveryDetail  Event = "open_recovery_detail"
	EventModify              Event = "modify"
	EventRemove              Event = "remove"
	EventClose               Event = "close"
	EventConfirmNew          Event = "confirm_new"
	EventConfirmModify       Event = "confirm_modify"
	EventOpenInitiate        Event = "open_initiate"
	EventInitiate            Event = "initiate"
	EventWithdraw            Event = "withdraw"
	EventOpenVouch           Event = "open_vouch"
	EventVouch               Event = "vouch"
	EventSubmit              Event = "submit"
	EventTxDone              Event = "tx_done"
	EventPasswordFailed      Event = "password_failed"
	EventAcknowledge         Event = "acknowledge"
	EventCloseWindow         Event = "close_window"
	EventBack                Event = "back"
)

// State is the single source of truth for the workflow position.
type State struct {
	Step Step `json:"step"`
	Mode Mode `json:"mode"`
}

type transitionKey struct {
	step  Step
	event Event
}

type target struct {
	step     Step
	mode     Mode
	keepMode bool
}

var transitions = map[transitionKey]target{
	{StepCheck, EventSupported}:   {step: StepHome},
	{StepCheck, EventUnsupported}: {step: StepUnsupported},

	{StepHome, EventOpenMakeRecoverable}: {step: StepMakeRecoverable},
	{StepHome, EventOpenRecoveryDetail}:  {step: StepRecoveryDetail},
	{StepHome, EventOpenInitiate}:        {step: StepInitiateRecovery},
	{StepHome, EventOpenVouch}:           {step: StepVouch},

	{StepRecoveryDetail, EventModify}: {step: StepMakeRecoverable, mode: ModeModifyRecovery},
	{StepRecoveryDetail, EventRemove}: {step: StepReview, mode: ModeRemoveRecovery},
	{StepRecoveryDetail, EventClose}:  {step: StepReview, mode: ModeCloseRecovery},

	{StepMakeRecoverable, EventConfirmNew}:    {step: StepReview, mode: ModeSetRecovery},
	{StepMakeRecoverable, EventConfirmModify}: {step: StepReview, mode: ModeModifyRecovery},

	{StepInitiateRecovery, EventInitiate}: {step: StepReview, mode: ModeInitiateRecovery},
	{StepInitiateRecovery, EventWithdraw}: {step: StepReview, mode: ModeWithdraw},

	{StepVouch, EventVouch}: {step: StepReview, mode: ModeVouchRecovery},

	{StepReview, EventSubmit}:       {step: StepWait, keepMode: true},
	{StepWait, EventTxDone}:         {step: StepConfirm, keepMode: true},
	{StepWait, EventPasswordFailed}: {step: StepReview, keepMode: true},

	{StepConfirm, EventAcknowledge}: {step: StepHome},
	{StepConfirm, EventCloseWindow}: {step: StepClosed},

	{StepMakeRecoverable, EventBack}:  {step: StepHome},
	{StepRecoveryDetail, EventBack}:   {step: StepHome},
	{StepInitiateRecovery, EventBack}: {step: StepHome},
	{StepVouch, EventBack}:            {step: StepHome},
}

// reviewOrigin is where Back leads from Review, per mode.
var reviewOrigin = map[Mode]State{
	ModeSetRecovery:      {Step: StepMakeRecoverable},
	ModeModifyRecovery:   {Step: StepMakeRecoverable, Mode: ModeModifyRecovery},
	ModeRemoveRecovery:   {Step: StepRecoveryDetail},
	ModeCloseRecovery:    {Step: StepRecoveryDetail},
	ModeInitiateRecovery: {Step: StepInitiateRecovery},
	ModeWithdraw:         {Step: StepInitiateRecovery},
	ModeVouchRecovery:    {Step: StepVouch},
}

// Transition returns the state after ev, or false if ev is not allowed
// from s.
func Transition(s State, ev Event) (State, bool) {
	if s.Step == StepReview && ev == EventBack {
		origin, ok := reviewOrigin[s.Mode]
		if !ok {
			return s, false
		}
		return origin, true
	}
	t, ok := transitions[transitionKey{s.Step, ev}]
	if !ok {
		return s, false
	}
	next := State{Step: t.step, Mode: t.mode}
	if t.keepMode {
		next.Mode = s.Mode
	}
	return next, true
}
