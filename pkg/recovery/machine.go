package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/relves/socialrecovery/pkg/deposit"
	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

var (
	ErrInvalidTransition  = errors.New("action not allowed in current step")
	ErrSnapshotPending    = errors.New("lost account is still being checked")
	ErrNoLostAccount      = errors.New("no lost account selected")
	ErrInvalidLostAccount = errors.New("invalid lost account")
	ErrRecoveryInProgress = errors.New("recovery already initiated")
	ErrNotClaimable       = errors.New("recovery cannot be claimed yet")
)

// DraftStore persists a recovery config while it is being edited.
type DraftStore interface {
	SaveDraft(ctx context.Context, owner types.Address, cfg types.RecoveryConfig) error
	GetDraft(ctx context.Context, owner types.Address) (*types.RecoveryConfig, error)
	DeleteDraft(ctx context.Context, owner types.Address) error
}

// SubmissionRecord is one submitted call and its outcome.
type SubmissionRecord struct {
	Account     types.Address   `json:"account"`
	Mode        Mode            `json:"mode"`
	Signer      types.Address   `json:"signer"`
	Call        *ledger.Call    `json:"call"`
	Result      ledger.TxResult `json:"result"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Journal records submissions.
type Journal interface {
	Record(ctx context.Context, rec SubmissionRecord) error
}

// Plan is what Review shows and Submit sends. Calls[0] is the primary call.
type Plan struct {
	Mode       Mode         `json:"mode"`
	Calls      []SignedCall `json:"calls"`
	Deposit    *big.Int     `json:"deposit"`
	Withdrawal *Withdrawal  `json:"withdrawal,omitempty"`
}

// CallOutcome is the result of one submitted call. Submitted is false for
// calls skipped after an earlier failure.
type CallOutcome struct {
	Call      SignedCall      `json:"call"`
	Submitted bool            `json:"submitted"`
	Result    ledger.TxResult `json:"result"`
	Error     string          `json:"error,omitempty"`
}

// Outcome is shown at Confirm. A failure is terminal for the attempt.
type Outcome struct {
	Success bool          `json:"success"`
	Calls   []CallOutcome `json:"calls"`
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Ledger ledger.Ledger

	// Calls builds extrinsics.
	// Default: ledger.NewBuilder()
	Calls ledger.CallBuilder

	// Self is the wallet account driving the session.
	Self types.Address

	// Standalone sessions close on acknowledge instead of returning home.
	Standalone bool

	Identities IdentitySource
	Drafts     DraftStore
	Journal    Journal

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *MachineConfig) ApplyDefaults() {
	if c.Calls == nil {
		c.Calls = ledger.NewBuilder()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Machine is the recovery workflow controller for one wallet account.
type Machine struct {
	cfg    MachineConfig
	ledger ledger.Ledger
	calls  ledger.CallBuilder
	self   types.Address
	logger *slog.Logger
	agg    *Aggregator

	mu          sync.Mutex
	state       State
	consts      ledger.Constants
	calc        *deposit.Calculator
	builder     *ConfigBuilder
	existing    *types.RecoveryConfig
	incoming    []types.ActiveRecovery
	plan        *Plan
	outcome     *Outcome
	passwordErr error
}

// NewMachine creates a Machine at the check step.
func NewMachine(cfg MachineConfig) *Machine {
	cfg.ApplyDefaults()
	return &Machine{
		cfg:    cfg,
		ledger: cfg.Ledger,
		calls:  cfg.Calls,
		self:   cfg.Self,
		logger: cfg.Logger.With("account", cfg.Self),
		agg: NewAggregator(AggregatorConfig{
			Ledger:     cfg.Ledger,
			Self:       cfg.Self,
			Identities: cfg.Identities,
			Now:        cfg.Now,
			Logger:     cfg.Logger,
		}),
		state: State{Step: StepCheck},
	}
}

// State returns the current step and mode.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Plan returns the plan under review, if any.
func (m *Machine) Plan() *Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan
}

// Outcome returns the result of the last submission, if any.
func (m *Machine) Outcome() *Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// PasswordError returns the last signer unlock failure. It is cleared by a
// successful submission or by leaving the review.
func (m *Machine) PasswordError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passwordErr
}

// Deposit returns what the plan under review reserves.
func (m *Machine) Deposit() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(m.plan.Deposit)
}

// Builder returns the config being edited at the make-recoverable step.
func (m *Machine) Builder() *ConfigBuilder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builder
}

// ExistingConfig returns the account's own recovery config, if loaded.
func (m *Machine) ExistingConfig() *types.RecoveryConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing
}

// IncomingRecoveries lists active recoveries targeting the account itself.
func (m *Machine) IncomingRecoveries() []types.ActiveRecovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ActiveRecovery, len(m.incoming))
	copy(out, m.incoming)
	return out
}

// LostAccount returns the account being recovered, or "".
func (m *Machine) LostAccount() types.Address {
	return m.agg.Target()
}

// Snapshot returns the lost account snapshot.
func (m *Machine) Snapshot() Snapshot {
	return m.agg.Snapshot()
}

// Aggregator exposes the lost account aggregator.
func (m *Machine) Aggregator() *Aggregator {
	return m.agg
}

func (m *Machine) fireLocked(ev Event) error {
	next, ok := Transition(m.state, ev)
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, m.state.Step)
	}
	m.logger.Debug("recovery transition", "from", m.state.Step, "event", ev, "to", next.Step, "mode", next.Mode)
	m.state = next
	return nil
}

func (m *Machine) requireLocked(step Step) error {
	if m.state.Step != step {
		return fmt.Errorf("%w: expected %s, at %s", ErrInvalidTransition, step, m.state.Step)
	}
	return nil
}

// Start reads the recovery constants. A chain without them is unsupported
// for the rest of the session.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepCheck); err != nil {
		return err
	}

	consts, err := m.ledger.GetConstants(ctx)
	if err != nil {
		m.logger.Error("recovery constants unavailable", "error", err)
		if ferr := m.fireLocked(EventUnsupported); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %v", ledger.ErrUnsupported, err)
	}
	m.consts = consts
	m.calc = deposit.NewCalculator(consts)
	return m.fireLocked(EventSupported)
}

// OpenMakeRecoverable shows the account's existing config, or starts a new
// one when there is none.
func (m *Machine) OpenMakeRecoverable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepHome); err != nil {
		return err
	}

	existing, err := m.ledger.GetRecoverable(ctx, m.self)
	if err != nil {
		return fmt.Errorf("failed to read recovery config: %w", err)
	}
	if existing != nil {
		actives, err := m.ledger.GetActiveRecoveries(ctx)
		if err != nil {
			m.logger.Warn("failed to read active recoveries", "error", err)
		}
		m.existing = existing
		m.incoming = types.ActiveRecoveriesOn(actives, m.self)
		return m.fireLocked(EventOpenRecoveryDetail)
	}

	m.existing = nil
	m.builder = NewConfigBuilder(m.self, m.consts.MaxFriends)
	if m.cfg.Drafts != nil {
		draft, err := m.cfg.Drafts.GetDraft(ctx, m.self)
		if err != nil {
			m.logger.Warn("failed to load recovery draft", "error", err)
		} else if draft != nil {
			m.builder = m.builderFromLocked(*draft)
		}
	}
	return m.fireLocked(EventOpenMakeRecoverable)
}

// Modify edits the existing config.
func (m *Machine) Modify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepRecoveryDetail); err != nil {
		return err
	}
	m.builder = m.builderFromLocked(*m.existing)
	return m.fireLocked(EventModify)
}

func (m *Machine) builderFromLocked(cfg types.RecoveryConfig) *ConfigBuilder {
	b, err := ConfigBuilderFrom(m.self, m.consts.MaxFriends, cfg)
	if err != nil {
		m.logger.Warn("recovery config has friends that cannot be kept", "error", err)
	}
	return b
}

// ConfirmConfig moves the edited config to review.
func (m *Machine) ConfirmConfig(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepMakeRecoverable); err != nil {
		return err
	}

	cfg, err := m.builder.Build()
	if err != nil {
		return err
	}
	if m.cfg.Drafts != nil {
		if err := m.cfg.Drafts.SaveDraft(ctx, m.self, cfg); err != nil {
			m.logger.Warn("failed to save recovery draft", "error", err)
		}
	}

	create := m.calls.CreateRecovery(cfg.Friends, cfg.Threshold, cfg.DelayPeriod)
	total := m.calc.TotalConfigDeposit(len(cfg.Friends))

	if m.state.Mode == ModeModifyRecovery {
		var current *big.Int
		if m.existing != nil {
			current = m.existing.Deposit
		}
		m.plan = &Plan{
			Mode:    ModeModifyRecovery,
			Calls:   []SignedCall{{Call: m.calls.BatchAll(m.calls.RemoveRecovery(), create), Signer: m.self}},
			Deposit: deposit.Delta(deposit.ModeModify, current, total),
		}
		return m.fireLocked(EventConfirmModify)
	}

	m.plan = &Plan{
		Mode:    ModeSetRecovery,
		Calls:   []SignedCall{{Call: create, Signer: m.self}},
		Deposit: deposit.Delta(deposit.ModeSet, nil, total),
	}
	return m.fireLocked(EventConfirmNew)
}

// MakeUnrecoverable reviews removal of the account's recovery config.
func (m *Machine) MakeUnrecoverable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepRecoveryDetail); err != nil {
		return err
	}
	m.plan = &Plan{
		Mode:    ModeRemoveRecovery,
		Calls:   []SignedCall{{Call: m.calls.RemoveRecovery(), Signer: m.self}},
		Deposit: new(big.Int),
	}
	return m.fireLocked(EventRemove)
}

// CloseRecovery reviews closing rescuer's attempt on this account.
func (m *Machine) CloseRecovery(rescuer types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepRecoveryDetail); err != nil {
		return err
	}
	if _, ok := types.FindActiveRecovery(m.incoming, m.self, rescuer); !ok {
		return ErrNoActiveRecovery
	}
	m.plan = &Plan{
		Mode:    ModeCloseRecovery,
		Calls:   []SignedCall{{Call: m.calls.CloseRecovery(rescuer), Signer: m.self}},
		Deposit: new(big.Int),
	}
	return m.fireLocked(EventClose)
}

// OpenInitiate opens the rescuer view. When the account already rescues a
// lost account, that account becomes the target and its snapshot is fetched.
func (m *Machine) OpenInitiate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepHome); err != nil {
		return err
	}

	actives, err := m.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active recoveries: %w", err)
	}
	proxied, err := m.ledger.GetRecoveryProxyOf(ctx, m.self)
	if err != nil {
		return fmt.Errorf("failed to read recovery proxy: %w", err)
	}

	lost := proxied
	if lost == "" {
		for _, r := range actives {
			if r.Rescuer == m.self {
				lost = r.Lost
				break
			}
		}
	}
	if err := m.fireLocked(EventOpenInitiate); err != nil {
		return err
	}
	if lost != "" {
		m.logger.Info("resuming recovery", "lost", lost)
		m.agg.SetTarget(lost)
		m.startFetch(ctx)
	}
	return nil
}

// SelectLostAccount targets lost and starts checking it.
func (m *Machine) SelectLostAccount(ctx context.Context, lost types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepInitiateRecovery); err != nil {
		return err
	}
	if lost == "" || lost == m.self {
		return ErrInvalidLostAccount
	}
	m.agg.SetTarget(lost)
	m.startFetch(ctx)
	return nil
}

// Refresh refetches the lost account snapshot.
func (m *Machine) Refresh(ctx context.Context) bool {
	if m.agg.Target() == "" {
		return false
	}
	return m.startFetch(ctx)
}

// startFetch leaves the snapshot Pending when session info is unavailable.
func (m *Machine) startFetch(ctx context.Context) bool {
	session, err := m.ledger.GetSessionInfo(ctx)
	if err != nil {
		m.logger.Warn("failed to read session info", "error", err)
		return false
	}
	return m.agg.Fetch(ctx, session)
}

// Status reports the progress of this account's recovery of the lost account.
func (m *Machine) Status(ctx context.Context) (RecoveryStatus, error) {
	lost := m.agg.Target()
	if lost == "" {
		return RecoveryStatus{}, ErrNoLostAccount
	}
	snap := m.agg.Snapshot()
	cfg, ok := snap.Recoverable.Get()
	if !ok {
		return RecoveryStatus{}, ErrSnapshotPending
	}
	if cfg == nil {
		return RecoveryStatus{}, ErrNotRecoverable
	}
	return m.status(ctx, lost, *cfg)
}

func (m *Machine) status(ctx context.Context, lost types.Address, cfg types.RecoveryConfig) (RecoveryStatus, error) {
	actives, err := m.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		return RecoveryStatus{}, fmt.Errorf("failed to read active recoveries: %w", err)
	}
	active, ok := types.FindActiveRecovery(actives, lost, m.self)
	if !ok {
		return RecoveryStatus{}, ErrNoActiveRecovery
	}
	block, err := m.ledger.GetCurrentBlock(ctx)
	if err != nil {
		return RecoveryStatus{}, fmt.Errorf("failed to read current block: %w", err)
	}
	return EvaluateRecovery(active, cfg, block), nil
}

// Initiate reviews initiating recovery of the selected lost account.
func (m *Machine) Initiate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepInitiateRecovery); err != nil {
		return err
	}
	lost := m.agg.Target()
	if lost == "" {
		return ErrNoLostAccount
	}
	cfg, ok := m.agg.Snapshot().Recoverable.Get()
	if !ok {
		return ErrSnapshotPending
	}
	if cfg == nil {
		return ErrNotRecoverable
	}

	actives, err := m.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active recoveries: %w", err)
	}
	if _, exists := types.FindActiveRecovery(actives, lost, m.self); exists {
		return ErrRecoveryInProgress
	}

	m.plan = &Plan{
		Mode:    ModeInitiateRecovery,
		Calls:   []SignedCall{{Call: m.calls.InitiateRecovery(lost), Signer: m.self}},
		Deposit: deposit.Delta(deposit.ModeInitiate, nil, m.calc.InitiateDeposit()),
	}
	return m.fireLocked(EventInitiate)
}

// Withdraw reviews claiming the lost account (unless already claimed) and
// moving everything in it to this account.
func (m *Machine) Withdraw(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepInitiateRecovery); err != nil {
		return err
	}
	lost := m.agg.Target()
	if lost == "" {
		return ErrNoLostAccount
	}
	snap := m.agg.Snapshot()
	if !snap.IsComplete() {
		return ErrSnapshotPending
	}

	if !snap.AlreadyClaimed.Value() {
		cfg := snap.Recoverable.Value()
		if cfg == nil {
			return ErrNotRecoverable
		}
		st, err := m.status(ctx, lost, *cfg)
		if err != nil {
			return err
		}
		if !st.CanClaim {
			return fmt.Errorf("%w: delay passed %t, vouches %d/%d", ErrNotClaimable, st.DelayPassed, st.Vouches, st.Threshold)
		}
	}

	actives, err := m.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active recoveries: %w", err)
	}
	w, ok := ComposeWithdrawal(m.calls, snap, actives, m.self)
	if !ok {
		return ErrSnapshotPending
	}

	calls := append([]SignedCall{w.Primary}, w.Detached...)
	m.plan = &Plan{
		Mode:       ModeWithdraw,
		Calls:      calls,
		Deposit:    new(big.Int),
		Withdrawal: w,
	}
	return m.fireLocked(EventWithdraw)
}

// OpenVouch opens the guarantor view.
func (m *Machine) OpenVouch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(EventOpenVouch)
}

// VerifyVouch checks that this account may vouch for rescuer's recovery of
// lost and, if so, moves to review.
func (m *Machine) VerifyVouch(ctx context.Context, lost, rescuer types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(StepVouch); err != nil {
		return err
	}

	actives, err := m.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active recoveries: %w", err)
	}
	cfg, err := m.ledger.GetRecoverable(ctx, lost)
	if err != nil {
		return fmt.Errorf("failed to read recovery config: %w", err)
	}
	if err := CheckVouchEligibility(lost, rescuer, m.self, actives, cfg); err != nil {
		return err
	}

	m.plan = &Plan{
		Mode:    ModeVouchRecovery,
		Calls:   []SignedCall{{Call: m.calls.VouchRecovery(lost, rescuer), Signer: m.self}},
		Deposit: new(big.Int),
	}
	return m.fireLocked(EventVouch)
}

// Back returns to the previous screen.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasReview := m.state.Step == StepReview
	if err := m.fireLocked(EventBack); err != nil {
		return err
	}
	if wasReview {
		m.plan = nil
		m.passwordErr = nil
	}
	return nil
}

// Submit sends the plan under review. A wrong password returns to Review
// with ledger.ErrPasswordInvalid; any other failure ends at Confirm with an
// unsuccessful Outcome. Nothing is retried.
func (m *Machine) Submit(ctx context.Context, password string) (*Outcome, error) {
	m.mu.Lock()
	if err := m.requireLocked(StepReview); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	plan := m.plan
	if plan == nil || len(plan.Calls) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing to submit", ErrInvalidTransition)
	}
	if err := m.fireLocked(EventSubmit); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	outcome := &Outcome{Success: true}
	for i, sc := range plan.Calls {
		if !outcome.Success {
			outcome.Calls = append(outcome.Calls, CallOutcome{Call: sc})
			continue
		}

		res, err := m.ledger.Submit(ctx, sc.Call, sc.Signer, password)
		if i == 0 && errors.Is(err, ledger.ErrPasswordInvalid) {
			m.mu.Lock()
			m.passwordErr = err
			ferr := m.fireLocked(EventPasswordFailed)
			m.mu.Unlock()
			if ferr != nil {
				return nil, ferr
			}
			return nil, err
		}

		co := CallOutcome{Call: sc, Submitted: true, Result: res}
		if err != nil {
			co.Error = err.Error()
		} else if !res.Success {
			co.Error = res.Error
		}
		if co.Error != "" {
			outcome.Success = false
			m.logger.Warn("submission failed", "mode", plan.Mode, "call", sc.Call.Name(), "error", co.Error)
		}
		outcome.Calls = append(outcome.Calls, co)
		m.record(ctx, plan.Mode, co)
	}

	if outcome.Success && m.cfg.Drafts != nil && (plan.Mode == ModeSetRecovery || plan.Mode == ModeModifyRecovery) {
		if err := m.cfg.Drafts.DeleteDraft(ctx, m.self); err != nil {
			m.logger.Warn("failed to delete recovery draft", "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = outcome
	m.passwordErr = nil
	if err := m.fireLocked(EventTxDone); err != nil {
		return nil, err
	}
	m.logger.Info("submission finished", "mode", plan.Mode, "success", outcome.Success)
	return outcome, nil
}

func (m *Machine) record(ctx context.Context, mode Mode, co CallOutcome) {
	if m.cfg.Journal == nil {
		return
	}
	rec := SubmissionRecord{
		Account:     m.self,
		Mode:        mode,
		Signer:      co.Call.Signer,
		Call:        co.Call.Call,
		Result:      co.Result,
		Error:       co.Error,
		SubmittedAt: m.cfg.Now().UTC(),
	}
	if err := m.cfg.Journal.Record(ctx, rec); err != nil {
		m.logger.Warn("failed to record submission", "error", err)
	}
}

// Acknowledge leaves Confirm: home for in-wallet sessions, closed for
// standalone windows.
func (m *Machine) Acknowledge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := EventAcknowledge
	if m.cfg.Standalone {
		ev = EventCloseWindow
	}
	if err := m.fireLocked(ev); err != nil {
		return err
	}
	m.plan = nil
	m.outcome = nil
	m.builder = nil
	return nil
}

// Close stops any in-flight snapshot fetch.
func (m *Machine) Close() {
	m.agg.Close()
}
