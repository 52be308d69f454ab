package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/ledger/ledgertest"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

type memDrafts struct {
	mu     sync.Mutex
	drafts map[types.Address]types.RecoveryConfig
}

func newMemDrafts() *memDrafts {
	return &memDrafts{drafts: make(map[types.Address]types.RecoveryConfig)}
}

func (d *memDrafts) SaveDraft(ctx context.Context, owner types.Address, cfg types.RecoveryConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts[owner] = cfg
	return nil
}

func (d *memDrafts) GetDraft(ctx context.Context, owner types.Address) (*types.RecoveryConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg, ok := d.drafts[owner]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (d *memDrafts) DeleteDraft(ctx context.Context, owner types.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, owner)
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	records []recovery.SubmissionRecord
}

func (j *memJournal) Record(ctx context.Context, rec recovery.SubmissionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

type machineFixture struct {
	ledger  *ledgertest.Mock
	drafts  *memDrafts
	journal *memJournal
	m       *recovery.Machine
}

func newMachine(t *testing.T, self types.Address, mutate func(*recovery.MachineConfig)) *machineFixture {
	t.Helper()
	f := &machineFixture{
		ledger:  ledgertest.New(),
		drafts:  newMemDrafts(),
		journal: &memJournal{},
	}
	cfg := recovery.MachineConfig{
		Ledger:  f.ledger,
		Self:    self,
		Drafts:  f.drafts,
		Journal: f.journal,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.m = recovery.NewMachine(cfg)
	t.Cleanup(f.m.Close)
	return f
}

func (f *machineFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Start(context.Background()))
	require.Equal(t, recovery.StepHome, f.m.State().Step)
}

func (f *machineFixture) waitSnapshot(t *testing.T) recovery.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Aggregator().Wait(ctx))
	return f.m.Snapshot()
}

func TestMachine_Unsupported(t *testing.T) {
	f := newMachine(t, alice, nil)
	f.ledger.SetError(ledgertest.MethodConstants, errors.New("no recovery pallet"))

	err := f.m.Start(context.Background())
	assert.ErrorIs(t, err, ledger.ErrUnsupported)
	assert.Equal(t, recovery.StepUnsupported, f.m.State().Step)

	assert.ErrorIs(t, f.m.OpenMakeRecoverable(context.Background()), recovery.ErrInvalidTransition)
	assert.ErrorIs(t, f.m.Back(), recovery.ErrInvalidTransition)
}

func TestMachine_MakeRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, alice, nil)
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	require.Equal(t, recovery.StepMakeRecoverable, f.m.State().Step)

	b := f.m.Builder()
	require.NoError(t, b.AddFriend(carol))
	require.NoError(t, b.AddFriend(bob))
	b.SetThreshold(2)

	assert.ErrorIs(t, f.m.ConfirmConfig(ctx), recovery.ErrConfigNotReady)
	require.NoError(t, b.SetDelay(1, recovery.UnitDays))

	require.NoError(t, f.m.ConfirmConfig(ctx))
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeSetRecovery}, f.m.State())

	plan := f.m.Plan()
	require.Len(t, plan.Calls, 1)
	assert.Equal(t, "recovery.createRecovery([5Bob, 5Carol], 2, 14400)", plan.Calls[0].Call.String())
	assert.Equal(t, alice, plan.Calls[0].Signer)
	assert.Equal(t, int64(600), f.m.Deposit().Int64())

	draft, err := f.drafts.GetDraft(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, draft)

	out, err := f.m.Submit(ctx, "pw")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, recovery.State{Step: recovery.StepConfirm, Mode: recovery.ModeSetRecovery}, f.m.State())

	draft, err = f.drafts.GetDraft(ctx, alice)
	require.NoError(t, err)
	assert.Nil(t, draft, "draft is removed after a successful set")

	require.Len(t, f.journal.records, 1)
	assert.Equal(t, recovery.ModeSetRecovery, f.journal.records[0].Mode)
	assert.True(t, f.journal.records[0].Result.Success)

	require.NoError(t, f.m.Acknowledge())
	assert.Equal(t, recovery.State{Step: recovery.StepHome}, f.m.State())
	assert.Nil(t, f.m.Plan())
}

func TestMachine_DraftRestored(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, alice, nil)
	require.NoError(t, f.drafts.SaveDraft(ctx, alice, types.RecoveryConfig{
		Friends: []types.Address{bob}, Threshold: 1, DelayPeriod: 50,
	}))
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	assert.Equal(t, []types.Address{bob}, f.m.Builder().Friends())
	assert.True(t, f.m.Builder().IsReady())
}

func TestMachine_Modify(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, alice, nil)
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{
		Friends: []types.Address{bob}, Threshold: 1, DelayPeriod: 100, Deposit: big.NewInt(550),
	}
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	require.Equal(t, recovery.StepRecoveryDetail, f.m.State().Step)
	require.NotNil(t, f.m.ExistingConfig())

	require.NoError(t, f.m.Modify())
	assert.Equal(t, recovery.State{Step: recovery.StepMakeRecoverable, Mode: recovery.ModeModifyRecovery}, f.m.State())
	require.NoError(t, f.m.Builder().AddFriend(carol))

	require.NoError(t, f.m.ConfirmConfig(ctx))
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeModifyRecovery}, f.m.State())
	assert.Equal(t,
		"utility.batchAll([recovery.removeRecovery(), recovery.createRecovery([5Bob, 5Carol], 1, 100)])",
		f.m.Plan().Calls[0].Call.String())
	assert.Equal(t, int64(50), f.m.Deposit().Int64())

	// Back returns to the editor in modify mode.
	require.NoError(t, f.m.Back())
	assert.Equal(t, recovery.State{Step: recovery.StepMakeRecoverable, Mode: recovery.ModeModifyRecovery}, f.m.State())
	assert.Nil(t, f.m.Plan())
}

func TestMachine_ModifyLogsDroppedFriends(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	f := newMachine(t, alice, func(c *recovery.MachineConfig) {
		c.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	})
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{
		Friends: []types.Address{alice, bob}, Threshold: 1, DelayPeriod: 100, Deposit: big.NewInt(550),
	}
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	require.NoError(t, f.m.Modify())
	assert.Equal(t, []types.Address{bob}, f.m.Builder().Friends())
	assert.Contains(t, logs.String(), "recovery config has friends that cannot be kept")
	assert.Contains(t, logs.String(), "dropped friend 5Alice")
}

func TestMachine_RemoveAndClose(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, alice, nil)
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{Friends: []types.Address{bob}, Threshold: 1, DelayPeriod: 100}
	f.ledger.Active = []types.ActiveRecovery{{Lost: alice, Rescuer: erin, CreatedBlock: 900}}
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	incoming := f.m.IncomingRecoveries()
	require.Len(t, incoming, 1)
	assert.Equal(t, erin, incoming[0].Rescuer)

	assert.ErrorIs(t, f.m.CloseRecovery(dave), recovery.ErrNoActiveRecovery)
	require.NoError(t, f.m.CloseRecovery(erin))
	assert.Equal(t, recovery.ModeCloseRecovery, f.m.State().Mode)
	assert.Equal(t, "recovery.closeRecovery(5Erin)", f.m.Plan().Calls[0].Call.String())
	assert.Zero(t, f.m.Deposit().Sign())

	require.NoError(t, f.m.Back())
	require.Equal(t, recovery.StepRecoveryDetail, f.m.State().Step)

	require.NoError(t, f.m.MakeUnrecoverable())
	assert.Equal(t, recovery.ModeRemoveRecovery, f.m.State().Mode)
	assert.Equal(t, "recovery.removeRecovery()", f.m.Plan().Calls[0].Call.String())
}

func TestMachine_PasswordFailureReturnsToReview(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, alice, nil)
	f.ledger.Passwords[alice] = "secret"
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{Friends: []types.Address{bob}, Threshold: 1}
	f.start(t)

	require.NoError(t, f.m.OpenMakeRecoverable(ctx))
	require.NoError(t, f.m.MakeUnrecoverable())

	_, err := f.m.Submit(ctx, "wrong")
	assert.ErrorIs(t, err, ledger.ErrPasswordInvalid)
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeRemoveRecovery}, f.m.State())
	assert.ErrorIs(t, f.m.PasswordError(), ledger.ErrPasswordInvalid)
	assert.NotNil(t, f.m.Plan())
	assert.Empty(t, f.journal.records)

	out, err := f.m.Submit(ctx, "secret")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.NoError(t, f.m.PasswordError())
	assert.Equal(t, recovery.StepConfirm, f.m.State().Step)
}

func TestMachine_SubmitNotFromReview(t *testing.T) {
	f := newMachine(t, alice, nil)
	f.start(t)
	_, err := f.m.Submit(context.Background(), "pw")
	assert.ErrorIs(t, err, recovery.ErrInvalidTransition)
}

// setupClaimable makes bob an eligible rescuer of alice with erin as a
// competing rescuer.
func setupClaimable(f *machineFixture) {
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{
		Friends: []types.Address{carol, dave}, Threshold: 2, DelayPeriod: 10,
	}
	f.ledger.Active = []types.ActiveRecovery{
		{Lost: alice, Rescuer: bob, CreatedBlock: 100, VouchedFriends: []types.Address{carol, dave}},
		{Lost: alice, Rescuer: erin, CreatedBlock: 200},
	}
	f.ledger.Balances[alice] = ledger.Balances{Available: big.NewInt(5000)}
}

func TestMachine_Withdraw(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, bob, nil)
	setupClaimable(f)
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	require.Equal(t, recovery.StepInitiateRecovery, f.m.State().Step)
	assert.Equal(t, alice, f.m.LostAccount(), "resumes the recovery bob already started")

	snap := f.waitSnapshot(t)
	require.True(t, snap.IsComplete(), "pending: %v", snap.PendingFields())

	st, err := f.m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.CanClaim)

	require.NoError(t, f.m.Withdraw(ctx))
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeWithdraw}, f.m.State())

	plan := f.m.Plan()
	require.NotNil(t, plan.Withdrawal)
	require.Len(t, plan.Calls, 2)
	assert.Equal(t,
		"utility.batchAll([recovery.claimRecovery(5Alice), recovery.asRecovered(5Alice, utility.batchAll([recovery.removeRecovery(), balances.transferAll(5Bob, false)]))])",
		plan.Calls[0].Call.String())
	assert.Equal(t, bob, plan.Calls[0].Signer)
	assert.Equal(t, "recovery.closeRecovery(5Erin)", plan.Calls[1].Call.String())
	assert.Equal(t, alice, plan.Calls[1].Signer)

	out, err := f.m.Submit(ctx, "pw")
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, f.ledger.Submitted(), 2)
	assert.Len(t, f.journal.records, 2)
}

func TestMachine_WithdrawFailureStops(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, bob, nil)
	setupClaimable(f)
	f.ledger.Result = func(call *ledger.Call, signer types.Address) ledger.TxResult {
		return ledger.TxResult{Success: false, Error: "recovery.DelayPeriod"}
	}
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	f.waitSnapshot(t)
	require.NoError(t, f.m.Withdraw(ctx))

	out, err := f.m.Submit(ctx, "pw")
	require.NoError(t, err)
	assert.False(t, out.Success)
	require.Len(t, out.Calls, 2)
	assert.True(t, out.Calls[0].Submitted)
	assert.Equal(t, "recovery.DelayPeriod", out.Calls[0].Error)
	assert.False(t, out.Calls[1].Submitted)
	assert.Len(t, f.ledger.Submitted(), 1)
	assert.Equal(t, recovery.StepConfirm, f.m.State().Step)
}

func TestMachine_WithdrawNotClaimable(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, bob, nil)
	setupClaimable(f)
	f.ledger.Block = 110
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	f.waitSnapshot(t)

	assert.ErrorIs(t, f.m.Withdraw(ctx), recovery.ErrNotClaimable)
	assert.Equal(t, recovery.StepInitiateRecovery, f.m.State().Step)
}

func TestMachine_WithdrawAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, bob, nil)
	setupClaimable(f)
	f.ledger.Block = 110
	f.ledger.RecoveryProxies[bob] = alice
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	snap := f.waitSnapshot(t)
	require.True(t, snap.AlreadyClaimed.Value())

	require.NoError(t, f.m.Withdraw(ctx))
	assert.Equal(t,
		"recovery.asRecovered(5Alice, utility.batchAll([recovery.removeRecovery(), balances.transferAll(5Bob, false)]))",
		f.m.Plan().Calls[0].Call.String())
}

func TestMachine_WithdrawWhilePending(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, bob, nil)
	setupClaimable(f)
	f.ledger.SetError(ledgertest.MethodProxiesOf, errors.New("timeout"))
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	f.waitSnapshot(t)
	assert.ErrorIs(t, f.m.Withdraw(ctx), recovery.ErrSnapshotPending)

	f.ledger.SetError(ledgertest.MethodProxiesOf, nil)
	require.True(t, f.m.Refresh(ctx))
	f.waitSnapshot(t)
	assert.NoError(t, f.m.Withdraw(ctx))
}

func TestMachine_Initiate(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, erin, nil)
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{Friends: []types.Address{carol}, Threshold: 1, DelayPeriod: 10}
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	assert.Equal(t, types.Address(""), f.m.LostAccount())
	assert.ErrorIs(t, f.m.Initiate(ctx), recovery.ErrNoLostAccount)
	assert.ErrorIs(t, f.m.SelectLostAccount(ctx, erin), recovery.ErrInvalidLostAccount)

	require.NoError(t, f.m.SelectLostAccount(ctx, alice))
	f.waitSnapshot(t)

	require.NoError(t, f.m.Initiate(ctx))
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeInitiateRecovery}, f.m.State())
	assert.Equal(t, "recovery.initiateRecovery(5Alice)", f.m.Plan().Calls[0].Call.String())
	assert.Equal(t, int64(500), f.m.Deposit().Int64())

	require.NoError(t, f.m.Back())
	f.ledger.Active = []types.ActiveRecovery{{Lost: alice, Rescuer: erin, CreatedBlock: 900}}
	assert.ErrorIs(t, f.m.Initiate(ctx), recovery.ErrRecoveryInProgress)
}

func TestMachine_InitiateNotRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, erin, nil)
	f.start(t)

	require.NoError(t, f.m.OpenInitiate(ctx))
	require.NoError(t, f.m.SelectLostAccount(ctx, alice))
	f.waitSnapshot(t)
	assert.ErrorIs(t, f.m.Initiate(ctx), recovery.ErrNotRecoverable)
}

func TestMachine_Vouch(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, carol, nil)
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{Friends: []types.Address{carol, dave}, Threshold: 2, DelayPeriod: 10}
	f.ledger.Active = []types.ActiveRecovery{{Lost: alice, Rescuer: bob, CreatedBlock: 100, VouchedFriends: []types.Address{dave}}}
	f.start(t)

	require.NoError(t, f.m.OpenVouch())
	require.Equal(t, recovery.StepVouch, f.m.State().Step)

	assert.ErrorIs(t, f.m.VerifyVouch(ctx, alice, erin), recovery.ErrNoActiveRecovery)
	assert.Equal(t, recovery.StepVouch, f.m.State().Step)

	require.NoError(t, f.m.VerifyVouch(ctx, alice, bob))
	assert.Equal(t, recovery.State{Step: recovery.StepReview, Mode: recovery.ModeVouchRecovery}, f.m.State())
	assert.Equal(t, "recovery.vouchRecovery(5Alice, 5Bob)", f.m.Plan().Calls[0].Call.String())
}

func TestMachine_StandaloneCloses(t *testing.T) {
	ctx := context.Background()
	f := newMachine(t, carol, func(c *recovery.MachineConfig) { c.Standalone = true })
	f.ledger.Recoverable[alice] = &types.RecoveryConfig{Friends: []types.Address{carol}, Threshold: 1}
	f.ledger.Active = []types.ActiveRecovery{{Lost: alice, Rescuer: bob}}
	f.start(t)

	require.NoError(t, f.m.OpenVouch())
	require.NoError(t, f.m.VerifyVouch(ctx, alice, bob))
	_, err := f.m.Submit(ctx, "pw")
	require.NoError(t, err)

	require.NoError(t, f.m.Acknowledge())
	assert.Equal(t, recovery.StepClosed, f.m.State().Step)
	assert.ErrorIs(t, f.m.OpenVouch(), recovery.ErrInvalidTransition)
}
