package recovery

import (
	"sort"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// SignedCall is a call and the account whose authority must sign it.
type SignedCall struct {
	Call   *ledger.Call  `json:"call"`
	Signer types.Address `json:"signer"`
}

// Withdrawal is everything needed to empty a recovered account.
type Withdrawal struct {
	Lost types.Address `json:"lost"`

	// Primary is signed by the rescuer: the claim (when still needed) and the
	// as-recovered batch, in one atomic call.
	Primary SignedCall `json:"primary"`

	// Detached closes competing recoveries. Each needs the lost account's
	// own authority, so they are not part of Primary.
	Detached []SignedCall `json:"detached,omitempty"`

	// Inner is the call list executed as the recovered account.
	Inner []*ledger.Call `json:"inner"`

	// Steps names the withdrawal steps that produced Inner.
	Steps []string `json:"steps"`
}

type withdrawStep struct {
	name  string
	when  func(s Snapshot) bool
	calls func(b ledger.CallBuilder, s Snapshot) []*ledger.Call
}

// withdrawSteps run in this order; transferAll is appended afterwards
// because it depends on whether any step produced a call.
var withdrawSteps = []withdrawStep{
	{
		name: "remove_recovery",
		when: func(s Snapshot) bool { return s.Recoverable.Value() != nil },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.RemoveRecovery()}
		},
	},
	{
		name: "solo_unbond",
		when: func(s Snapshot) bool { return !types.IsZero(s.SoloStaked.Value()) },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.Chill(), b.Unbond(s.SoloStaked.Value())}
		},
	},
	{
		name: "solo_withdraw",
		when: func(s Snapshot) bool { return !types.IsZero(s.Redeemable.Value().Amount) },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.WithdrawUnbonded(s.Redeemable.Value().SpanCount)}
		},
	},
	{
		name: "pool_unbond",
		when: func(s Snapshot) bool {
			stake := s.PoolStaked.Value()
			return !types.IsZero(stake.Amount) && !stake.HasPrivilegedRole
		},
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.PoolUnbond(s.Address, s.PoolStaked.Value().Amount)}
		},
	},
	{
		name: "pool_withdraw",
		when: func(s Snapshot) bool { return !types.IsZero(s.PoolRedeemable.Value().Amount) },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.PoolWithdrawUnbonded(s.Address, s.PoolRedeemable.Value().SpanCount)}
		},
	},
	{
		name: "clear_identity",
		when: func(s Snapshot) bool { return s.HasIdentity.Value() },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.ClearIdentity()}
		},
	},
	{
		name: "remove_proxies",
		when: func(s Snapshot) bool { return s.HasProxy.Value() },
		calls: func(b ledger.CallBuilder, s Snapshot) []*ledger.Call {
			return []*ledger.Call{b.RemoveProxies()}
		},
	},
}

// ComposeWithdrawal builds the withdrawal of snap.Address to self. It
// returns false while the snapshot is incomplete.
func ComposeWithdrawal(b ledger.CallBuilder, snap Snapshot, actives []types.ActiveRecovery, self types.Address) (*Withdrawal, bool) {
	if !snap.IsComplete() {
		return nil, false
	}
	lost := snap.Address

	var claim *ledger.Call
	if !snap.AlreadyClaimed.Value() {
		claim = b.ClaimRecovery(lost)
	}

	var detached []SignedCall
	competing := types.ActiveRecoveriesOn(actives, lost)
	sort.Slice(competing, func(i, j int) bool { return competing[i].Rescuer < competing[j].Rescuer })
	for _, r := range competing {
		if r.Rescuer == self {
			continue
		}
		detached = append(detached, SignedCall{Call: b.CloseRecovery(r.Rescuer), Signer: lost})
	}

	var (
		inner []*ledger.Call
		steps []string
	)
	for _, step := range withdrawSteps {
		if step.when(snap) {
			inner = append(inner, step.calls(b, snap)...)
			steps = append(steps, step.name)
		}
	}
	if len(inner) > 0 || !types.IsZero(snap.AvailableBalance.Value()) {
		inner = append(inner, b.TransferAll(self, false))
		steps = append(steps, "transfer_all")
	}

	asRecovered := b.AsRecovered(lost, b.BatchAll(inner...))
	primary := asRecovered
	if claim != nil {
		primary = b.BatchAll(claim, asRecovered)
	}

	return &Withdrawal{
		Lost:     lost,
		Primary:  SignedCall{Call: primary, Signer: self},
		Detached: detached,
		Inner:    inner,
		Steps:    steps,
	}, true
}
