package recovery

import (
	"math/big"
	"time"

	"github.com/relves/socialrecovery/pkg/types"
)

// Unlocking is stake on its way out and when the last of it is released.
type Unlocking struct {
	Amount    *big.Int  `json:"amount"`
	ReleaseAt time.Time `json:"release_at,omitempty"`
}

// Redeemable is unbonded stake and the span count its withdrawal needs.
type Redeemable struct {
	Amount    *big.Int `json:"amount"`
	SpanCount uint32   `json:"span_count"`
}

// PoolStake is the pro-rated active stake of a pool member.
type PoolStake struct {
	Amount            *big.Int `json:"amount"`
	HasPrivilegedRole bool     `json:"has_privileged_role"`
}

// Snapshot aggregates everything recoverable from one lost account. Each
// field is Pending until its query resolves; read fields only once
// IsComplete is true.
type Snapshot struct {
	Address types.Address

	AvailableBalance types.Field[*big.Int]
	ReservedBalance  types.Field[*big.Int]

	SoloStaked    types.Field[*big.Int]
	SoloUnlocking types.Field[Unlocking]
	Redeemable    types.Field[Redeemable]

	PoolStaked     types.Field[PoolStake]
	PoolUnlocking  types.Field[Unlocking]
	PoolRedeemable types.Field[Redeemable]

	HasIdentity    types.Field[bool]
	HasProxy       types.Field[bool]
	Recoverable    types.Field[*types.RecoveryConfig]
	AlreadyClaimed types.Field[bool]
}

type namedField struct {
	name     string
	resolved bool
}

func (s Snapshot) fields() []namedField {
	return []namedField{
		{"available_balance", s.AvailableBalance.IsResolved()},
		{"reserved_balance", s.ReservedBalance.IsResolved()},
		{"solo_staked", s.SoloStaked.IsResolved()},
		{"solo_unlocking", s.SoloUnlocking.IsResolved()},
		{"redeemable", s.Redeemable.IsResolved()},
		{"pool_staked", s.PoolStaked.IsResolved()},
		{"pool_unlocking", s.PoolUnlocking.IsResolved()},
		{"pool_redeemable", s.PoolRedeemable.IsResolved()},
		{"has_identity", s.HasIdentity.IsResolved()},
		{"has_proxy", s.HasProxy.IsResolved()},
		{"is_recoverable", s.Recoverable.IsResolved()},
		{"already_claimed", s.AlreadyClaimed.IsResolved()},
	}
}

// IsComplete reports whether every field is Resolved.
func (s Snapshot) IsComplete() bool {
	for _, f := range s.fields() {
		if !f.resolved {
			return false
		}
	}
	return true
}

// PendingFields names the fields still waiting on a query.
func (s Snapshot) PendingFields() []string {
	var out []string
	for _, f := range s.fields() {
		if !f.resolved {
			out = append(out, f.name)
		}
	}
	return out
}
