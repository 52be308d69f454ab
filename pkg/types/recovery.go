// pkg/types/recovery.go
package types

import "math/big"

// RecoveryConfig is the set of guarantors, vouch threshold and delay an
// account registers to make itself recoverable.
type RecoveryConfig struct {
	Friends     []Address `json:"friends" yaml:"friends"`
	Threshold   int       `json:"threshold" yaml:"threshold"`
	DelayPeriod uint64    `json:"delay_period" yaml:"delay_period"` // blocks

	// Deposit is what the ledger reserved for this config. Nil for configs
	// that have not been committed on-chain.
	Deposit *big.Int `json:"deposit,omitempty" yaml:"-"`
}

// HasFriend reports whether addr is one of the configured guarantors.
func (c *RecoveryConfig) HasFriend(addr Address) bool {
	return c != nil && ContainsAddress(c.Friends, addr)
}

// ActiveRecovery is an in-progress recovery attempt by Rescuer on Lost.
type ActiveRecovery struct {
	Lost           Address   `json:"lost" yaml:"lost"`
	Rescuer        Address   `json:"rescuer" yaml:"rescuer"`
	CreatedBlock   uint64    `json:"created_block" yaml:"created_block"`
	VouchedFriends []Address `json:"vouched_friends" yaml:"vouched_friends"`
	Deposit        *big.Int  `json:"deposit,omitempty" yaml:"-"`
}

// HasVouched reports whether friend has already vouched for this attempt.
func (r ActiveRecovery) HasVouched(friend Address) bool {
	return ContainsAddress(r.VouchedFriends, friend)
}

// FindActiveRecovery returns the attempt matching (lost, rescuer).
func FindActiveRecovery(actives []ActiveRecovery, lost, rescuer Address) (ActiveRecovery, bool) {
	for _, r := range actives {
		if r.Lost == lost && r.Rescuer == rescuer {
			return r, true
		}
	}
	return ActiveRecovery{}, false
}

// ActiveRecoveriesOn returns every attempt targeting lost.
func ActiveRecoveriesOn(actives []ActiveRecovery, lost Address) []ActiveRecovery {
	var out []ActiveRecovery
	for _, r := range actives {
		if r.Lost == lost {
			out = append(out, r)
		}
	}
	return out
}
