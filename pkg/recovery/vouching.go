package recovery

import (
	"errors"

	"github.com/relves/socialrecovery/pkg/types"
)

var (
	ErrNoActiveRecovery = errors.New("no active recovery for this lost account and rescuer")
	ErrAlreadyVouched   = errors.New("already vouched for this recovery")
	ErrNotRecoverable   = errors.New("account is not recoverable")
	ErrNotAFriend       = errors.New("caller is not a friend of the lost account")
)

// DelayEndBlock is the last block of the recovery delay.
func DelayEndBlock(active types.ActiveRecovery, cfg types.RecoveryConfig) uint64 {
	return active.CreatedBlock + cfg.DelayPeriod
}

// IsDelayPassed reports whether currentBlock is past delayEnd. The end
// block itself does not count as passed.
func IsDelayPassed(currentBlock, delayEnd uint64) bool {
	return currentBlock > delayEnd
}

// IsVouchingComplete reports whether enough distinct friends have vouched.
func IsVouchingComplete(active types.ActiveRecovery, cfg types.RecoveryConfig) bool {
	return countDistinct(active.VouchedFriends) >= cfg.Threshold
}

// CanClaim reports whether the rescuer may claim the lost account.
func CanClaim(currentBlock uint64, active types.ActiveRecovery, cfg types.RecoveryConfig) bool {
	return IsDelayPassed(currentBlock, DelayEndBlock(active, cfg)) && IsVouchingComplete(active, cfg)
}

func countDistinct(addrs []types.Address) int {
	seen := make(map[types.Address]struct{}, len(addrs))
	for _, a := range addrs {
		seen[a] = struct{}{}
	}
	return len(seen)
}

// RecoveryStatus is the progress of one recovery attempt.
type RecoveryStatus struct {
	Lost             types.Address `json:"lost"`
	Rescuer          types.Address `json:"rescuer"`
	CurrentBlock     uint64        `json:"current_block"`
	DelayEndBlock    uint64        `json:"delay_end_block"`
	DelayPassed      bool          `json:"delay_passed"`
	Vouches          int           `json:"vouches"`
	Threshold        int           `json:"threshold"`
	VouchingComplete bool          `json:"vouching_complete"`
	CanClaim         bool          `json:"can_claim"`
}

// EvaluateRecovery reports the status of active against cfg at currentBlock.
func EvaluateRecovery(active types.ActiveRecovery, cfg types.RecoveryConfig, currentBlock uint64) RecoveryStatus {
	end := DelayEndBlock(active, cfg)
	st := RecoveryStatus{
		Lost:             active.Lost,
		Rescuer:          active.Rescuer,
		CurrentBlock:     currentBlock,
		DelayEndBlock:    end,
		DelayPassed:      IsDelayPassed(currentBlock, end),
		Vouches:          countDistinct(active.VouchedFriends),
		Threshold:        cfg.Threshold,
		VouchingComplete: IsVouchingComplete(active, cfg),
	}
	st.CanClaim = st.DelayPassed && st.VouchingComplete
	return st
}

// CheckVouchEligibility reports whether caller may vouch for rescuer's
// recovery of lost. It returns nil or one of ErrNoActiveRecovery,
// ErrAlreadyVouched, ErrNotRecoverable, ErrNotAFriend.
func CheckVouchEligibility(lost, rescuer, caller types.Address, actives []types.ActiveRecovery, cfgOfLost *types.RecoveryConfig) error {
	active, ok := types.FindActiveRecovery(actives, lost, rescuer)
	if !ok {
		return ErrNoActiveRecovery
	}
	if active.HasVouched(caller) {
		return ErrAlreadyVouched
	}
	if cfgOfLost == nil {
		return ErrNotRecoverable
	}
	if !cfgOfLost.HasFriend(caller) {
		return ErrNotAFriend
	}
	return nil
}
