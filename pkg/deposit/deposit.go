// Package deposit computes the reserves the ledger takes for recovery,
// proxy and identity state.
package deposit

import (
	"math/big"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// Mode is the recovery action a deposit is computed for.
type Mode string

const (
	ModeSet      Mode = "set"
	ModeModify   Mode = "modify"
	ModeRemove   Mode = "remove"
	ModeInitiate Mode = "initiate"
	ModeClose    Mode = "close"
	ModeVouch    Mode = "vouch"
	ModeWithdraw Mode = "withdraw"
)

// Calculator computes deposits from ledger constants.
type Calculator struct {
	consts ledger.Constants
}

// NewCalculator creates a Calculator. Nil constants count as zero.
func NewCalculator(consts ledger.Constants) *Calculator {
	return &Calculator{consts: consts}
}

// linear returns base + factor*count.
func linear(base, factor *big.Int, count int) *big.Int {
	if count < 0 {
		count = 0
	}
	total := new(big.Int).Mul(types.AmountOrZero(factor), big.NewInt(int64(count)))
	return total.Add(total, types.AmountOrZero(base))
}

// TotalConfigDeposit is the reserve for a recovery config with friendCount guarantors.
func (c *Calculator) TotalConfigDeposit(friendCount int) *big.Int {
	return linear(c.consts.ConfigDepositBase, c.consts.FriendDepositFactor, friendCount)
}

// TotalProxyDeposit is the reserve for proxyCount proxies.
func (c *Calculator) TotalProxyDeposit(proxyCount int) *big.Int {
	return linear(c.consts.ProxyDepositBase, c.consts.ProxyDepositFactor, proxyCount)
}

// TotalSubIdentityDeposit is the reserve for an identity with subCount sub-accounts.
func (c *Calculator) TotalSubIdentityDeposit(subCount int) *big.Int {
	return linear(c.consts.BasicIdentityDeposit, c.consts.SubAccountDeposit, subCount)
}

// InitiateDeposit is the reserve a rescuer places when initiating recovery.
func (c *Calculator) InitiateDeposit() *big.Int {
	return new(big.Int).Set(types.AmountOrZero(c.consts.RecoveryDeposit))
}

// Delta is what the action in mode newly reserves. Modify only charges the
// increase over the current deposit; release actions charge nothing.
func Delta(mode Mode, current, next *big.Int) *big.Int {
	switch mode {
	case ModeModify:
		d := new(big.Int).Sub(types.AmountOrZero(next), types.AmountOrZero(current))
		if d.Sign() < 0 {
			return new(big.Int)
		}
		return d
	case ModeSet, ModeInitiate:
		return new(big.Int).Set(types.AmountOrZero(next))
	default:
		return new(big.Int)
	}
}
