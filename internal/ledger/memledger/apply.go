package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/relves/socialrecovery/pkg/deposit"
	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

// BondingDuration is the number of eras unbonded stake stays locked.
const BondingDuration = 28

// ErrUnknownCall is returned for calls the ledger does not model.
var ErrUnknownCall = errors.New("unknown call")

// dispatchError is a failed call, reported as "section.Reason".
type dispatchError struct {
	module string
	reason string
}

func (e *dispatchError) Error() string {
	return e.module + "." + e.reason
}

func fail(module, reason string) error {
	return &dispatchError{module: module, reason: reason}
}

// Submit applies call as signer. Dispatch failures are reported in the
// result; only an unknown password or an unsupported chain return an error.
func (l *Ledger) Submit(ctx context.Context, call *ledger.Call, signer types.Address, password string) (ledger.TxResult, error) {
	if l.unsupported {
		return ledger.TxResult{}, ledger.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return ledger.TxResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if want, ok := l.passwords[signer]; ok && want != password {
		return ledger.TxResult{}, ledger.ErrPasswordInvalid
	}

	l.st.block++
	hash := fmt.Sprintf("0x%064x", l.st.block)

	if err := l.chargeFee(l.st, signer); err != nil {
		return ledger.TxResult{BlockHash: hash, Error: err.Error()}, nil
	}

	next := l.st.clone()
	if err := l.apply(next, call, signer); err != nil {
		var de *dispatchError
		if !errors.As(err, &de) {
			return ledger.TxResult{}, err
		}
		l.logger.Info("call failed", "call", call.Name(), "signer", signer, "error", err)
		return ledger.TxResult{Fee: new(big.Int).Set(l.fee), BlockHash: hash, Error: err.Error()}, nil
	}
	next.sortActives()
	l.st = next

	l.logger.Info("call applied", "call", call.Name(), "signer", signer, "block", l.st.block)
	return ledger.TxResult{Success: true, Fee: new(big.Int).Set(l.fee), BlockHash: hash}, nil
}

func (l *Ledger) chargeFee(st *state, signer types.Address) error {
	if l.fee.Sign() == 0 {
		return nil
	}
	return debit(st, signer, l.fee)
}

func debit(st *state, addr types.Address, amount *big.Int) error {
	b := st.balances[addr]
	avail := types.AmountOrZero(b.Available)
	if avail.Cmp(amount) < 0 {
		return fail("balances", "InsufficientBalance")
	}
	b.Available = new(big.Int).Sub(avail, amount)
	b.Reserved = types.AmountOrZero(b.Reserved)
	st.balances[addr] = b
	return nil
}

func credit(st *state, addr types.Address, amount *big.Int) {
	b := st.balances[addr]
	b.Available = types.AddAmount(b.Available, amount)
	b.Reserved = types.AmountOrZero(b.Reserved)
	st.balances[addr] = b
}

func reserve(st *state, addr types.Address, amount *big.Int) error {
	if err := debit(st, addr, amount); err != nil {
		return err
	}
	b := st.balances[addr]
	b.Reserved = types.AddAmount(b.Reserved, amount)
	st.balances[addr] = b
	return nil
}

// unreserve releases up to amount of addr's reserve and returns what was
// released.
func unreserve(st *state, addr types.Address, amount *big.Int) *big.Int {
	b := st.balances[addr]
	reserved := types.AmountOrZero(b.Reserved)
	released := new(big.Int).Set(types.AmountOrZero(amount))
	if released.Cmp(reserved) > 0 {
		released.Set(reserved)
	}
	b.Reserved = new(big.Int).Sub(reserved, released)
	b.Available = types.AddAmount(b.Available, released)
	st.balances[addr] = b
	return released
}

func argAddress(call *ledger.Call, i int) (types.Address, error) {
	if i < len(call.Args) {
		if a, ok := call.Args[i].(types.Address); ok {
			return a, nil
		}
	}
	return "", fmt.Errorf("%s: argument %d is not an address", call.Name(), i)
}

func argAmount(call *ledger.Call, i int) (*big.Int, error) {
	if i < len(call.Args) {
		if a, ok := call.Args[i].(*big.Int); ok {
			return types.AmountOrZero(a), nil
		}
	}
	return nil, fmt.Errorf("%s: argument %d is not an amount", call.Name(), i)
}

func (l *Ledger) apply(st *state, call *ledger.Call, signer types.Address) error {
	if call == nil {
		return errors.New("nil call")
	}
	calc := deposit.NewCalculator(l.constants)

	switch call.Name() {
	case "utility.batchAll":
		calls, ok := call.Args[0].([]*ledger.Call)
		if !ok {
			return fmt.Errorf("%s: expected a call list", call.Name())
		}
		for _, c := range calls {
			if err := l.apply(st, c, signer); err != nil {
				return err
			}
		}
		return nil

	case "recovery.createRecovery":
		friends, ok1 := call.Args[0].([]types.Address)
		threshold, ok2 := call.Args[1].(int)
		delay, ok3 := call.Args[2].(uint64)
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("%s: malformed arguments", call.Name())
		}
		if st.recoverable[signer] != nil {
			return fail("recovery", "AlreadyRecoverable")
		}
		if threshold < 1 || threshold > len(friends) {
			return fail("recovery", "ZeroThreshold")
		}
		if len(friends) > l.constants.MaxFriends {
			return fail("recovery", "MaxFriends")
		}
		dep := calc.TotalConfigDeposit(len(friends))
		if err := reserve(st, signer, dep); err != nil {
			return err
		}
		st.recoverable[signer] = &types.RecoveryConfig{
			Friends:     types.SortAddresses(friends),
			Threshold:   threshold,
			DelayPeriod: delay,
			Deposit:     dep,
		}
		return nil

	case "recovery.removeRecovery":
		cfg := st.recoverable[signer]
		if cfg == nil {
			return fail("recovery", "NotRecoverable")
		}
		unreserve(st, signer, cfg.Deposit)
		delete(st.recoverable, signer)
		return nil

	case "recovery.initiateRecovery":
		lost, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		if st.recoverable[lost] == nil {
			return fail("recovery", "NotRecoverable")
		}
		if _, ok := types.FindActiveRecovery(st.active, lost, signer); ok {
			return fail("recovery", "AlreadyStarted")
		}
		dep := calc.InitiateDeposit()
		if err := reserve(st, signer, dep); err != nil {
			return err
		}
		st.active = append(st.active, types.ActiveRecovery{Lost: lost, Rescuer: signer, CreatedBlock: st.block, Deposit: dep})
		return nil

	case "recovery.vouchRecovery":
		lost, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		rescuer, err := argAddress(call, 1)
		if err != nil {
			return err
		}
		if !st.recoverable[lost].HasFriend(signer) {
			return fail("recovery", "NotFriend")
		}
		for i := range st.active {
			a := &st.active[i]
			if a.Lost == lost && a.Rescuer == rescuer {
				if a.HasVouched(signer) {
					return fail("recovery", "AlreadyVouched")
				}
				a.VouchedFriends = append(a.VouchedFriends, signer)
				return nil
			}
		}
		return fail("recovery", "NotStarted")

	case "recovery.claimRecovery":
		lost, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		cfg := st.recoverable[lost]
		if cfg == nil {
			return fail("recovery", "NotRecoverable")
		}
		active, ok := types.FindActiveRecovery(st.active, lost, signer)
		if !ok {
			return fail("recovery", "NotStarted")
		}
		if !recovery.CanClaim(st.block, active, *cfg) {
			return fail("recovery", "DelayPeriod")
		}
		if st.proxyOf[signer] != "" {
			return fail("recovery", "AlreadyProxy")
		}
		st.proxyOf[signer] = lost
		return nil

	case "recovery.closeRecovery":
		rescuer, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		for i, a := range st.active {
			if a.Lost == signer && a.Rescuer == rescuer {
				// The rescuer's deposit goes to the account it tried to take.
				released := unreserve(st, rescuer, a.Deposit)
				if err := debit(st, rescuer, released); err != nil {
					return err
				}
				credit(st, signer, released)
				st.active = append(st.active[:i], st.active[i+1:]...)
				return nil
			}
		}
		return fail("recovery", "NotStarted")

	case "recovery.asRecovered":
		lost, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		inner, ok := call.Args[1].(*ledger.Call)
		if !ok {
			return fmt.Errorf("%s: expected a call", call.Name())
		}
		if st.proxyOf[signer] != lost {
			return fail("recovery", "NotAllowed")
		}
		return l.apply(st, inner, lost)

	case "staking.chill":
		return nil

	case "staking.unbond":
		amount, err := argAmount(call, 0)
		if err != nil {
			return err
		}
		sa := st.staking[signer]
		active := types.AmountOrZero(sa.Active)
		if amount.Cmp(active) > 0 {
			amount = active
		}
		if amount.Sign() == 0 {
			return fail("staking", "NoMoreChunks")
		}
		sa.Active = new(big.Int).Sub(active, amount)
		sa.Unlocking = append(sa.Unlocking, ledger.UnlockChunk{Value: new(big.Int).Set(amount), RemainingEras: BondingDuration})
		st.staking[signer] = sa
		return nil

	case "staking.withdrawUnbonded":
		sa := st.staking[signer]
		redeem := types.AmountOrZero(sa.RedeemableRaw)
		var kept []ledger.UnlockChunk
		for _, c := range sa.Unlocking {
			if c.RemainingEras == 0 {
				redeem = types.AddAmount(redeem, c.Value)
				continue
			}
			kept = append(kept, c)
		}
		sa.Unlocking = kept
		sa.RedeemableRaw = new(big.Int)
		st.staking[signer] = sa
		credit(st, signer, redeem)
		return nil

	case "nominationPools.unbond":
		member, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		amount, err := argAmount(call, 1)
		if err != nil {
			return err
		}
		if member != signer {
			return fail("nominationPools", "NotPermissioned")
		}
		pm := st.members[member]
		if pm == nil {
			return fail("nominationPools", "PoolMemberNotFound")
		}
		pool := st.pools[pm.PoolID]
		if pool.Roles.Has(member) {
			return fail("nominationPools", "MinimumBondNotMet")
		}
		pool.Points = new(big.Int).Sub(types.AmountOrZero(pool.Points), types.AmountOrZero(pm.Points))
		pool.StashActive = new(big.Int).Sub(types.AmountOrZero(pool.StashActive), amount)
		st.pools[pm.PoolID] = pool
		era := l.session.CurrentEra + BondingDuration
		pm.UnbondingEras[era] = types.AddAmount(pm.UnbondingEras[era], amount)
		pm.Points = new(big.Int)
		return nil

	case "nominationPools.withdrawUnbonded":
		member, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		pm := st.members[member]
		if pm == nil {
			return fail("nominationPools", "PoolMemberNotFound")
		}
		redeem := new(big.Int)
		for era, v := range pm.UnbondingEras {
			if era < l.session.CurrentEra {
				redeem.Add(redeem, types.AmountOrZero(v))
				delete(pm.UnbondingEras, era)
			}
		}
		credit(st, member, redeem)
		if types.IsZero(pm.Points) && len(pm.UnbondingEras) == 0 {
			delete(st.members, member)
		}
		return nil

	case "identity.clearIdentity":
		if !st.identities[signer] {
			return fail("identity", "NotNamed")
		}
		unreserve(st, signer, l.constants.BasicIdentityDeposit)
		delete(st.identities, signer)
		return nil

	case "proxy.removeProxies":
		n := len(st.proxies[signer])
		if n > 0 {
			unreserve(st, signer, calc.TotalProxyDeposit(n))
		}
		delete(st.proxies, signer)
		return nil

	case "balances.transferAll":
		dest, err := argAddress(call, 0)
		if err != nil {
			return err
		}
		b := st.balances[signer]
		amount := types.AddAmount(b.Available, nil)
		if amount.Sign() == 0 {
			return nil
		}
		if err := debit(st, signer, amount); err != nil {
			return err
		}
		credit(st, dest, amount)
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownCall, call.Name())
}
