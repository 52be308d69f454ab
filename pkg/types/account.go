// pkg/types/account.go
package types

import (
	"math/big"
	"sort"
)

// Address is an SS58-encoded account address.
type Address string

// String returns the address text.
func (a Address) String() string {
	return string(a)
}

// SortAddresses returns a sorted copy of addrs.
func SortAddresses(addrs []Address) []Address {
	out := make([]Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ContainsAddress reports whether addr is in addrs.
func ContainsAddress(addrs []Address, addr Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// IsZero reports whether amount is nil or zero. Ledger amounts are u128
// values carried as *big.Int.
func IsZero(amount *big.Int) bool {
	return amount == nil || amount.Sign() == 0
}

// AmountOrZero returns amount, or a fresh zero when amount is nil.
func AmountOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return amount
}

// AddAmount returns a + b without mutating either operand.
func AddAmount(a, b *big.Int) *big.Int {
	return new(big.Int).Add(AmountOrZero(a), AmountOrZero(b))
}
