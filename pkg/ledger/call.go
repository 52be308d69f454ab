package ledger

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/relves/socialrecovery/pkg/types"
)

// Call is an opaque, composable extrinsic call. Args may hold addresses,
// amounts, integers, booleans, nested calls or call lists.
type Call struct {
	Section string `json:"section"`
	Method  string `json:"method"`
	Args    []any  `json:"args,omitempty"`
}

// Name returns "section.method".
func (c *Call) Name() string {
	return c.Section + "." + c.Method
}

// String renders the call tree, e.g.
// utility.batchAll([recovery.claimRecovery(5Lost), ...]).
func (c *Call) String() string {
	if c == nil {
		return "<nil>"
	}
	var b strings.Builder
	writeCall(&b, c)
	return b.String()
}

func writeCall(b *strings.Builder, c *Call) {
	b.WriteString(c.Name())
	b.WriteByte('(')
	for i, arg := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		writeArg(b, arg)
	}
	b.WriteByte(')')
}

func writeArg(b *strings.Builder, arg any) {
	switch v := arg.(type) {
	case *Call:
		writeCall(b, v)
	case []*Call:
		b.WriteByte('[')
		for i, c := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			writeCall(b, c)
		}
		b.WriteByte(']')
	case []types.Address:
		b.WriteByte('[')
		for i, a := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(a))
		}
		b.WriteByte(']')
	case types.Address:
		b.WriteString(string(v))
	case *big.Int:
		b.WriteString(types.AmountOrZero(v).String())
	case bool:
		b.WriteString(strconv.FormatBool(v))
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

// CallBuilder creates the calls used by the recovery flows.
type CallBuilder interface {
	ClaimRecovery(lost types.Address) *Call
	CloseRecovery(rescuer types.Address) *Call
	RemoveRecovery() *Call
	CreateRecovery(friends []types.Address, threshold int, delayPeriod uint64) *Call
	InitiateRecovery(lost types.Address) *Call
	VouchRecovery(lost, rescuer types.Address) *Call
	AsRecovered(lost types.Address, call *Call) *Call

	Chill() *Call
	Unbond(amount *big.Int) *Call
	WithdrawUnbonded(spanCount uint32) *Call
	PoolUnbond(member types.Address, points *big.Int) *Call
	PoolWithdrawUnbonded(member types.Address, spanCount uint32) *Call

	ClearIdentity() *Call
	RemoveProxies() *Call
	TransferAll(dest types.Address, keepAlive bool) *Call
	BatchAll(calls ...*Call) *Call
}

// Builder is the CallBuilder for Substrate runtimes exposing the recovery,
// staking, nominationPools, identity, proxy, balances and utility pallets.
type Builder struct{}

var _ CallBuilder = Builder{}

// NewBuilder returns the default CallBuilder.
func NewBuilder() Builder {
	return Builder{}
}

func newCall(section, method string, args ...any) *Call {
	return &Call{Section: section, Method: method, Args: args}
}

func (Builder) ClaimRecovery(lost types.Address) *Call {
	return newCall("recovery", "claimRecovery", lost)
}

func (Builder) CloseRecovery(rescuer types.Address) *Call {
	return newCall("recovery", "closeRecovery", rescuer)
}

func (Builder) RemoveRecovery() *Call {
	return newCall("recovery", "removeRecovery")
}

func (Builder) CreateRecovery(friends []types.Address, threshold int, delayPeriod uint64) *Call {
	return newCall("recovery", "createRecovery", friends, threshold, delayPeriod)
}

func (Builder) InitiateRecovery(lost types.Address) *Call {
	return newCall("recovery", "initiateRecovery", lost)
}

func (Builder) VouchRecovery(lost, rescuer types.Address) *Call {
	return newCall("recovery", "vouchRecovery", lost, rescuer)
}

func (Builder) AsRecovered(lost types.Address, call *Call) *Call {
	return newCall("recovery", "asRecovered", lost, call)
}

func (Builder) Chill() *Call {
	return newCall("staking", "chill")
}

func (Builder) Unbond(amount *big.Int) *Call {
	return newCall("staking", "unbond", amount)
}

func (Builder) WithdrawUnbonded(spanCount uint32) *Call {
	return newCall("staking", "withdrawUnbonded", spanCount)
}

func (Builder) PoolUnbond(member types.Address, points *big.Int) *Call {
	return newCall("nominationPools", "unbond", member, points)
}

func (Builder) PoolWithdrawUnbonded(member types.Address, spanCount uint32) *Call {
	return newCall("nominationPools", "withdrawUnbonded", member, spanCount)
}

func (Builder) ClearIdentity() *Call {
	return newCall("identity", "clearIdentity")
}

func (Builder) RemoveProxies() *Call {
	return newCall("proxy", "removeProxies")
}

func (Builder) TransferAll(dest types.Address, keepAlive bool) *Call {
	return newCall("balances", "transferAll", dest, keepAlive)
}

func (Builder) BatchAll(calls ...*Call) *Call {
	return newCall("utility", "batchAll", calls)
}
