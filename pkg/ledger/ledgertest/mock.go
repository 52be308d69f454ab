// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// Query method names, used as keys for Errors and passed to Hook.
const (
	MethodBalances         = "GetBalances"
	MethodStakingAccount   = "GetStakingAccount"
	MethodSlashingSpans    = "GetSlashingSpanCount"
	MethodRecoveryProxyOf  = "GetRecoveryProxyOf"
	MethodPoolMember       = "GetPoolMember"
	MethodBondedPool       = "GetBondedPool"
	MethodProxiesOf        = "GetProxiesOf"
	MethodRecoverable      = "GetRecoverable"
	MethodActiveRecoveries = "GetActiveRecoveries"
	MethodSessionInfo      = "GetSessionInfo"
	MethodCurrentBlock     = "GetCurrentBlock"
	MethodConstants        = "GetConstants"
	MethodSubmit           = "Submit"
)

// Submission records a call passed to Submit.
type Submission struct {
	Call     *ledger.Call
	Signer   types.Address
	Password string
}

// Mock is a scriptable ledger. Populate the exported maps before use; they
// are read under the mock's lock.
type Mock struct {
	mu sync.Mutex

	Balances        map[types.Address]ledger.Balances
	Staking         map[types.Address]ledger.StakingAccount
	SlashingSpans   map[types.Address]uint32
	RecoveryProxies map[types.Address]types.Address
	PoolMembers     map[types.Address]*ledger.PoolMember
	Pools           map[uint32]ledger.BondedPool
	Proxies         map[types.Address][]ledger.Proxy
	Recoverable     map[types.Address]*types.RecoveryConfig
	Active          []types.ActiveRecovery
	Session         ledger.SessionInfo
	Block           uint64
	Constants       ledger.Constants

	// Errors makes the named method fail.
	Errors map[string]error

	// Hook runs at the start of every query, outside the lock. Tests block
	// in it to hold a fetch in flight.
	Hook func(method string, addr types.Address)

	// Passwords, when set for a signer, must match on Submit.
	Passwords map[types.Address]string

	// Result decides the outcome of Submit. Defaults to success.
	Result func(call *ledger.Call, signer types.Address) ledger.TxResult

	submitted []Submission
	counts    map[string]int
}

var _ ledger.Ledger = (*Mock)(nil)

// New returns an empty mock with default constants.
func New() *Mock {
	return &Mock{
		Balances:        make(map[types.Address]ledger.Balances),
		Staking:         make(map[types.Address]ledger.StakingAccount),
		SlashingSpans:   make(map[types.Address]uint32),
		RecoveryProxies: make(map[types.Address]types.Address),
		PoolMembers:     make(map[types.Address]*ledger.PoolMember),
		Pools:           make(map[uint32]ledger.BondedPool),
		Proxies:         make(map[types.Address][]ledger.Proxy),
		Recoverable:     make(map[types.Address]*types.RecoveryConfig),
		Errors:          make(map[string]error),
		Passwords:       make(map[types.Address]string),
		Session:         ledger.SessionInfo{EraLength: 2400, EraProgress: 400, CurrentEra: 100},
		Block:           1000,
		Constants:       DefaultConstants(),
		counts:          make(map[string]int),
	}
}

// DefaultConstants mirrors a typical relay chain configuration.
func DefaultConstants() ledger.Constants {
	return ledger.Constants{
		ConfigDepositBase:    big.NewInt(500),
		FriendDepositFactor:  big.NewInt(50),
		RecoveryDeposit:      big.NewInt(500),
		MaxFriends:           9,
		ProxyDepositBase:     big.NewInt(200),
		ProxyDepositFactor:   big.NewInt(30),
		BasicIdentityDeposit: big.NewInt(1000),
		SubAccountDeposit:    big.NewInt(100),
	}
}

// SetError makes method fail with err (nil clears it).
func (m *Mock) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, method)
		return
	}
	m.Errors[method] = err
}

// Calls returns how many times method was invoked.
func (m *Mock) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

// Submitted returns every submission so far.
func (m *Mock) Submitted() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *Mock) enter(method string, addr types.Address) error {
	m.mu.Lock()
	m.counts[method]++
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		hook(method, addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Errors[method]
}

func (m *Mock) GetBalances(ctx context.Context, addr types.Address) (ledger.Balances, error) {
	if err := m.enter(MethodBalances, addr); err != nil {
		return ledger.Balances{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.Balances[addr]
	return ledger.Balances{Available: types.AmountOrZero(b.Available), Reserved: types.AmountOrZero(b.Reserved)}, nil
}

func (m *Mock) GetStakingAccount(ctx context.Context, addr types.Address) (ledger.StakingAccount, error) {
	if err := m.enter(MethodStakingAccount, addr); err != nil {
		return ledger.StakingAccount{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Staking[addr], nil
}

func (m *Mock) GetSlashingSpanCount(ctx context.Context, addr types.Address) (uint32, error) {
	if err := m.enter(MethodSlashingSpans, addr); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SlashingSpans[addr], nil
}

func (m *Mock) GetRecoveryProxyOf(ctx context.Context, rescuer types.Address) (types.Address, error) {
	if err := m.enter(MethodRecoveryProxyOf, rescuer); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RecoveryProxies[rescuer], nil
}

func (m *Mock) GetPoolMember(ctx context.Context, addr types.Address) (*ledger.PoolMember, error) {
	if err := m.enter(MethodPoolMember, addr); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PoolMembers[addr], nil
}

func (m *Mock) GetBondedPool(ctx context.Context, poolID uint32) (ledger.BondedPool, error) {
	if err := m.enter(MethodBondedPool, ""); err != nil {
		return ledger.BondedPool{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.Pools[poolID]
	if !ok {
		return ledger.BondedPool{}, fmt.Errorf("pool %d not found", poolID)
	}
	return pool, nil
}

func (m *Mock) GetProxiesOf(ctx context.Context, addr types.Address) ([]ledger.Proxy, error) {
	if err := m.enter(MethodProxiesOf, addr); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Proxies[addr], nil
}

func (m *Mock) GetRecoverable(ctx context.Context, addr types.Address) (*types.RecoveryConfig, error) {
	if err := m.enter(MethodRecoverable, addr); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Recoverable[addr], nil
}

func (m *Mock) GetActiveRecoveries(ctx context.Context) ([]types.ActiveRecovery, error) {
	if err := m.enter(MethodActiveRecoveries, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ActiveRecovery, len(m.Active))
	copy(out, m.Active)
	return out, nil
}

func (m *Mock) GetSessionInfo(ctx context.Context) (ledger.SessionInfo, error) {
	if err := m.enter(MethodSessionInfo, ""); err != nil {
		return ledger.SessionInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Session, nil
}

func (m *Mock) GetCurrentBlock(ctx context.Context) (uint64, error) {
	if err := m.enter(MethodCurrentBlock, ""); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Block, nil
}

func (m *Mock) GetConstants(ctx context.Context) (ledger.Constants, error) {
	if err := m.enter(MethodConstants, ""); err != nil {
		return ledger.Constants{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Constants, nil
}

func (m *Mock) Submit(ctx context.Context, call *ledger.Call, signer types.Address, password string) (ledger.TxResult, error) {
	if err := m.enter(MethodSubmit, signer); err != nil {
		return ledger.TxResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if want, ok := m.Passwords[signer]; ok && want != password {
		return ledger.TxResult{}, ledger.ErrPasswordInvalid
	}
	m.submitted = append(m.submitted, Submission{Call: call, Signer: signer, Password: password})
	if m.Result != nil {
		return m.Result(call, signer), nil
	}
	return ledger.TxResult{
		Success:   true,
		Fee:       big.NewInt(10),
		BlockHash: fmt.Sprintf("0x%064x", len(m.submitted)),
	}, nil
}
