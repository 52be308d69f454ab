// Package memledger is an in-memory ledger loaded from a YAML fixture. It
// answers every recovery query and applies submitted recovery, balance and
// staking calls to its own state.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

var ErrUnknownPool = errors.New("unknown pool")

// state is everything Submit can change. It is cloned before each submit
// so a failing batch leaves no trace.
type state struct {
	block       uint64
	balances    map[types.Address]ledger.Balances
	staking     map[types.Address]ledger.StakingAccount
	spans       map[types.Address]uint32
	proxyOf     map[types.Address]types.Address
	members     map[types.Address]*ledger.PoolMember
	pools       map[uint32]ledger.BondedPool
	proxies     map[types.Address][]ledger.Proxy
	recoverable map[types.Address]*types.RecoveryConfig
	active      []types.ActiveRecovery
	identities  map[types.Address]bool
}

// Ledger implements ledger.Ledger over a fixture.
type Ledger struct {
	mu          sync.RWMutex
	st          *state
	session     ledger.SessionInfo
	constants   ledger.Constants
	unsupported bool
	passwords   map[types.Address]string
	fee         *big.Int
	logger      *slog.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithFee sets the fee charged to the signer of each successful submission.
func WithFee(fee *big.Int) Option {
	return func(l *Ledger) {
		l.fee = new(big.Int).Set(fee)
	}
}

// New builds a Ledger from f.
func New(f *Fixture, opts ...Option) *Ledger {
	l := &Ledger{
		session:     f.Session,
		unsupported: f.Unsupported,
		passwords:   make(map[types.Address]string, len(f.Passwords)),
		fee:         new(big.Int),
		logger:      slog.Default(),
	}
	for k, v := range f.Passwords {
		l.passwords[k] = v
	}
	if f.Constants != nil {
		c := f.Constants
		l.constants = ledger.Constants{
			ConfigDepositBase:    c.ConfigDepositBase.big(),
			FriendDepositFactor:  c.FriendDepositFactor.big(),
			RecoveryDeposit:      c.RecoveryDeposit.big(),
			MaxFriends:           c.MaxFriends,
			ProxyDepositBase:     c.ProxyDepositBase.big(),
			ProxyDepositFactor:   c.ProxyDepositFactor.big(),
			BasicIdentityDeposit: c.BasicIdentityDeposit.big(),
			SubAccountDeposit:    c.SubAccountDeposit.big(),
		}
	} else {
		l.unsupported = true
	}

	st := newState()
	st.block = f.Block
	for addr, a := range f.Accounts {
		if a == nil {
			continue
		}
		st.balances[addr] = ledger.Balances{Available: a.Available.big(), Reserved: a.Reserved.big()}
		st.spans[addr] = a.SlashingSpans
		if a.RecoveryProxy != "" {
			st.proxyOf[addr] = a.RecoveryProxy
		}
		if a.Staking != nil {
			sa := ledger.StakingAccount{Active: a.Staking.Active.big(), RedeemableRaw: a.Staking.Redeemable.big()}
			for _, u := range a.Staking.Unlocking {
				sa.Unlocking = append(sa.Unlocking, ledger.UnlockChunk{Value: u.Value.big(), RemainingEras: u.RemainingEras})
			}
			st.staking[addr] = sa
		}
		if a.PoolMember != nil {
			pm := &ledger.PoolMember{PoolID: a.PoolMember.PoolID, Points: a.PoolMember.Points.big(), UnbondingEras: map[uint32]*big.Int{}}
			for era, v := range a.PoolMember.UnbondingEras {
				pm.UnbondingEras[era] = v.big()
			}
			st.members[addr] = pm
		}
		if len(a.Proxies) > 0 {
			st.proxies[addr] = append([]ledger.Proxy(nil), a.Proxies...)
		}
		if r := a.Recoverable; r != nil {
			st.recoverable[addr] = &types.RecoveryConfig{
				Friends:     types.SortAddresses(r.Friends),
				Threshold:   r.Threshold,
				DelayPeriod: r.DelayPeriod,
				Deposit:     r.Deposit.big(),
			}
		}
	}
	for id, p := range f.Pools {
		if p == nil {
			continue
		}
		st.pools[id] = ledger.BondedPool{Points: p.Points.big(), Stash: p.Stash, StashActive: p.StashActive.big(), Roles: p.Roles}
	}
	for _, a := range f.Active {
		st.active = append(st.active, types.ActiveRecovery{
			Lost:           a.Lost,
			Rescuer:        a.Rescuer,
			CreatedBlock:   a.CreatedBlock,
			VouchedFriends: append([]types.Address(nil), a.VouchedFriends...),
			Deposit:        a.Deposit.big(),
		})
	}
	for _, id := range f.Identities {
		st.identities[id] = true
	}
	l.st = st

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads a fixture file and builds a Ledger from it.
func Load(path string, opts ...Option) (*Ledger, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f, opts...), nil
}

func newState() *state {
	return &state{
		balances:    make(map[types.Address]ledger.Balances),
		staking:     make(map[types.Address]ledger.StakingAccount),
		spans:       make(map[types.Address]uint32),
		proxyOf:     make(map[types.Address]types.Address),
		members:     make(map[types.Address]*ledger.PoolMember),
		pools:       make(map[uint32]ledger.BondedPool),
		proxies:     make(map[types.Address][]ledger.Proxy),
		recoverable: make(map[types.Address]*types.RecoveryConfig),
		identities:  make(map[types.Address]bool),
	}
}

// Identities returns the accounts with an on-chain identity.
func (l *Ledger) Identities() recovery.IdentitySet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addrs := make([]types.Address, 0, len(l.st.identities))
	for a, ok := range l.st.identities {
		if ok {
			addrs = append(addrs, a)
		}
	}
	return recovery.NewIdentitySet(addrs...)
}

// AdvanceBlocks moves the chain forward by n blocks.
func (l *Ledger) AdvanceBlocks(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.block += n
}

func (l *Ledger) GetBalances(ctx context.Context, addr types.Address) (ledger.Balances, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.st.balances[addr]
	return ledger.Balances{Available: types.AddAmount(b.Available, nil), Reserved: types.AddAmount(b.Reserved, nil)}, nil
}

func (l *Ledger) GetStakingAccount(ctx context.Context, addr types.Address) (ledger.StakingAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneStaking(l.st.staking[addr]), nil
}

func (l *Ledger) GetSlashingSpanCount(ctx context.Context, addr types.Address) (uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.spans[addr], nil
}

func (l *Ledger) GetRecoveryProxyOf(ctx context.Context, rescuer types.Address) (types.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.proxyOf[rescuer], nil
}

func (l *Ledger) GetPoolMember(ctx context.Context, addr types.Address) (*ledger.PoolMember, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneMember(l.st.members[addr]), nil
}

func (l *Ledger) GetBondedPool(ctx context.Context, poolID uint32) (ledger.BondedPool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.st.pools[poolID]
	if !ok {
		return ledger.BondedPool{}, fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	return p, nil
}

func (l *Ledger) GetProxiesOf(ctx context.Context, addr types.Address) ([]ledger.Proxy, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ledger.Proxy(nil), l.st.proxies[addr]...), nil
}

func (l *Ledger) GetRecoverable(ctx context.Context, addr types.Address) (*types.RecoveryConfig, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneConfig(l.st.recoverable[addr]), nil
}

func (l *Ledger) GetActiveRecoveries(ctx context.Context) ([]types.ActiveRecovery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneActives(l.st.active), nil
}

func (l *Ledger) GetSessionInfo(ctx context.Context) (ledger.SessionInfo, error) {
	return l.session, nil
}

func (l *Ledger) GetCurrentBlock(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.block, nil
}

func (l *Ledger) GetConstants(ctx context.Context) (ledger.Constants, error) {
	if l.unsupported {
		return ledger.Constants{}, ledger.ErrUnsupported
	}
	return l.constants, nil
}

func cloneStaking(s ledger.StakingAccount) ledger.StakingAccount {
	out := ledger.StakingAccount{Active: types.AddAmount(s.Active, nil), RedeemableRaw: types.AddAmount(s.RedeemableRaw, nil)}
	for _, c := range s.Unlocking {
		out.Unlocking = append(out.Unlocking, ledger.UnlockChunk{Value: types.AddAmount(c.Value, nil), RemainingEras: c.RemainingEras})
	}
	return out
}

func cloneMember(m *ledger.PoolMember) *ledger.PoolMember {
	if m == nil {
		return nil
	}
	out := &ledger.PoolMember{PoolID: m.PoolID, Points: types.AddAmount(m.Points, nil), UnbondingEras: make(map[uint32]*big.Int, len(m.UnbondingEras))}
	for era, v := range m.UnbondingEras {
		out.UnbondingEras[era] = types.AddAmount(v, nil)
	}
	return out
}

func cloneConfig(c *types.RecoveryConfig) *types.RecoveryConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Friends = append([]types.Address(nil), c.Friends...)
	out.Deposit = types.AddAmount(c.Deposit, nil)
	return &out
}

func cloneActives(actives []types.ActiveRecovery) []types.ActiveRecovery {
	out := make([]types.ActiveRecovery, len(actives))
	for i, a := range actives {
		out[i] = a
		out[i].VouchedFriends = append([]types.Address(nil), a.VouchedFriends...)
		out[i].Deposit = types.AddAmount(a.Deposit, nil)
	}
	return out
}

func (s *state) clone() *state {
	out := newState()
	out.block = s.block
	for k, v := range s.balances {
		out.balances[k] = ledger.Balances{Available: types.AddAmount(v.Available, nil), Reserved: types.AddAmount(v.Reserved, nil)}
	}
	for k, v := range s.staking {
		out.staking[k] = cloneStaking(v)
	}
	for k, v := range s.spans {
		out.spans[k] = v
	}
	for k, v := range s.proxyOf {
		out.proxyOf[k] = v
	}
	for k, v := range s.members {
		out.members[k] = cloneMember(v)
	}
	for k, v := range s.pools {
		out.pools[k] = v
	}
	for k, v := range s.proxies {
		out.proxies[k] = append([]ledger.Proxy(nil), v...)
	}
	for k, v := range s.recoverable {
		out.recoverable[k] = cloneConfig(v)
	}
	out.active = cloneActives(s.active)
	for k, v := range s.identities {
		out.identities[k] = v
	}
	return out
}

// sortActives keeps GetActiveRecoveries output stable.
func (s *state) sortActives() {
	sort.SliceStable(s.active, func(i, j int) bool {
		if s.active[i].Lost != s.active[j].Lost {
			return s.active[i].Lost < s.active[j].Lost
		}
		return s.active[i].Rescuer < s.active[j].Rescuer
	})
}
