package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// BlockTime is the expected block production interval.
const BlockTime = 6 * time.Second

// IdentitySource answers identity presence from an already fetched list.
type IdentitySource interface {
	HasIdentity(addr types.Address) bool
}

// IdentitySet is an IdentitySource over a fixed list of addresses.
type IdentitySet map[types.Address]struct{}

// NewIdentitySet builds an IdentitySet.
func NewIdentitySet(addrs ...types.Address) IdentitySet {
	s := make(IdentitySet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s IdentitySet) HasIdentity(addr types.Address) bool {
	_, ok := s[addr]
	return ok
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Ledger ledger.Query

	// Self is the rescuer; AlreadyClaimed compares its recovery proxy
	// against the target.
	Self types.Address

	// Identities answers HasIdentity. Nil means no identities are known.
	Identities IdentitySource

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *AggregatorConfig) ApplyDefaults() {
	if c.Identities == nil {
		c.Identities = IdentitySet{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrAggregatorRetired is returned by FetchSnapshot once the aggregator
// has been retired and holds no round to join.
var ErrAggregatorRetired = errors.New("aggregator retired")

// fetchTag identifies the target and round a result was requested for.
type fetchTag struct {
	addr types.Address
	gen  uint64
}

// fetchRound is one Fetch of one target. It owns the snapshot it builds, so
// a later round never resets a result already handed to a waiter.
type fetchRound struct {
	tag  fetchTag
	done chan struct{}
	snap Snapshot

	// Redeemable needs both the staking ledger and the span count.
	redeemRaw *big.Int
	rawSet    bool
	spans     uint32
	spansSet  bool
}

// Aggregator builds the Snapshot of one target address from independent
// concurrent queries. A failed query leaves its field Pending and never
// cancels the others. Results issued for an earlier target or round are
// discarded.
type Aggregator struct {
	ledger     ledger.Query
	self       types.Address
	identities IdentitySource
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	target   types.Address
	gen      uint64
	inFlight bool
	retired  bool
	cancel   context.CancelFunc
	round    *fetchRound
}

// NewAggregator creates an Aggregator with no target.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	cfg.ApplyDefaults()
	return &Aggregator{
		ledger:     cfg.Ledger,
		self:       cfg.Self,
		identities: cfg.Identities,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

// Target returns the current target address.
func (a *Aggregator) Target() types.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// SetTarget switches the aggregator to addr. The previous snapshot is
// dropped and its outstanding queries are cancelled.
func (a *Aggregator) SetTarget(addr types.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr == a.target {
		return
	}
	a.stopLocked()
	a.gen++
	a.target = addr
	a.round = nil
}

// Fetch issues every query for the current target. It is a no-op returning
// false while a fetch for the target is already in flight.
func (a *Aggregator) Fetch(ctx context.Context, session ledger.SessionInfo) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.target == "" || a.inFlight || a.retired {
		return false
	}
	a.startLocked(ctx, session)
	return true
}

// FetchSnapshot returns the snapshot of a complete round: the one in flight
// if there is one, otherwise a new one. Concurrent callers share a round and
// each gets its result, even when another round starts afterwards.
func (a *Aggregator) FetchSnapshot(ctx context.Context, session ledger.SessionInfo) (Snapshot, error) {
	a.mu.Lock()
	r := a.round
	switch {
	case a.target == "":
		a.mu.Unlock()
		return Snapshot{}, ErrNoLostAccount
	case a.inFlight:
	case a.retired:
		if r == nil {
			a.mu.Unlock()
			return Snapshot{}, ErrAggregatorRetired
		}
	default:
		r = a.startLocked(ctx, session)
	}
	a.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return r.snap, nil
}

func (a *Aggregator) startLocked(ctx context.Context, session ledger.SessionInfo) *fetchRound {
	a.gen++
	r := &fetchRound{
		tag:  fetchTag{addr: a.target, gen: a.gen},
		done: make(chan struct{}),
		snap: Snapshot{Address: a.target},
	}
	a.round = r
	a.inFlight = true

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.logger.Debug("fetching lost account snapshot", "address", r.tag.addr, "round", r.tag.gen)

	var g errgroup.Group
	g.Go(func() error { return a.fetchBalances(fctx, r) })
	g.Go(func() error { return a.fetchStaking(fctx, r, session) })
	g.Go(func() error { return a.fetchSpans(fctx, r) })
	g.Go(func() error { return a.fetchClaimed(fctx, r) })
	g.Go(func() error { return a.fetchPool(fctx, r, session) })
	g.Go(func() error { return a.fetchIdentity(r) })
	g.Go(func() error { return a.fetchProxies(fctx, r) })
	g.Go(func() error { return a.fetchRecoverable(fctx, r) })

	go func() {
		if err := g.Wait(); err != nil {
			a.logger.Debug("snapshot fetch finished with failures", "address", r.tag.addr, "error", err)
		}
		a.mu.Lock()
		if a.round == r {
			a.inFlight = false
			a.cancel = nil
		}
		close(r.done)
		a.mu.Unlock()
		cancel()
	}()
	return r
}

// Refresh refetches the current target from scratch.
func (a *Aggregator) Refresh(ctx context.Context, session ledger.SessionInfo) bool {
	return a.Fetch(ctx, session)
}

// InFlight reports whether a fetch is outstanding.
func (a *Aggregator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Snapshot returns a copy of the current round's snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round == nil {
		return Snapshot{Address: a.target}
	}
	return a.round.snap
}

// Wait blocks until the latest fetch has returned from every query. It
// does not imply the snapshot is complete.
func (a *Aggregator) Wait(ctx context.Context) error {
	a.mu.Lock()
	r := a.round
	a.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding queries.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.gen++
	a.round = nil
}

// Retire stops new rounds. A round in flight runs to completion so its
// waiters still get its result.
func (a *Aggregator) Retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retired = true
}

func (a *Aggregator) stopLocked() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.inFlight = false
}

// apply runs fn on r's snapshot if r is still the current round.
func (a *Aggregator) apply(r *fetchRound, fn func(s *Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.round != r {
		a.logger.Debug("discarding stale snapshot result", "address", r.tag.addr, "current", a.target)
		return
	}
	fn(&r.snap)
}

func (a *Aggregator) failed(r *fetchRound, field string, err error) error {
	a.logger.Warn("snapshot query failed", "address", r.tag.addr, "field", field, "error", err)
	return fmt.Errorf("%s: %w", field, err)
}

func (a *Aggregator) fetchBalances(ctx context.Context, r *fetchRound) error {
	bal, err := a.ledger.GetBalances(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "balances", err)
	}
	a.apply(r, func(s *Snapshot) {
		s.AvailableBalance.Resolve(types.AmountOrZero(bal.Available))
		s.ReservedBalance.Resolve(types.AmountOrZero(bal.Reserved))
	})
	return nil
}

func (a *Aggregator) fetchStaking(ctx context.Context, r *fetchRound, session ledger.SessionInfo) error {
	acct, err := a.ledger.GetStakingAccount(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "staking", err)
	}

	now := a.now()
	unlocking := Unlocking{Amount: new(big.Int)}
	for _, chunk := range acct.Unlocking {
		if chunk.RemainingEras == 0 {
			continue
		}
		unlocking.Amount.Add(unlocking.Amount, types.AmountOrZero(chunk.Value))
		if at := releaseTime(now, uint64(chunk.RemainingEras), session); at.After(unlocking.ReleaseAt) {
			unlocking.ReleaseAt = at
		}
	}

	a.apply(r, func(s *Snapshot) {
		s.SoloStaked.Resolve(types.AmountOrZero(acct.Active))
		s.SoloUnlocking.Resolve(unlocking)
		r.redeemRaw, r.rawSet = types.AmountOrZero(acct.RedeemableRaw), true
		r.resolveRedeemable()
	})
	return nil
}

func (a *Aggregator) fetchSpans(ctx context.Context, r *fetchRound) error {
	spans, err := a.ledger.GetSlashingSpanCount(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "slashing_spans", err)
	}
	a.apply(r, func(s *Snapshot) {
		r.spans, r.spansSet = spans, true
		r.resolveRedeemable()
	})
	return nil
}

func (r *fetchRound) resolveRedeemable() {
	if r.rawSet && r.spansSet {
		r.snap.Redeemable.Resolve(Redeemable{Amount: r.redeemRaw, SpanCount: r.spans})
	}
}

func (a *Aggregator) fetchClaimed(ctx context.Context, r *fetchRound) error {
	var proxied types.Address
	if a.self != "" {
		var err error
		proxied, err = a.ledger.GetRecoveryProxyOf(ctx, a.self)
		if err != nil {
			return a.failed(r, "already_claimed", err)
		}
	}
	a.apply(r, func(s *Snapshot) {
		s.AlreadyClaimed.Resolve(proxied != "" && proxied == r.tag.addr)
	})
	return nil
}

func (a *Aggregator) fetchPool(ctx context.Context, r *fetchRound, session ledger.SessionInfo) error {
	member, err := a.ledger.GetPoolMember(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "pool_member", err)
	}
	if member == nil {
		a.apply(r, func(s *Snapshot) {
			s.PoolStaked.Resolve(PoolStake{Amount: new(big.Int)})
			s.PoolUnlocking.Resolve(Unlocking{Amount: new(big.Int)})
			s.PoolRedeemable.Resolve(Redeemable{Amount: new(big.Int)})
		})
		return nil
	}

	pool, err := a.ledger.GetBondedPool(ctx, member.PoolID)
	if err != nil {
		return a.failed(r, "bonded_pool", err)
	}
	var spans uint32
	if pool.Stash != "" {
		spans, err = a.ledger.GetSlashingSpanCount(ctx, pool.Stash)
		if err != nil {
			return a.failed(r, "pool_slashing_spans", err)
		}
	}

	stake := PoolStake{
		Amount:            proRate(member.Points, pool.StashActive, pool.Points),
		HasPrivilegedRole: pool.Roles.Has(r.tag.addr),
	}
	unlocking, redeemable := splitPoolUnbonding(a.now(), member.UnbondingEras, session)
	redeemable.SpanCount = spans

	a.apply(r, func(s *Snapshot) {
		s.PoolStaked.Resolve(stake)
		s.PoolUnlocking.Resolve(unlocking)
		s.PoolRedeemable.Resolve(redeemable)
	})
	return nil
}

func (a *Aggregator) fetchIdentity(r *fetchRound) error {
	has := a.identities.HasIdentity(r.tag.addr)
	a.apply(r, func(s *Snapshot) {
		s.HasIdentity.Resolve(has)
	})
	return nil
}

func (a *Aggregator) fetchProxies(ctx context.Context, r *fetchRound) error {
	proxies, err := a.ledger.GetProxiesOf(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "proxies", err)
	}
	a.apply(r, func(s *Snapshot) {
		s.HasProxy.Resolve(len(proxies) > 0)
	})
	return nil
}

func (a *Aggregator) fetchRecoverable(ctx context.Context, r *fetchRound) error {
	cfg, err := a.ledger.GetRecoverable(ctx, r.tag.addr)
	if err != nil {
		return a.failed(r, "recoverable", err)
	}
	a.apply(r, func(s *Snapshot) {
		s.Recoverable.Resolve(cfg)
	})
	return nil
}

// releaseTime estimates when stake unlocking in remainingEras is released:
// the rest of the current era plus the remaining full eras.
func releaseTime(now time.Time, remainingEras uint64, session ledger.SessionInfo) time.Time {
	left := uint64(0)
	if session.EraProgress < session.EraLength {
		left = session.EraLength - session.EraProgress
	}
	blocks := remainingEras*session.EraLength + left
	return now.Add(time.Duration(blocks) * BlockTime)
}

// proRate returns points * stashActive / poolPoints.
func proRate(points, stashActive, poolPoints *big.Int) *big.Int {
	if types.IsZero(poolPoints) {
		return new(big.Int)
	}
	v := new(big.Int).Mul(types.AmountOrZero(points), types.AmountOrZero(stashActive))
	return v.Quo(v, poolPoints)
}

// splitPoolUnbonding separates era-keyed pool unbonding into what is still
// locked and what is already redeemable.
func splitPoolUnbonding(now time.Time, eras map[uint32]*big.Int, session ledger.SessionInfo) (Unlocking, Redeemable) {
	unlocking := Unlocking{Amount: new(big.Int)}
	redeemable := Redeemable{Amount: new(big.Int)}
	for era, value := range eras {
		remaining := int64(era) - int64(session.CurrentEra)
		if remaining < 0 {
			redeemable.Amount.Add(redeemable.Amount, types.AmountOrZero(value))
			continue
		}
		unlocking.Amount.Add(unlocking.Amount, types.AmountOrZero(value))
		if at := releaseTime(now, uint64(remaining), session); at.After(unlocking.ReleaseAt) {
			unlocking.ReleaseAt = at
		}
	}
	return unlocking, redeemable
}
