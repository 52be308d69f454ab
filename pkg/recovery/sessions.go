package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// SessionsConfig configures Sessions.
type SessionsConfig struct {
	Ledger     ledger.Query
	Identities IdentitySource

	// Size bounds the number of cached aggregators. Evicted aggregators are
	// retired: a round in flight still completes for its waiters.
	// Default: 64
	Size int

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *SessionsConfig) ApplyDefaults() {
	if c.Size <= 0 {
		c.Size = 64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sessions caches one Aggregator per (lost, rescuer) pair for read-only
// views that serve many callers.
type Sessions struct {
	cfg    SessionsConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Aggregator]
}

// NewSessions creates an aggregator cache.
func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	cfg.ApplyDefaults()
	s := &Sessions{cfg: cfg, logger: cfg.Logger}
	cache, err := lru.NewWithEvict(cfg.Size, func(key string, agg *Aggregator) {
		s.logger.Debug("evicting aggregator", "key", key)
		agg.Retire()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

const maxRetiredRetries = 3

func sessionKey(lost, rescuer types.Address) string {
	return string(lost) + "|" + string(rescuer)
}

// Get returns the aggregator for lost as seen by rescuer, creating and
// targeting it on first use.
func (s *Sessions) Get(lost, rescuer types.Address) *Aggregator {
	key := sessionKey(lost, rescuer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if agg, ok := s.cache.Get(key); ok {
		return agg
	}
	agg := NewAggregator(AggregatorConfig{
		Ledger:     s.cfg.Ledger,
		Self:       rescuer,
		Identities: s.cfg.Identities,
		Now:        s.cfg.Now,
		Logger:     s.logger,
	})
	agg.SetTarget(lost)
	s.cache.Add(key, agg)
	return agg
}

// Snapshot returns the result of a complete fetch round for lost. Callers
// arriving while a round is in flight share it. The result may still have
// Pending fields when a query failed.
func (s *Sessions) Snapshot(ctx context.Context, lost, rescuer types.Address) (Snapshot, error) {
	session, err := s.cfg.Ledger.GetSessionInfo(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read session info: %w", err)
	}
	// An aggregator evicted between Get and FetchSnapshot is retired; the
	// next Get makes a new one.
	for range maxRetiredRetries {
		snap, err := s.Get(lost, rescuer).FetchSnapshot(ctx, session)
		if !errors.Is(err, ErrAggregatorRetired) {
			return snap, err
		}
	}
	return Snapshot{}, ErrAggregatorRetired
}

// Len returns the number of cached aggregators.
func (s *Sessions) Len() int {
	return s.cache.Len()
}

// Close cancels every cached aggregator's queries and empties the cache.
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agg := range s.cache.Values() {
		agg.Close()
	}
	s.cache.Purge()
}
