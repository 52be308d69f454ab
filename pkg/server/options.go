package server

import (
	"log/slog"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/txlog"
)

// Config holds server configuration.
type Config struct {
	Ledger    ledger.Query
	Sessions  *recovery.Sessions
	Journal   *txlog.Journal
	Calls     ledger.CallBuilder
	Validator RequestValidator
	Logger    *slog.Logger
}

// Option configures the server.
type Option func(*Config)

// WithLedger sets the ledger queried for recoveries and block height.
func WithLedger(l ledger.Query) Option {
	return func(c *Config) {
		c.Ledger = l
	}
}

// WithSessions sets the snapshot cache.
func WithSessions(s *recovery.Sessions) Option {
	return func(c *Config) {
		c.Sessions = s
	}
}

// WithJournal sets the submission journal. Without one the journal
// endpoints answer 503.
func WithJournal(j *txlog.Journal) Option {
	return func(c *Config) {
		c.Journal = j
	}
}

// WithCallBuilder sets the builder used to compose withdrawal plans.
func WithCallBuilder(b ledger.CallBuilder) Option {
	return func(c *Config) {
		c.Calls = b
	}
}

// WithValidator sets a request validator for account/rate-limit checks.
// If nil (default), no validation is performed.
func WithValidator(v RequestValidator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Calls == nil {
		cfg.Calls = ledger.NewBuilder()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
