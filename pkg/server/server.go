package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/txlog"
)

// Server is the read-only HTTP view over recoveries and the submission
// journal.
type Server struct {
	ledger    ledger.Query
	sessions  *recovery.Sessions
	journal   *txlog.Journal
	calls     ledger.CallBuilder
	validator RequestValidator
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a server.
//
// Parameters:
//   - opts: Configuration options (WithLedger, WithSessions, WithJournal, WithValidator)
//
// WithLedger and WithSessions are required.
func NewServer(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)

	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("sessions are required")
	}

	s := &Server{
		ledger:    cfg.Ledger,
		sessions:  cfg.Sessions,
		journal:   cfg.Journal,
		calls:     cfg.Calls,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /accounts/{address}/snapshot", s.HandleGetSnapshot)
	s.mux.HandleFunc("GET /accounts/{address}/withdrawal", s.HandleGetWithdrawal)
	s.mux.HandleFunc("GET /recoveries/{lost}/{rescuer}/status", s.HandleGetStatus)
	s.mux.HandleFunc("GET /recoveries/{lost}/{rescuer}/vouch", s.HandleGetVouchEligibility)
	s.mux.HandleFunc("GET /accounts/{address}/submissions", s.HandleGetSubmissions)
	s.mux.HandleFunc("GET /accounts/{address}/head", s.HandleGetHead)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
