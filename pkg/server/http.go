package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/relves/socialrecovery/internal/storage/sqlite"
	"github.com/relves/socialrecovery/pkg/txlog"
	"github.com/relves/socialrecovery/pkg/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Pending []string `json:"pending,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// isValidAddress rejects path separators so an address is always usable as
// a store directory name.
func isValidAddress(addr string) bool {
	if strings.ContainsAny(addr, "/\\.") {
		return false
	}
	return len(addr) > 0 && len(addr) < 256
}

// account reads and validates the path parameter name. On failure it has
// already written the response.
func (s *Server) account(w http.ResponseWriter, r *http.Request, name string) (types.Address, bool) {
	raw := r.PathValue(name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" required")
		return "", false
	}
	if !isValidAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	addr := types.Address(raw)
	if s.validator != nil {
		if err := s.validator.ValidateRequest(r.Context(), r, addr); err != nil {
			resp := ErrorResponse{Error: err.Error()}
			var verr *ValidationError
			if errors.As(err, &verr) {
				resp.Code = verr.Code
			}
			writeJSON(w, http.StatusForbidden, resp)
			return "", false
		}
	}
	return addr, true
}

// queryAddress reads an optional address from the query string.
func queryAddress(r *http.Request, key string) (types.Address, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return "", true
	}
	return types.Address(raw), isValidAddress(raw)
}

// HeadResponse is the response for GET /accounts/{address}/head.
type HeadResponse struct {
	txlog.Head
	Verified *bool `json:"verified,omitempty"`
}

// HandleGetHead handles GET /accounts/{address}/head.
// Returns the journal size, Merkle root and latest call ID. With
// ?verify=true the root is recomputed from the stored leaves first.
func (s *Server) HandleGetHead(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.account(w, r, "address")
	if !ok {
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	ctx := r.Context()
	head, err := s.journal.Head(ctx, addr)
	if err != nil {
		s.journalError(w, addr, "failed to get head", err)
		return
	}
	resp := HeadResponse{Head: head}

	if r.URL.Query().Get("verify") == "true" {
		if err := s.journal.Verify(ctx, addr); err != nil {
			if errors.Is(err, txlog.ErrRootMismatch) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.journalError(w, addr, "failed to verify journal", err)
			return
		}
		verified := true
		resp.Verified = &verified
	}

	writeJSON(w, http.StatusOK, resp)
}

// SubmissionsResponse is the response for GET /accounts/{address}/submissions.
type SubmissionsResponse struct {
	Account types.Address `json:"account"`
	Entries []txlog.Entry `json:"entries"`
}

// HandleGetSubmissions handles GET /accounts/{address}/submissions?from=&limit=.
func (s *Server) HandleGetSubmissions(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.account(w, r, "address")
	if !ok {
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	var from uint64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = n
	}
	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "invalid limit (must be 1-1000)")
			return
		}
		limit = n
	}

	entries, err := s.journal.Entries(r.Context(), addr, from, limit)
	if err != nil {
		s.journalError(w, addr, "failed to read submissions", err)
		return
	}
	if entries == nil {
		entries = []txlog.Entry{}
	}
	writeJSON(w, http.StatusOK, SubmissionsResponse{Account: addr, Entries: entries})
}

func (s *Server) journalError(w http.ResponseWriter, addr types.Address, msg string, err error) {
	if errors.Is(err, sqlite.ErrInvalidAccount) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	s.logger.Error(msg, "account", addr, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}
