package server

import (
	"context"
	"net/http"

	"github.com/relves/socialrecovery/pkg/types"
)

// RequestValidator validates incoming requests before they are served.
// Implementations can check account status, rate limits, permissions, etc.
type RequestValidator interface {
	// ValidateRequest is called with the account the request reads.
	// Return nil to allow the request, or an error to reject it.
	// The error message will be returned to the client.
	ValidateRequest(ctx context.Context, r *http.Request, account types.Address) error
}

// ValidationError represents a validation failure with structured info.
type ValidationError struct {
	Code    string // Machine-readable error code (e.g., "ACCOUNT_BLOCKED")
	Message string // Human-readable message
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// Denylist rejects requests for the listed accounts.
type Denylist map[types.Address]struct{}

// NewDenylist builds a Denylist.
func NewDenylist(addrs ...types.Address) Denylist {
	d := make(Denylist, len(addrs))
	for _, a := range addrs {
		d[a] = struct{}{}
	}
	return d
}

func (d Denylist) ValidateRequest(_ context.Context, _ *http.Request, account types.Address) error {
	if _, ok := d[account]; ok {
		return NewValidationError("ACCOUNT_BLOCKED", "account "+string(account)+" is blocked")
	}
	return nil
}
