package server

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

// Amounts are rendered as decimal strings; balances exceed float64 precision.
func amount(v *big.Int) string {
	return types.AmountOrZero(v).String()
}

// field returns nil while f is Pending.
func field[T, V any](f types.Field[T], conv func(T) V) *V {
	v, ok := f.Get()
	if !ok {
		return nil
	}
	out := conv(v)
	return &out
}

func identity[T any](v T) T { return v }

// UnlockingView is recovery.Unlocking with a string amount.
type UnlockingView struct {
	Amount    string `json:"amount"`
	ReleaseAt string `json:"release_at,omitempty"`
}

func unlockingView(u recovery.Unlocking) UnlockingView {
	v := UnlockingView{Amount: amount(u.Amount)}
	if !u.ReleaseAt.IsZero() {
		v.ReleaseAt = u.ReleaseAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v
}

// RedeemableView is recovery.Redeemable with a string amount.
type RedeemableView struct {
	Amount    string `json:"amount"`
	SpanCount uint32 `json:"span_count"`
}

func redeemableView(r recovery.Redeemable) RedeemableView {
	return RedeemableView{Amount: amount(r.Amount), SpanCount: r.SpanCount}
}

// PoolStakeView is recovery.PoolStake with a string amount.
type PoolStakeView struct {
	Amount            string `json:"amount"`
	HasPrivilegedRole bool   `json:"has_privileged_role"`
}

func poolStakeView(p recovery.PoolStake) PoolStakeView {
	return PoolStakeView{Amount: amount(p.Amount), HasPrivilegedRole: p.HasPrivilegedRole}
}

// ConfigView is a recovery configuration with a string deposit.
type ConfigView struct {
	Friends     []types.Address `json:"friends"`
	Threshold   int             `json:"threshold"`
	DelayPeriod uint64          `json:"delay_period"`
	Deposit     string          `json:"deposit"`
}

// SnapshotResponse is the response for GET /accounts/{address}/snapshot.
// Pending fields are omitted and listed in Pending.
type SnapshotResponse struct {
	Address  types.Address `json:"address"`
	Complete bool          `json:"complete"`
	Pending  []string      `json:"pending,omitempty"`

	AvailableBalance *string         `json:"available_balance,omitempty"`
	ReservedBalance  *string         `json:"reserved_balance,omitempty"`
	SoloStaked       *string         `json:"solo_staked,omitempty"`
	SoloUnlocking    *UnlockingView  `json:"solo_unlocking,omitempty"`
	Redeemable       *RedeemableView `json:"redeemable,omitempty"`
	PoolStaked       *PoolStakeView  `json:"pool_staked,omitempty"`
	PoolUnlocking    *UnlockingView  `json:"pool_unlocking,omitempty"`
	PoolRedeemable   *RedeemableView `json:"pool_redeemable,omitempty"`
	HasIdentity      *bool           `json:"has_identity,omitempty"`
	HasProxy         *bool           `json:"has_proxy,omitempty"`
	Recoverable      *ConfigView     `json:"recoverable,omitempty"`
	AlreadyClaimed   *bool           `json:"already_claimed,omitempty"`
}

func snapshotResponse(s recovery.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Address:          s.Address,
		Complete:         s.IsComplete(),
		Pending:          s.PendingFields(),
		AvailableBalance: field(s.AvailableBalance, amount),
		ReservedBalance:  field(s.ReservedBalance, amount),
		SoloStaked:       field(s.SoloStaked, amount),
		SoloUnlocking:    field(s.SoloUnlocking, unlockingView),
		Redeemable:       field(s.Redeemable, redeemableView),
		PoolStaked:       field(s.PoolStaked, poolStakeView),
		PoolUnlocking:    field(s.PoolUnlocking, unlockingView),
		PoolRedeemable:   field(s.PoolRedeemable, redeemableView),
		HasIdentity:      field(s.HasIdentity, identity[bool]),
		HasProxy:         field(s.HasProxy, identity[bool]),
		AlreadyClaimed:   field(s.AlreadyClaimed, identity[bool]),
	}
	if cfg := s.Recoverable.Value(); cfg != nil {
		resp.Recoverable = &ConfigView{
			Friends:     cfg.Friends,
			Threshold:   cfg.Threshold,
			DelayPeriod: cfg.DelayPeriod,
			Deposit:     amount(cfg.Deposit),
		}
	}
	return resp
}

// snapshot fetches lost as seen by the optional ?rescuer= account.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, lost types.Address) (recovery.Snapshot, bool) {
	rescuer, ok := queryAddress(r, "rescuer")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rescuer")
		return recovery.Snapshot{}, false
	}
	snap, err := s.sessions.Snapshot(r.Context(), lost, rescuer)
	if err != nil {
		s.logger.Error("failed to fetch snapshot", "lost", lost, "rescuer", rescuer, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch snapshot")
		return recovery.Snapshot{}, false
	}
	return snap, true
}

// HandleGetSnapshot handles GET /accounts/{address}/snapshot?rescuer=.
func (s *Server) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.account(w, r, "address")
	if !ok {
		return
	}
	snap, ok := s.snapshot(w, r, addr)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// SignedCallView is a call rendered as text with its signer.
type SignedCallView struct {
	Signer types.Address `json:"signer"`
	Call   string        `json:"call"`
}

// WithdrawalResponse is the response for GET /accounts/{address}/withdrawal.
type WithdrawalResponse struct {
	Lost     types.Address    `json:"lost"`
	Rescuer  types.Address    `json:"rescuer"`
	Steps    []string         `json:"steps"`
	Primary  SignedCallView   `json:"primary"`
	Detached []SignedCallView `json:"detached"`
	Inner    []string         `json:"inner"`
}

func signedCallView(c recovery.SignedCall) SignedCallView {
	return SignedCallView{Signer: c.Signer, Call: c.Call.String()}
}

// HandleGetWithdrawal handles GET /accounts/{address}/withdrawal?rescuer=.
// Answers 409 with the pending fields while the snapshot is incomplete.
func (s *Server) HandleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	lost, ok := s.account(w, r, "address")
	if !ok {
		return
	}
	if r.URL.Query().Get("rescuer") == "" {
		writeError(w, http.StatusBadRequest, "rescuer required")
		return
	}
	rescuer, _ := queryAddress(r, "rescuer")
	snap, ok := s.snapshot(w, r, lost)
	if !ok {
		return
	}
	if !snap.IsComplete() {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "snapshot incomplete", Pending: snap.PendingFields()})
		return
	}

	actives, err := s.ledger.GetActiveRecoveries(r.Context())
	if err != nil {
		s.ledgerError(w, "failed to read active recoveries", err)
		return
	}
	wd, ok := recovery.ComposeWithdrawal(s.calls, snap, actives, rescuer)
	if !ok {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "snapshot incomplete", Pending: snap.PendingFields()})
		return
	}

	resp := WithdrawalResponse{
		Lost:     lost,
		Rescuer:  rescuer,
		Steps:    wd.Steps,
		Primary:  signedCallView(wd.Primary),
		Detached: []SignedCallView{},
		Inner:    make([]string, 0, len(wd.Inner)),
	}
	for _, d := range wd.Detached {
		resp.Detached = append(resp.Detached, signedCallView(d))
	}
	for _, c := range wd.Inner {
		resp.Inner = append(resp.Inner, c.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

// recoveryState reads the lost account's configuration and the active
// recoveries. On failure it has already written the response.
func (s *Server) recoveryState(w http.ResponseWriter, r *http.Request, lost types.Address) (*types.RecoveryConfig, []types.ActiveRecovery, bool) {
	ctx := r.Context()
	cfg, err := s.ledger.GetRecoverable(ctx, lost)
	if err != nil {
		s.ledgerError(w, "failed to read recovery config", err)
		return nil, nil, false
	}
	actives, err := s.ledger.GetActiveRecoveries(ctx)
	if err != nil {
		s.ledgerError(w, "failed to read active recoveries", err)
		return nil, nil, false
	}
	return cfg, actives, true
}

// HandleGetStatus handles GET /recoveries/{lost}/{rescuer}/status.
func (s *Server) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	lost, ok := s.account(w, r, "lost")
	if !ok {
		return
	}
	rescuer, ok := s.account(w, r, "rescuer")
	if !ok {
		return
	}
	cfg, actives, ok := s.recoveryState(w, r, lost)
	if !ok {
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, recovery.ErrNotRecoverable.Error())
		return
	}
	active, found := types.FindActiveRecovery(actives, lost, rescuer)
	if !found {
		writeError(w, http.StatusNotFound, recovery.ErrNoActiveRecovery.Error())
		return
	}
	block, err := s.ledger.GetCurrentBlock(r.Context())
	if err != nil {
		s.ledgerError(w, "failed to read current block", err)
		return
	}
	writeJSON(w, http.StatusOK, recovery.EvaluateRecovery(active, *cfg, block))
}

// VouchResponse is the response for GET /recoveries/{lost}/{rescuer}/vouch.
type VouchResponse struct {
	Lost     types.Address `json:"lost"`
	Rescuer  types.Address `json:"rescuer"`
	Friend   types.Address `json:"friend"`
	Eligible bool          `json:"eligible"`
	Reason   string        `json:"reason,omitempty"`
}

// HandleGetVouchEligibility handles GET /recoveries/{lost}/{rescuer}/vouch?friend=.
func (s *Server) HandleGetVouchEligibility(w http.ResponseWriter, r *http.Request) {
	lost, ok := s.account(w, r, "lost")
	if !ok {
		return
	}
	rescuer, ok := s.account(w, r, "rescuer")
	if !ok {
		return
	}
	friend, valid := queryAddress(r, "friend")
	if !valid || friend == "" {
		writeError(w, http.StatusBadRequest, "friend required")
		return
	}
	cfg, actives, ok := s.recoveryState(w, r, lost)
	if !ok {
		return
	}

	resp := VouchResponse{Lost: lost, Rescuer: rescuer, Friend: friend, Eligible: true}
	if err := recovery.CheckVouchEligibility(lost, rescuer, friend, actives, cfg); err != nil {
		resp.Eligible = false
		resp.Reason = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ledgerError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, ledger.ErrUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusBadGateway, msg)
}
