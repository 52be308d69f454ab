// Package ledger describes the chain interface the recovery core consumes:
// read queries, transaction submission and the call builder.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/relves/socialrecovery/pkg/types"
)

var (
	// ErrPasswordInvalid is returned by a Submitter when the signer could not
	// be unlocked. The caller may retry with another password.
	ErrPasswordInvalid = errors.New("invalid password")

	// ErrUnsupported is returned when the chain lacks the recovery feature.
	ErrUnsupported = errors.New("recovery not supported on this chain")
)

// Query is the read side of the ledger.
type Query interface {
	GetBalances(ctx context.Context, addr types.Address) (Balances, error)
	GetStakingAccount(ctx context.Context, addr types.Address) (StakingAccount, error)
	GetSlashingSpanCount(ctx context.Context, addr types.Address) (uint32, error)

	// GetRecoveryProxyOf returns the lost account rescuer currently controls,
	// or "" when it controls none.
	GetRecoveryProxyOf(ctx context.Context, rescuer types.Address) (types.Address, error)

	// GetPoolMember returns nil when addr is not a pool member.
	GetPoolMember(ctx context.Context, addr types.Address) (*PoolMember, error)
	GetBondedPool(ctx context.Context, poolID uint32) (BondedPool, error)
	GetProxiesOf(ctx context.Context, addr types.Address) ([]Proxy, error)

	// GetRecoverable returns nil when addr has no recovery config.
	GetRecoverable(ctx context.Context, addr types.Address) (*types.RecoveryConfig, error)
	GetActiveRecoveries(ctx context.Context) ([]types.ActiveRecovery, error)

	GetSessionInfo(ctx context.Context) (SessionInfo, error)
	GetCurrentBlock(ctx context.Context) (uint64, error)
	GetConstants(ctx context.Context) (Constants, error)
}

// Submitter signs and submits a call. Signing is external: signer names the
// account whose key must sign and password unlocks it.
type Submitter interface {
	Submit(ctx context.Context, call *Call, signer types.Address, password string) (TxResult, error)
}

// Ledger is a full chain client.
type Ledger interface {
	Query
	Submitter
}

// Balances of an account.
type Balances struct {
	Available *big.Int `json:"available" yaml:"-"`
	Reserved  *big.Int `json:"reserved" yaml:"-"`
}

// UnlockChunk is a solo-staking unbonding chunk.
type UnlockChunk struct {
	Value         *big.Int `json:"value"`
	RemainingEras uint32   `json:"remaining_eras"`
}

// StakingAccount is the solo-staking ledger of an account.
type StakingAccount struct {
	Active        *big.Int      `json:"active"`
	Unlocking     []UnlockChunk `json:"unlocking"`
	RedeemableRaw *big.Int      `json:"redeemable_raw"`
}

// PoolMember is a nomination pool membership.
type PoolMember struct {
	PoolID        uint32              `json:"pool_id"`
	Points        *big.Int            `json:"points"`
	UnbondingEras map[uint32]*big.Int `json:"unbonding_eras"`
}

// PoolRoles lists the privileged accounts of a pool.
type PoolRoles struct {
	Depositor types.Address `json:"depositor" yaml:"depositor"`
	Root      types.Address `json:"root,omitempty" yaml:"root"`
	Nominator types.Address `json:"nominator,omitempty" yaml:"nominator"`
	Bouncer   types.Address `json:"bouncer,omitempty" yaml:"bouncer"`
}

// Has reports whether addr holds the depositor, root or nominator role.
func (r PoolRoles) Has(addr types.Address) bool {
	if addr == "" {
		return false
	}
	return r.Depositor == addr || r.Root == addr || r.Nominator == addr
}

// BondedPool is the state of a nomination pool.
type BondedPool struct {
	Points *big.Int `json:"points"`

	// Stash is the pool's bonded account and StashActive its active stake.
	Stash       types.Address `json:"stash"`
	StashActive *big.Int      `json:"stash_active"`

	Roles PoolRoles `json:"roles"`
}

// Proxy is a proxy delegation registered by an account.
type Proxy struct {
	Delegate  types.Address `json:"delegate" yaml:"delegate"`
	ProxyType string        `json:"proxy_type" yaml:"proxy_type"`
	Delay     uint64        `json:"delay" yaml:"delay"`
}

// SessionInfo describes staking era progress, in blocks.
type SessionInfo struct {
	EraLength   uint64 `json:"era_length" yaml:"era_length"`
	EraProgress uint64 `json:"era_progress" yaml:"era_progress"`
	CurrentEra  uint32 `json:"current_era" yaml:"current_era"`
}

// Constants are the runtime constants the recovery flows depend on.
type Constants struct {
	ConfigDepositBase    *big.Int
	FriendDepositFactor  *big.Int
	RecoveryDeposit      *big.Int
	MaxFriends           int
	ProxyDepositBase     *big.Int
	ProxyDepositFactor   *big.Int
	BasicIdentityDeposit *big.Int
	SubAccountDeposit    *big.Int
}

// TxResult is the outcome of an included extrinsic.
type TxResult struct {
	Success   bool     `json:"success"`
	Fee       *big.Int `json:"fee,omitempty"`
	BlockHash string   `json:"block_hash,omitempty"`
	Error     string   `json:"error,omitempty"`
}
