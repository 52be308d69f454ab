package memledger

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relves/socialrecovery/pkg/ledger"
	"github.com/relves/socialrecovery/pkg/types"
)

// Amount is a u128 balance written in YAML as a decimal string or integer.
type Amount struct {
	*big.Int
}

func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	v, ok := new(big.Int).SetString(value.Value, 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("line %d: invalid amount %q", value.Line, value.Value)
	}
	a.Int = v
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	return types.AmountOrZero(a.Int).String(), nil
}

func (a Amount) big() *big.Int {
	return new(big.Int).Set(types.AmountOrZero(a.Int))
}

// Fixture is the YAML description of a ledger.
type Fixture struct {
	Block       uint64             `yaml:"block"`
	Session     ledger.SessionInfo `yaml:"session"`
	Unsupported bool               `yaml:"unsupported"`
	Constants   *FixtureConstants  `yaml:"constants"`

	Accounts   map[types.Address]*FixtureAccount `yaml:"accounts"`
	Pools      map[uint32]*FixturePool           `yaml:"pools"`
	Active     []FixtureActive                   `yaml:"active_recoveries"`
	Identities []types.Address                   `yaml:"identities"`
	Passwords  map[types.Address]string          `yaml:"passwords"`
}

type FixtureConstants struct {
	ConfigDepositBase    Amount `yaml:"config_deposit_base"`
	FriendDepositFactor  Amount `yaml:"friend_deposit_factor"`
	RecoveryDeposit      Amount `yaml:"recovery_deposit"`
	MaxFriends           int    `yaml:"max_friends"`
	ProxyDepositBase     Amount `yaml:"proxy_deposit_base"`
	ProxyDepositFactor   Amount `yaml:"proxy_deposit_factor"`
	BasicIdentityDeposit Amount `yaml:"basic_identity_deposit"`
	SubAccountDeposit    Amount `yaml:"sub_account_deposit"`
}

type FixtureAccount struct {
	Available     Amount             `yaml:"available"`
	Reserved      Amount             `yaml:"reserved"`
	Staking       *FixtureStaking    `yaml:"staking"`
	SlashingSpans uint32             `yaml:"slashing_spans"`
	RecoveryProxy types.Address      `yaml:"recovery_proxy"`
	PoolMember    *FixturePoolMember `yaml:"pool_member"`
	Proxies       []ledger.Proxy     `yaml:"proxies"`
	Recoverable   *FixtureRecovery   `yaml:"recoverable"`
}

type FixtureStaking struct {
	Active     Amount          `yaml:"active"`
	Unlocking  []FixtureUnlock `yaml:"unlocking"`
	Redeemable Amount          `yaml:"redeemable"`
}

type FixtureUnlock struct {
	Value         Amount `yaml:"value"`
	RemainingEras uint32 `yaml:"remaining_eras"`
}

type FixturePoolMember struct {
	PoolID        uint32            `yaml:"pool_id"`
	Points        Amount            `yaml:"points"`
	UnbondingEras map[uint32]Amount `yaml:"unbonding_eras"`
}

type FixturePool struct {
	Points      Amount           `yaml:"points"`
	Stash       types.Address    `yaml:"stash"`
	StashActive Amount           `yaml:"stash_active"`
	Roles       ledger.PoolRoles `yaml:"roles"`
}

type FixtureRecovery struct {
	Friends     []types.Address `yaml:"friends"`
	Threshold   int             `yaml:"threshold"`
	DelayPeriod uint64          `yaml:"delay_period"`
	Deposit     Amount          `yaml:"deposit"`
}

type FixtureActive struct {
	Lost           types.Address   `yaml:"lost"`
	Rescuer        types.Address   `yaml:"rescuer"`
	CreatedBlock   uint64          `yaml:"created_block"`
	VouchedFriends []types.Address `yaml:"vouched_friends"`
	Deposit        Amount          `yaml:"deposit"`
}

// LoadFile reads a fixture from path.
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}
