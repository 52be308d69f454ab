package recovery

import (
	"errors"
	"fmt"
	"math"

	"github.com/relves/socialrecovery/pkg/types"
)

var (
	ErrDuplicateFriend     = errors.New("friend already added")
	ErrSelfAsFriend        = errors.New("an account cannot be its own friend")
	ErrFriendLimitExceeded = errors.New("friend limit reached")
	ErrInvalidDelay        = errors.New("invalid delay")
	ErrConfigNotReady      = errors.New("recovery config incomplete")
)

// DelayUnit is the unit a delay period is entered in.
type DelayUnit string

const (
	UnitBlocks DelayUnit = "blocks"
	UnitHours  DelayUnit = "hours"
	UnitDays   DelayUnit = "days"
	UnitWeeks  DelayUnit = "weeks"
	UnitMonths DelayUnit = "months"
)

// BlocksPerHour assumes a 6 second block time.
const BlocksPerHour = 600

var blocksPerUnit = map[DelayUnit]uint64{
	UnitBlocks: 1,
	UnitHours:  BlocksPerHour,
	UnitDays:   24 * BlocksPerHour,
	UnitWeeks:  7 * 24 * BlocksPerHour,
	UnitMonths: 30 * 24 * BlocksPerHour,
}

// DelayBlocks converts n units into a block count.
func DelayBlocks(n uint64, unit DelayUnit) (uint64, error) {
	per, ok := blocksPerUnit[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidDelay, unit)
	}
	if n > math.MaxUint64/per {
		return 0, fmt.Errorf("%w: %d %s overflows", ErrInvalidDelay, n, unit)
	}
	return n * per, nil
}

// ConfigBuilder edits a recovery config for owner. Validation failures leave
// the builder unchanged.
type ConfigBuilder struct {
	owner      types.Address
	maxFriends int

	friends   []types.Address
	threshold int // 0 while undefined
	delay     uint64
	delaySet  bool
}

// NewConfigBuilder starts an empty config for owner.
func NewConfigBuilder(owner types.Address, maxFriends int) *ConfigBuilder {
	return &ConfigBuilder{owner: owner, maxFriends: maxFriends}
}

// ConfigBuilderFrom pre-populates a builder with an existing config. Friends
// the builder rejects are left out and reported in the returned error; the
// builder is usable either way.
func ConfigBuilderFrom(owner types.Address, maxFriends int, cfg types.RecoveryConfig) (*ConfigBuilder, error) {
	b := NewConfigBuilder(owner, maxFriends)
	var errs []error
	for _, f := range cfg.Friends {
		if err := b.AddFriend(f); err != nil {
			errs = append(errs, fmt.Errorf("dropped friend %s: %w", f, err))
		}
	}
	b.SetThreshold(cfg.Threshold)
	b.delay = cfg.DelayPeriod
	b.delaySet = true
	return b, errors.Join(errs...)
}

func (b *ConfigBuilder) AddFriend(candidate types.Address) error {
	if types.ContainsAddress(b.friends, candidate) {
		return ErrDuplicateFriend
	}
	if candidate == b.owner {
		return ErrSelfAsFriend
	}
	if len(b.friends) >= b.maxFriends {
		return ErrFriendLimitExceeded
	}
	b.friends = append(b.friends, candidate)
	return nil
}

func (b *ConfigBuilder) RemoveFriend(candidate types.Address) {
	for i, f := range b.friends {
		if f == candidate {
			b.friends = append(b.friends[:i:i], b.friends[i+1:]...)
			break
		}
	}
	if b.threshold > 0 {
		b.SetThreshold(b.threshold)
	}
}

// SetThreshold clamps n to [1, len(friends)]. With no friends the
// threshold stays undefined.
func (b *ConfigBuilder) SetThreshold(n int) {
	switch {
	case len(b.friends) == 0:
		b.threshold = 0
	case n < 1:
		b.threshold = 1
	case n > len(b.friends):
		b.threshold = len(b.friends)
	default:
		b.threshold = n
	}
}

func (b *ConfigBuilder) SetDelay(n uint64, unit DelayUnit) error {
	blocks, err := DelayBlocks(n, unit)
	if err != nil {
		return err
	}
	b.delay = blocks
	b.delaySet = true
	return nil
}

// Friends returns the friends in insertion order.
func (b *ConfigBuilder) Friends() []types.Address {
	out := make([]types.Address, len(b.friends))
	copy(out, b.friends)
	return out
}

func (b *ConfigBuilder) Threshold() (int, bool) {
	return b.threshold, b.threshold > 0
}

func (b *ConfigBuilder) Delay() (uint64, bool) {
	return b.delay, b.delaySet
}

func (b *ConfigBuilder) IsReady() bool {
	return len(b.friends) >= 1 && b.threshold > 0 && b.delaySet
}

// Build returns the config with friends sorted, so the same set always
// produces the same payload.
func (b *ConfigBuilder) Build() (types.RecoveryConfig, error) {
	if !b.IsReady() {
		return types.RecoveryConfig{}, ErrConfigNotReady
	}
	return types.RecoveryConfig{
		Friends:     types.SortAddresses(b.friends),
		Threshold:   b.threshold,
		DelayPeriod: b.delay,
	}, nil
}
