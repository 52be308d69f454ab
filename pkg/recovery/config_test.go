package recovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

const (
	alice types.Address = "5Alice"
	bob   types.Address = "5Bob"
	carol types.Address = "5Carol"
	dave  types.Address = "5Dave"
	erin  types.Address = "5Erin"
)

func TestConfigBuilder_AddFriend(t *testing.T) {
	b := recovery.NewConfigBuilder(alice, 2)

	require.NoError(t, b.AddFriend(carol))
	assert.ErrorIs(t, b.AddFriend(carol), recovery.ErrDuplicateFriend)
	assert.ErrorIs(t, b.AddFriend(alice), recovery.ErrSelfAsFriend)
	require.NoError(t, b.AddFriend(bob))
	assert.ErrorIs(t, b.AddFriend(dave), recovery.ErrFriendLimitExceeded)

	assert.Equal(t, []types.Address{carol, bob}, b.Friends())
}

func TestConfigBuilder_AddFriendCheckOrder(t *testing.T) {
	// A duplicate at the limit reports the duplicate.
	b := recovery.NewConfigBuilder(alice, 1)
	require.NoError(t, b.AddFriend(bob))
	assert.ErrorIs(t, b.AddFriend(bob), recovery.ErrDuplicateFriend)

	// The owner at the limit reports self.
	assert.ErrorIs(t, b.AddFriend(alice), recovery.ErrSelfAsFriend)
}

func TestConfigBuilder_NoDuplicatesEver(t *testing.T) {
	b := recovery.NewConfigBuilder(alice, 9)
	for _, f := range []types.Address{bob, carol, bob, dave, carol, alice, erin, bob} {
		_ = b.AddFriend(f)
	}
	friends := b.Friends()
	assert.Len(t, friends, 4)
	assert.NotContains(t, friends, alice)

	seen := map[types.Address]bool{}
	for _, f := range friends {
		assert.False(t, seen[f], "duplicate %s", f)
		seen[f] = true
	}
}

func TestConfigBuilder_Threshold(t *testing.T) {
	b := recovery.NewConfigBuilder(alice, 9)

	b.SetThreshold(2)
	_, ok := b.Threshold()
	assert.False(t, ok, "threshold is undefined without friends")

	require.NoError(t, b.AddFriend(bob))
	require.NoError(t, b.AddFriend(carol))
	require.NoError(t, b.AddFriend(dave))

	b.SetThreshold(5)
	th, ok := b.Threshold()
	require.True(t, ok)
	assert.Equal(t, 3, th)

	b.SetThreshold(0)
	th, _ = b.Threshold()
	assert.Equal(t, 1, th)

	b.SetThreshold(3)
	b.RemoveFriend(dave)
	th, _ = b.Threshold()
	assert.Equal(t, 2, th)

	b.RemoveFriend(erin)
	assert.Len(t, b.Friends(), 2)

	b.RemoveFriend(bob)
	b.RemoveFriend(carol)
	_, ok = b.Threshold()
	assert.False(t, ok)
}

func TestDelayBlocks(t *testing.T) {
	tests := []struct {
		n    uint64
		unit recovery.DelayUnit
		want uint64
	}{
		{n: 7, unit: recovery.UnitBlocks, want: 7},
		{n: 2, unit: recovery.UnitHours, want: 1200},
		{n: 1, unit: recovery.UnitDays, want: 14400},
		{n: 1, unit: recovery.UnitWeeks, want: 100800},
		{n: 1, unit: recovery.UnitMonths, want: 432000},
	}
	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			got, err := recovery.DelayBlocks(tt.n, tt.unit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := recovery.DelayBlocks(1, "fortnights")
	assert.ErrorIs(t, err, recovery.ErrInvalidDelay)

	_, err = recovery.DelayBlocks(^uint64(0), recovery.UnitHours)
	assert.ErrorIs(t, err, recovery.ErrInvalidDelay)
}

func TestConfigBuilder_Build(t *testing.T) {
	b := recovery.NewConfigBuilder(alice, 9)
	_, err := b.Build()
	assert.ErrorIs(t, err, recovery.ErrConfigNotReady)

	require.NoError(t, b.AddFriend(dave))
	require.NoError(t, b.AddFriend(bob))
	require.NoError(t, b.AddFriend(carol))
	b.SetThreshold(2)
	assert.False(t, b.IsReady())

	require.NoError(t, b.SetDelay(1, recovery.UnitDays))
	require.True(t, b.IsReady())

	cfg, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, []types.Address{bob, carol, dave}, cfg.Friends)
	assert.Equal(t, 2, cfg.Threshold)
	assert.Equal(t, uint64(14400), cfg.DelayPeriod)
}

func TestConfigBuilderFrom(t *testing.T) {
	b, err := recovery.ConfigBuilderFrom(alice, 9, types.RecoveryConfig{
		Friends:     []types.Address{bob, carol},
		Threshold:   2,
		DelayPeriod: 100,
	})
	require.NoError(t, err)
	require.True(t, b.IsReady())

	require.NoError(t, b.AddFriend(dave))
	cfg, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, []types.Address{bob, carol, dave}, cfg.Friends)
	assert.Equal(t, uint64(100), cfg.DelayPeriod)
}

func TestConfigBuilderFrom_ReportsRejectedFriends(t *testing.T) {
	b, err := recovery.ConfigBuilderFrom(alice, 2, types.RecoveryConfig{
		Friends:     []types.Address{bob, alice, bob, carol, dave},
		Threshold:   1,
		DelayPeriod: 10,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, recovery.ErrSelfAsFriend)
	assert.ErrorIs(t, err, recovery.ErrDuplicateFriend)
	assert.ErrorIs(t, err, recovery.ErrFriendLimitExceeded)
	assert.Contains(t, err.Error(), "dropped friend 5Dave")

	require.NotNil(t, b)
	assert.Equal(t, []types.Address{bob, carol}, b.Friends())
	assert.True(t, b.IsReady())
}
