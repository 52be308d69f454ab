package deposit_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relves/socialrecovery/pkg/deposit"
	"github.com/relves/socialrecovery/pkg/ledger"
)

func testConstants() ledger.Constants {
	return ledger.Constants{
		ConfigDepositBase:    big.NewInt(1000),
		FriendDepositFactor:  big.NewInt(75),
		RecoveryDeposit:      big.NewInt(400),
		MaxFriends:           9,
		ProxyDepositBase:     big.NewInt(200),
		ProxyDepositFactor:   big.NewInt(33),
		BasicIdentityDeposit: big.NewInt(900),
		SubAccountDeposit:    big.NewInt(60),
	}
}

func TestTotalConfigDeposit_Linear(t *testing.T) {
	calc := deposit.NewCalculator(testConstants())

	prev := calc.TotalConfigDeposit(0)
	assert.Equal(t, "1000", prev.String())

	for n := 1; n <= 9; n++ {
		got := calc.TotalConfigDeposit(n)
		want := big.NewInt(1000 + 75*int64(n))
		assert.Equal(t, 0, got.Cmp(want), "friends=%d", n)
		assert.GreaterOrEqual(t, got.Cmp(prev), 0, "deposit must not decrease")
		prev = got
	}
}

func TestTotalConfigDeposit_NilConstants(t *testing.T) {
	calc := deposit.NewCalculator(ledger.Constants{})
	assert.Equal(t, "0", calc.TotalConfigDeposit(3).String())
	assert.Equal(t, "0", calc.InitiateDeposit().String())
}

func TestOtherDeposits(t *testing.T) {
	calc := deposit.NewCalculator(testConstants())

	assert.Equal(t, "266", calc.TotalProxyDeposit(2).String())
	assert.Equal(t, "1080", calc.TotalSubIdentityDeposit(3).String())
	assert.Equal(t, "400", calc.InitiateDeposit().String())
}

func TestDelta(t *testing.T) {
	current := big.NewInt(1150)
	higher := big.NewInt(1300)
	lower := big.NewInt(1075)

	tests := []struct {
		name string
		mode deposit.Mode
		next *big.Int
		want string
	}{
		{"modify increase", deposit.ModeModify, higher, "150"},
		{"modify decrease", deposit.ModeModify, lower, "0"},
		{"set", deposit.ModeSet, higher, "1300"},
		{"initiate", deposit.ModeInitiate, big.NewInt(400), "400"},
		{"remove", deposit.ModeRemove, higher, "0"},
		{"close", deposit.ModeClose, higher, "0"},
		{"vouch", deposit.ModeVouch, higher, "0"},
		{"withdraw", deposit.ModeWithdraw, higher, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deposit.Delta(tt.mode, current, tt.next).String())
		})
	}

	assert.Equal(t, "1150", current.String(), "inputs must not be mutated")
}
