package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
)

func TestTransfer(t *testing.T) {
	require := require.New(t)
	l := New()
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")
	l.Mint(alice, uint256.NewInt(100))

	require.NoError(l.Transfer(alice, bob, uint256.NewInt(40)))
	require.Equal(uint64(60), l.Balance(alice).Uint64())
	require.Equal(uint64(40), l.Balance(bob).Uint64())

	err := l.Transfer(bob, alice, uint256.NewInt(41))
	require.ErrorIs(err, errs.ErrInsufficientFunds)
	require.Equal(uint64(40), l.Balance(bob).Uint64())
	require.Equal(uint64(100), l.Total().Uint64())
}

func TestSumOverflow(t *testing.T) {
	require := require.New(t)
	total, ok := Sum([]*uint256.Int{uint256.NewInt(1), uint256.NewInt(2), nil})
	require.True(ok)
	require.Equal(uint64(3), total.Uint64())

	max := new(uint256.Int).SetAllOne()
	_, ok = Sum([]*uint256.Int{max, uint256.NewInt(1)})
	require.False(ok)
}
