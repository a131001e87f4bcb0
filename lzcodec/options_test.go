package lzcodec

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
)

func TestReceiveOptionValueSuffix(t *testing.T) {
	require := require.New(t)

	noValue, err := EncodeExecutionOption(ExecutorOption{Kind: OptionReceive, Gas: 150_000})
	require.NoError(err)
	// format, worker, size, kind, gas
	require.Len(noValue, 2+1+2+1+16)
	require.Equal([]byte{0x00, 0x03, 0x01, 0x00, 0x11, 0x01}, noValue[:6])

	zeroValue, err := EncodeExecutionOption(ExecutorOption{Kind: OptionReceive, Gas: 150_000, Value: new(uint256.Int)})
	require.NoError(err)
	require.Equal(noValue, zeroValue)

	withValue, err := EncodeExecutionOption(ExecutorOption{Kind: OptionReceive, Gas: 150_000, Value: uint256.NewInt(7)})
	require.NoError(err)
	require.Len(withValue, len(noValue)+16)
	require.Equal(byte(0x21), withValue[4])
	require.Equal(byte(7), withValue[len(withValue)-1])
}

func TestReadOptionLayout(t *testing.T) {
	require := require.New(t)
	opts, err := NewOptions().AddRead(100_000, BlockMessageSize, uint256.NewInt(1_000)).Bytes()
	require.NoError(err)
	require.Len(opts, 2+1+2+1+16+4+16)
	require.Equal(byte(OptionRead), opts[5])
	require.Equal([]byte{0, 0, 0, BlockMessageSize}, opts[22:26])
}

func TestDecodeOptions(t *testing.T) {
	require := require.New(t)
	receiver := common.HexToHash("0xbeef")
	in := []ExecutorOption{
		{Kind: OptionReceive, Gas: 150_000},
		{Kind: OptionRead, Gas: 100_000, DataSize: 64, Value: uint256.NewInt(5_000)},
		{Kind: OptionNativeDrop, Amount: uint256.NewInt(42), Receiver: receiver},
		{Kind: OptionCompose, Index: 3, Gas: 60_000, Value: uint256.NewInt(1)},
		{Kind: OptionOrderedExecution},
	}
	b := NewOptions()
	for _, o := range in {
		b.Add(o)
	}
	raw, err := b.Bytes()
	require.NoError(err)

	out, err := DecodeOptions(raw)
	require.NoError(err)
	require.Len(out, len(in))
	require.Equal(uint64(150_000), out[0].Gas)
	require.Nil(out[0].Value)
	require.Equal(uint32(64), out[1].DataSize)
	require.Equal(uint64(5_000), out[1].Value.Uint64())
	require.Equal(receiver, out[2].Receiver)
	require.Equal(uint64(42), out[2].Amount.Uint64())
	require.Equal(uint16(3), out[3].Index)
	require.Equal(OptionOrderedExecution, out[4].Kind)

	gas, value, size := Totals(out)
	require.Equal(uint64(310_000), gas)
	require.Equal(uint64(5_043), value.Uint64())
	require.Equal(uint32(64), size)
}

func TestOptionsRejects(t *testing.T) {
	_, err := EncodeExecutionOption(ExecutorOption{Kind: 9})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 130)
	_, err = EncodeExecutionOption(ExecutorOption{Kind: OptionReceive, Gas: 1, Value: huge})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	valid, err := EncodeExecutionOption(ExecutorOption{Kind: OptionReceive, Gas: 1})
	require.NoError(t, err)
	cases := map[string][]byte{
		"format":      {0x00, 0x02},
		"worker":      append([]byte{0x00, 0x03, 0x02}, valid[3:]...),
		"truncated":   valid[:len(valid)-1],
		"zero size":   {0x00, 0x03, 0x01, 0x00, 0x00},
		"bad kind":    {0x00, 0x03, 0x01, 0x00, 0x01, 0x09},
		"extra bytes": append([]byte{0x00, 0x03, 0x01, 0x00, 0x13, 0x01}, make([]byte, 18)...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOptions(raw)
			require.ErrorIs(t, err, errs.ErrMalformedInput)
		})
	}
}
