package lzcodec

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
)

func TestBlockMessage(t *testing.T) {
	require := require.New(t)
	hash := common.HexToHash("0x8f1c2f0a1b")
	msg, err := EncodeBlockMessage(19_426_587, hash)
	require.NoError(err)
	require.Len(msg, BlockMessageSize)
	require.Equal(common.LeftPadBytes([]byte{0x01, 0x28, 0x6d, 0x1b}, 32), msg[:32])
	require.Equal(hash.Bytes(), msg[32:])

	number, got, err := DecodeBlockMessage(msg)
	require.NoError(err)
	require.Equal(uint64(19_426_587), number)
	require.Equal(hash, got)
}

func TestDecodeBlockMessageRejects(t *testing.T) {
	_, _, err := DecodeBlockMessage(make([]byte, 63))
	require.ErrorIs(t, err, errs.ErrMalformedInput)

	wide := make([]byte, BlockMessageSize)
	wide[23] = 1 // number = 2^64
	_, _, err = DecodeBlockMessage(wide)
	require.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestGetBlockHashCall(t *testing.T) {
	require := require.New(t)
	data, err := EncodeGetBlockHashCall(1234, false)
	require.NoError(err)
	require.Len(data, 4+64)
	require.Equal(GetBlockHashSelector(), data[:4])

	number, avoidFailure, err := DecodeGetBlockHashCall(data)
	require.NoError(err)
	require.Equal(uint64(1234), number)
	require.False(avoidFailure)

	data[0] ^= 0xff
	_, _, err = DecodeGetBlockHashCall(data)
	require.ErrorIs(err, errs.ErrMalformedInput)
}
