package source

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/headercodec"
	"github.com/gitzhang10/blockrelay/lzcodec"
)

var viewAddr = common.HexToAddress("0xb10c")

func newView(t *testing.T, head int) *ChainView {
	v, err := NewChainView(viewAddr, 16)
	require.NoError(t, err)
	v.Grow(head)
	return v
}

func TestChainViewLinksHeaders(t *testing.T) {
	require := require.New(t)
	v := newView(t, 10)
	require.Equal(uint64(10), v.Head())
	for n := uint64(1); n <= 10; n++ {
		h, ok := v.Header(n)
		require.True(ok)
		parent, _ := v.Header(n - 1)
		require.Equal(parent.Hash(), h.ParentHash)
	}

	raw, err := v.RawHeader(7)
	require.NoError(err)
	decoded, err := headercodec.Decode(raw)
	require.NoError(err)
	h, _ := v.Header(7)
	require.Equal(h.Hash(), decoded.Hash)
	require.Equal(crypto.Keccak256Hash(raw), decoded.Hash)

	_, err = v.RawHeader(11)
	require.ErrorIs(err, errs.ErrInvalidArgument)
}

func TestGetBlockHashWindow(t *testing.T) {
	require := require.New(t)
	v := newView(t, 10_000)
	head := v.Head()

	n, hash, err := v.GetBlockHash(0, true)
	require.NoError(err)
	require.Equal(head-MinBlockAge, n)
	h, _ := v.Header(n)
	require.Equal(h.Hash(), hash)

	n, _, err = v.GetBlockHash(head-100, false)
	require.NoError(err)
	require.Equal(head-100, n)

	for _, number := range []uint64{head - 64, head - MaxBlockAge - 1, head + 1} {
		n, hash, err := v.GetBlockHash(number, true)
		require.NoError(err)
		require.Zero(n)
		require.Equal(common.Hash{}, hash)

		_, _, err = v.GetBlockHash(number, false)
		require.ErrorIs(err, errs.ErrInvalidArgument)
	}

	// a short chain has no valid window at all
	short := newView(t, 20)
	n, hash, err = short.GetBlockHash(0, true)
	require.NoError(err)
	require.Zero(n)
	require.Equal(common.Hash{}, hash)
}

func TestChainViewCall(t *testing.T) {
	require := require.New(t)
	v := newView(t, 200)
	callData, err := lzcodec.EncodeGetBlockHashCall(0, true)
	require.NoError(err)

	out, err := v.Call(context.Background(), &lzcodec.ReadRequest{Target: viewAddr, CallData: callData})
	require.NoError(err)
	number, hash, err := lzcodec.DecodeBlockMessage(out)
	require.NoError(err)
	require.Equal(uint64(135), number)
	h, _ := v.Header(135)
	require.Equal(h.Hash(), hash)

	_, err = v.Call(context.Background(), &lzcodec.ReadRequest{Target: common.HexToAddress("0x01"), CallData: callData})
	require.ErrorIs(err, errs.ErrInvalidArgument)
	_, err = v.Call(context.Background(), &lzcodec.ReadRequest{Target: viewAddr, CallData: []byte{1, 2, 3, 4}})
	require.ErrorIs(err, errs.ErrMalformedInput)
}

type fakeContractCaller struct {
	msg ethereum.CallMsg
	at  *big.Int
	out []byte
}

func (f *fakeContractCaller) CallContract(_ context.Context, msg ethereum.CallMsg, at *big.Int) ([]byte, error) {
	f.msg, f.at = msg, at
	return f.out, nil
}

func TestEthCaller(t *testing.T) {
	require := require.New(t)
	fake := &fakeContractCaller{out: []byte{0x01}}
	c := NewEthCaller(fake)

	req := &lzcodec.ReadRequest{Target: viewAddr, CallData: []byte{0xaa}, Anchor: 1_700_000_000}
	out, err := c.Call(context.Background(), req)
	require.NoError(err)
	require.Equal([]byte{0x01}, out)
	require.Equal(viewAddr, *fake.msg.To)
	require.Equal([]byte{0xaa}, fake.msg.Data)
	require.Nil(fake.at)

	req.IsBlockNumber, req.Anchor = true, 99
	_, err = c.Call(context.Background(), req)
	require.NoError(err)
	require.Equal(int64(99), fake.at.Int64())
}
