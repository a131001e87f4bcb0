package verifier

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/oracle"
	"github.com/gitzhang10/blockrelay/storage"
)

var owner = common.HexToAddress("0xaa")

func encodedHeader(t *testing.T, number uint64) ([]byte, common.Hash) {
	h := &types.Header{
		ParentHash:  common.HexToHash("0x01"),
		UncleHash:   types.EmptyUncleHash,
		Root:        common.HexToHash("0x02"),
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Difficulty:  big.NewInt(0),
		Number:      new(big.Int).SetUint64(number),
		Time:        number,
		Extra:       []byte{},
	}
	raw, err := rlp.EncodeToBytes(h)
	require.NoError(t, err)
	return raw, h.Hash()
}

func TestSubmitHeaderThroughVerifier(t *testing.T) {
	require := require.New(t)
	store, err := storage.OpenMemory()
	require.NoError(err)
	defer store.Close()
	o, err := oracle.New(store, oracle.Config{Owner: owner})
	require.NoError(err)

	v := New(common.HexToAddress("0x7e"), nil)
	raw, hash := encodedHeader(t, 42)
	require.NoError(o.AdminApplyBlock(owner, 42, hash))

	_, err = v.SubmitHeader(o, raw)
	require.ErrorIs(err, errs.ErrNotConfigured)

	require.NoError(o.SetHeaderVerifier(owner, v.Address()))
	rec, err := v.SubmitHeader(o, raw)
	require.NoError(err)
	require.Equal(hash, rec.BlockHash)

	_, err = v.SubmitHeader(o, raw[:10])
	require.ErrorIs(err, errs.ErrMalformedInput)
}

func TestSubmitHeaders(t *testing.T) {
	require := require.New(t)
	store, err := storage.OpenMemory()
	require.NoError(err)
	defer store.Close()
	o, err := oracle.New(store, oracle.Config{Owner: owner})
	require.NoError(err)
	v := New(common.HexToAddress("0x7e"), nil)
	require.NoError(o.SetHeaderVerifier(owner, v.Address()))

	var raws [][]byte
	for n := uint64(1); n <= 3; n++ {
		raw, hash := encodedHeader(t, n)
		raws = append(raws, raw)
		if n != 3 {
			require.NoError(o.AdminApplyBlock(owner, n, hash))
		}
	}
	recs, err := v.SubmitHeaders(o, raws)
	require.ErrorIs(err, errs.ErrNotConfirmed)
	require.Len(recs, 2)
	require.Equal(uint64(2), o.LastConfirmedHeader().Number)
}
