package headercodec

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
)

func cancunHeader(number uint64) *types.Header {
	zero := uint64(0)
	beaconRoot := common.HexToHash("0xbeac04")
	return &types.Header{
		ParentHash:       common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
		UncleHash:        types.EmptyUncleHash,
		Coinbase:         common.HexToAddress("0x95222290dd7278aa3ddd389cc1e1d165cc4bafe5"),
		Root:             common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
		TxHash:           types.EmptyRootHash,
		ReceiptHash:      common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333"),
		Bloom:            types.Bloom{0x01, 0x02},
		Difficulty:       big.NewInt(0),
		Number:           new(big.Int).SetUint64(number),
		GasLimit:         30_000_000,
		GasUsed:          12_345_678,
		Time:             1_710_338_135,
		Extra:            []byte("beaverbuild.org"),
		MixDigest:        common.HexToHash("0x4444"),
		BaseFee:          big.NewInt(25_000_000_000),
		WithdrawalsHash:  &types.EmptyRootHash,
		BlobGasUsed:      &zero,
		ExcessBlobGas:    &zero,
		ParentBeaconRoot: &beaconRoot,
	}
}

func encodeHeader(t *testing.T, h *types.Header) []byte {
	raw, err := rlp.EncodeToBytes(h)
	require.NoError(t, err)
	return raw
}

func TestDecodeCancunHeader(t *testing.T) {
	require := require.New(t)
	h := cancunHeader(19_426_587)
	raw := encodeHeader(t, h)

	got, err := Decode(raw)
	require.NoError(err)
	require.Equal(h.Hash(), got.Hash)
	require.Equal(h.ParentHash, got.ParentHash)
	require.Equal(h.Root, got.StateRoot)
	require.Equal(h.ReceiptHash, got.ReceiptsRoot)
	require.Equal(uint64(19_426_587), got.Number)
	require.Equal(h.Time, got.Timestamp)
}

func TestDecodeProofOfWorkHeader(t *testing.T) {
	require := require.New(t)
	h := &types.Header{
		ParentHash:  common.HexToHash("0xaa"),
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    common.HexToAddress("0xbb"),
		Root:        common.HexToHash("0xcc"),
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Difficulty:  new(big.Int).Lsh(big.NewInt(1), 70),
		Number:      big.NewInt(1_000_000),
		GasLimit:    3_141_592,
		GasUsed:     21_000,
		Time:        1_455_404_053,
		Extra:       []byte{},
	}
	got, err := Decode(encodeHeader(t, h))
	require.NoError(err)
	require.Equal(h.Hash(), got.Hash)
	require.Equal(uint64(1_000_000), got.Number)
	require.Equal(h.Time, got.Timestamp)
}

// rawHeader builds a header list by hand so the bloom and integer fields can take
// shapes that types.Header never produces.
func rawHeader(t *testing.T, bloom []byte, number uint64) []byte {
	fields := []interface{}{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToAddress("0x03"),
		common.HexToHash("0x04"),
		common.HexToHash("0x05"),
		common.HexToHash("0x06"),
		bloom,
		uint64(0),
		number,
		uint64(30_000_000),
		uint64(0),
		uint64(1_700_000_000),
		[]byte("tail fields are never parsed"),
	}
	raw, err := rlp.EncodeToBytes(fields)
	require.NoError(t, err)
	return raw
}

func TestDecodeBloomForms(t *testing.T) {
	cases := map[string][]byte{
		"empty":        {},
		"inline byte":  {0x01},
		"short string": make([]byte, 20),
		"max short":    make([]byte, 55),
		"long string":  make([]byte, 256),
	}
	for name, bloom := range cases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			raw := rawHeader(t, bloom, 7)
			got, err := Decode(raw)
			require.NoError(err)
			require.Equal(crypto.Keccak256Hash(raw), got.Hash)
			require.Equal(common.HexToHash("0x04"), got.StateRoot)
			require.Equal(common.HexToHash("0x06"), got.ReceiptsRoot)
			require.Equal(uint64(7), got.Number)
			require.Equal(uint64(1_700_000_000), got.Timestamp)
		})
	}
}

func TestDecodeNumberForms(t *testing.T) {
	for _, n := range []uint64{0, 1, 0x7f, 0x80, 0xff, 0x100, 19_426_587, 1<<64 - 1} {
		got, err := Decode(rawHeader(t, nil, n))
		require.NoError(t, err)
		require.Equal(t, n, got.Number)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid := encodeHeader(t, cancunHeader(100))

	mutate := func(f func([]byte) []byte) []byte {
		return f(append([]byte(nil), valid...))
	}
	listStartOffset := len(valid) - len(mustPayload(t, valid))

	cases := map[string][]byte{
		"empty":               {},
		"not a list":          mutate(func(b []byte) []byte { b[0] = 0xa0; return b }),
		"truncated":           valid[:listStartOffset+40],
		"parent tag":          mutate(func(b []byte) []byte { b[listStartOffset] = 0x9f; return b }),
		"beneficiary tag":     mutate(func(b []byte) []byte { b[listStartOffset+66] = 0xa0; return b }),
		"long list no length": {0xf9, 0x01},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(raw)
			require.ErrorIs(t, err, errs.ErrMalformedInput)
			require.Nil(t, got)
		})
	}
}

func TestDecodeRejectsListAsBloom(t *testing.T) {
	fields := []interface{}{
		common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToAddress("0x03"),
		common.HexToHash("0x04"), common.HexToHash("0x05"), common.HexToHash("0x06"),
		[]uint64{1, 2},
		uint64(0), uint64(1), uint64(2), uint64(3), uint64(4),
	}
	raw, err := rlp.EncodeToBytes(fields)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestDecodeRejectsOversizedNumber(t *testing.T) {
	fields := []interface{}{
		common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToAddress("0x03"),
		common.HexToHash("0x04"), common.HexToHash("0x05"), common.HexToHash("0x06"),
		[]byte{},
		uint64(0),
		new(big.Int).Lsh(big.NewInt(1), 64),
		uint64(2), uint64(3), uint64(4),
	}
	raw, err := rlp.EncodeToBytes(fields)
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, errs.ErrMalformedInput)
}

// The hash of any accepted input is the keccak of the exact bytes.
func TestDecodedHashIsKeccakOfInput(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		h := cancunHeader(r.Uint64())
		h.Time = r.Uint64()
		h.GasUsed = uint64(r.Int63n(30_000_000))
		r.Read(h.Root[:])
		r.Read(h.Bloom[:r.Intn(types.BloomByteLength)])
		raw := encodeHeader(t, h)

		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, crypto.Keccak256Hash(raw), got.Hash)
		require.Equal(t, h.Hash(), got.Hash)
		require.Equal(t, h.Root, got.StateRoot)
	}
}

func TestDecodeMany(t *testing.T) {
	require := require.New(t)
	raws := [][]byte{encodeHeader(t, cancunHeader(1)), encodeHeader(t, cancunHeader(2))}
	headers, err := DecodeMany(raws)
	require.NoError(err)
	require.Len(headers, 2)
	require.Equal(uint64(2), headers[1].Number)

	raws = append(raws, []byte{0x01})
	headers, err = DecodeMany(raws)
	require.ErrorIs(err, errs.ErrMalformedInput)
	require.Contains(err.Error(), "header 2")
	require.Nil(headers)
}

func mustPayload(t *testing.T, raw []byte) []byte {
	_, content, _, err := rlp.Split(raw)
	require.NoError(t, err)
	return content
}
