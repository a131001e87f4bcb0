package oracle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/headercodec"
	"github.com/gitzhang10/blockrelay/storage"
)

var (
	owner      = common.HexToAddress("0xaa")
	stranger   = common.HexToAddress("0xbb")
	committers = []common.Address{
		common.HexToAddress("0xc1"),
		common.HexToAddress("0xc2"),
		common.HexToAddress("0xc3"),
	}
	hashA = common.HexToHash("0xa1")
	hashB = common.HexToHash("0xb2")
)

func newOracle(t *testing.T) *Oracle {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	o, err := New(store, Config{Owner: owner})
	require.NoError(t, err)
	return o
}

// newOracleWithCommitters returns an oracle with three committers and the given threshold.
func newOracleWithCommitters(t *testing.T, threshold uint64) *Oracle {
	o := newOracle(t)
	for _, c := range committers {
		require.NoError(t, o.AddCommitter(owner, c, false))
	}
	require.NoError(t, o.SetThreshold(owner, threshold))
	return o
}

func rawHeader(t *testing.T, number uint64) ([]byte, *types.Header) {
	h := &types.Header{
		ParentHash:  common.HexToHash("0x01"),
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    common.HexToAddress("0x02"),
		Root:        common.HexToHash("0x0300"),
		TxHash:      types.EmptyRootHash,
		ReceiptHash: common.HexToHash("0x0400"),
		Difficulty:  big.NewInt(0),
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    30_000_000,
		Time:        1_700_000_000 + number*12,
		Extra:       []byte{},
		BaseFee:     big.NewInt(7),
	}
	raw, err := rlp.EncodeToBytes(h)
	require.NoError(t, err)
	return raw, h
}

func TestCommitterManagement(t *testing.T) {
	require := require.New(t)
	o := newOracle(t)
	require.Zero(o.Threshold())

	require.ErrorIs(o.AddCommitter(stranger, committers[0], false), errs.ErrUnauthorized)
	require.NoError(o.AddCommitter(owner, committers[0], false))
	require.Equal(uint64(1), o.Threshold())
	require.ErrorIs(o.AddCommitter(owner, committers[0], false), errs.ErrInvalidArgument)

	require.NoError(o.AddCommitter(owner, committers[1], true))
	require.Equal(uint64(2), o.Threshold())
	require.NoError(o.AddCommitter(owner, committers[2], false))
	require.Equal(committers, o.Committers())
	require.True(o.IsCommitter(committers[2]))

	require.ErrorIs(o.SetThreshold(owner, 0), errs.ErrInvalidArgument)
	require.ErrorIs(o.SetThreshold(owner, 4), errs.ErrInvalidArgument)
	require.ErrorIs(o.SetThreshold(stranger, 1), errs.ErrUnauthorized)
	require.NoError(o.SetThreshold(owner, 3))

	require.ErrorIs(o.RemoveCommitter(stranger, committers[1]), errs.ErrUnauthorized)
	require.NoError(o.RemoveCommitter(owner, committers[1]))
	require.Equal([]common.Address{committers[0], committers[2]}, o.Committers())
	require.Equal(uint64(2), o.Threshold())
	require.ErrorIs(o.RemoveCommitter(owner, committers[1]), errs.ErrInvalidArgument)
}

func TestRemoveCommitterWithdrawsVotes(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 2)

	_, err := o.Vote(committers[0], 7, hashA, false)
	require.NoError(err)
	_, err = o.Vote(committers[0], 8, hashB, false)
	require.NoError(err)
	_, err = o.Vote(committers[1], 8, hashB, false)
	require.NoError(err)
	confirmed, err := o.Vote(committers[0], 9, hashA, false)
	require.NoError(err)
	require.False(confirmed)
	confirmed, err = o.Vote(committers[1], 9, hashA, true)
	require.NoError(err)
	require.True(confirmed)

	require.NoError(o.RemoveCommitter(owner, committers[0]))
	require.Equal(uint64(2), o.Threshold())
	require.Zero(o.CommitmentCount(7, hashA))
	require.Equal(common.Hash{}, o.CommitterVote(committers[0], 7))
	require.Equal(uint64(1), o.CommitmentCount(8, hashB))
	require.Equal(common.Hash{}, o.CommitterVote(committers[0], 8))
	// votes on confirmed blocks stay
	require.Equal(hashA, o.BlockHash(9))
	require.Equal(uint64(2), o.CommitmentCount(9, hashA))
	require.Equal(hashA, o.CommitterVote(committers[0], 9))

	// one live vote is below the threshold
	confirmed, err = o.Vote(committers[1], 7, hashA, true)
	require.NoError(err)
	require.False(confirmed)
	require.Equal(common.Hash{}, o.BlockHash(7))

	confirmed, err = o.Vote(committers[2], 7, hashA, true)
	require.NoError(err)
	require.True(confirmed)
	require.Equal(hashA, o.BlockHash(7))
}

func TestVoteRejects(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)

	_, err := o.Vote(stranger, 10, hashA, true)
	require.ErrorIs(err, errs.ErrUnauthorized)
	_, err = o.Vote(committers[0], 10, common.Hash{}, true)
	require.ErrorIs(err, errs.ErrMalformedInput)

	confirmed, err := o.Vote(committers[0], 10, hashA, true)
	require.NoError(err)
	require.True(confirmed)
	_, err = o.Vote(committers[1], 10, hashB, true)
	require.ErrorIs(err, errs.ErrAlreadyFinal)
	require.Zero(o.CommitmentCount(10, hashB))
}

func TestVoteReplacement(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 3)

	_, err := o.Vote(committers[0], 5, hashA, true)
	require.NoError(err)
	_, err = o.Vote(committers[1], 5, hashA, true)
	require.NoError(err)
	require.Equal(uint64(2), o.CommitmentCount(5, hashA))

	_, err = o.Vote(committers[1], 5, hashB, true)
	require.NoError(err)
	require.Equal(uint64(1), o.CommitmentCount(5, hashA))
	require.Equal(uint64(1), o.CommitmentCount(5, hashB))
	require.Equal(hashB, o.CommitterVote(committers[1], 5))

	// voting the same hash again changes nothing
	_, err = o.Vote(committers[1], 5, hashB, true)
	require.NoError(err)
	require.Equal(uint64(1), o.CommitmentCount(5, hashB))
	require.Equal(common.Hash{}, o.BlockHash(5))
}

func TestThresholdBoundary(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 2)

	confirmed, err := o.Vote(committers[0], 7, hashA, true)
	require.NoError(err)
	require.False(confirmed)
	require.ErrorIs(o.Confirm(7, hashA), errs.ErrInsufficientQuorum)

	confirmed, err = o.Vote(committers[1], 7, hashA, false)
	require.NoError(err)
	require.False(confirmed)
	require.Equal(common.Hash{}, o.BlockHash(7))

	require.NoError(o.Confirm(7, hashA))
	require.Equal(hashA, o.BlockHash(7))
	require.ErrorIs(o.Confirm(7, hashA), errs.ErrAlreadyFinal)

	confirmed, err = o.Vote(committers[0], 8, hashB, true)
	require.NoError(err)
	require.False(confirmed)
	confirmed, err = o.Vote(committers[2], 8, hashB, true)
	require.NoError(err)
	require.True(confirmed)
	require.Equal(hashB, o.BlockHash(8))
}

func TestConfirmationMonotonicity(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)

	_, err := o.Vote(committers[0], 3, hashA, true)
	require.NoError(err)
	for _, c := range committers {
		_, err := o.Vote(c, 3, hashB, true)
		require.ErrorIs(err, errs.ErrAlreadyFinal)
	}
	require.ErrorIs(o.Confirm(3, hashB), errs.ErrAlreadyFinal)
	require.ErrorIs(o.AdminApplyBlock(owner, 3, hashB), errs.ErrAlreadyFinal)
	require.Equal(hashA, o.BlockHash(3))
}

func TestConfirmWithoutCommitters(t *testing.T) {
	o := newOracle(t)
	require.ErrorIs(t, o.Confirm(1, hashA), errs.ErrInsufficientQuorum)
}

func TestLastConfirmedBlockAndHook(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)
	_, _, ok := o.LastConfirmedBlock()
	require.False(ok)

	var seen []uint64
	o.SetConfirmHook(func(number uint64, hash common.Hash) {
		seen = append(seen, number)
		// the hook runs outside the oracle lock
		require.Equal(hash, o.BlockHash(number))
	})

	_, err := o.Vote(committers[0], 20, hashA, true)
	require.NoError(err)
	_, err = o.Vote(committers[0], 15, hashB, true)
	require.NoError(err)
	require.NoError(o.AdminApplyBlock(owner, 30, hashB))
	require.ErrorIs(o.AdminApplyBlock(stranger, 31, hashB), errs.ErrUnauthorized)

	number, hash, ok := o.LastConfirmedBlock()
	require.True(ok)
	require.Equal(uint64(30), number)
	require.Equal(hashB, hash)
	require.Equal([]uint64{20, 15, 30}, seen)
}

func TestHeaderGating(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)
	raw, h := rawHeader(t, 100)

	_, err := o.SubmitHeader(raw)
	require.ErrorIs(err, errs.ErrNotConfirmed)

	wrong := h.Hash()
	wrong[31] ^= 0x01
	require.NoError(o.AdminApplyBlock(owner, 100, wrong))
	_, err = o.SubmitHeader(raw)
	require.ErrorIs(err, errs.ErrHashMismatch)

	raw2, h2 := rawHeader(t, 101)
	_, err = o.Vote(committers[0], 101, h2.Hash(), true)
	require.NoError(err)
	rec, err := o.SubmitHeader(raw2)
	require.NoError(err)
	require.Equal(h2.Hash(), rec.BlockHash)
	require.Equal(h2.Root, o.StateRoot(101))
	require.Equal(common.Hash{}, o.StateRoot(100))

	_, err = o.SubmitHeader(raw2)
	require.ErrorIs(err, errs.ErrAlreadyFinal)

	_, err = o.SubmitHeader([]byte{0xc0})
	require.ErrorIs(err, errs.ErrMalformedInput)
}

func TestLastConfirmedHeaderOutOfOrder(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)
	require.Equal(HeaderRecord{}, o.LastConfirmedHeader())

	raws := make([][]byte, 3)
	for i := range raws {
		raw, h := rawHeader(t, uint64(200+i))
		raws[i] = raw
		require.NoError(o.AdminApplyBlock(owner, h.Number.Uint64(), h.Hash()))
	}
	for i := len(raws) - 1; i >= 0; i-- {
		_, err := o.SubmitHeader(raws[i])
		require.NoError(err)
		require.Equal(uint64(202), o.LastConfirmedHeader().Number)
	}
}

func TestApplyHeaderVerifierGate(t *testing.T) {
	require := require.New(t)
	o := newOracleWithCommitters(t, 1)
	verifier := common.HexToAddress("0x7e")
	raw, h := rawHeader(t, 300)
	require.NoError(o.AdminApplyBlock(owner, 300, h.Hash()))
	decoded, err := headercodec.Decode(raw)
	require.NoError(err)

	_, err = o.ApplyHeader(verifier, decoded)
	require.ErrorIs(err, errs.ErrNotConfigured)

	require.ErrorIs(o.SetHeaderVerifier(stranger, verifier), errs.ErrUnauthorized)
	require.NoError(o.SetHeaderVerifier(owner, verifier))
	require.Equal(verifier, o.HeaderVerifier())

	_, err = o.ApplyHeader(stranger, decoded)
	require.ErrorIs(err, errs.ErrUnauthorized)
	rec, err := o.ApplyHeader(verifier, decoded)
	require.NoError(err)
	require.Equal(h.ReceiptHash, rec.ReceiptsRoot)
	require.Equal(h.Time, rec.Timestamp)
}

func TestStatePersists(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(err)
	o, err := New(store, Config{Owner: owner})
	require.NoError(err)
	require.NoError(o.AddCommitter(owner, committers[0], false))
	_, err = o.Vote(committers[0], 9, hashA, true)
	require.NoError(err)
	require.NoError(store.Close())

	store, err = storage.Open(dir)
	require.NoError(err)
	defer store.Close()
	o, err = New(store, Config{Owner: owner})
	require.NoError(err)
	require.Equal([]common.Address{committers[0]}, o.Committers())
	require.Equal(uint64(1), o.Threshold())
	require.Equal(hashA, o.BlockHash(9))
	number, _, ok := o.LastConfirmedBlock()
	require.True(ok)
	require.Equal(uint64(9), number)
}

func TestMetrics(t *testing.T) {
	require := require.New(t)
	store, err := storage.OpenMemory()
	require.NoError(err)
	defer store.Close()
	reg := prometheus.NewRegistry()
	o, err := New(store, Config{Owner: owner, Registerer: reg})
	require.NoError(err)
	require.NoError(o.AddCommitter(owner, committers[0], false))
	_, err = o.Vote(committers[0], 1, hashA, true)
	require.NoError(err)

	require.Equal(1.0, testutil.ToFloat64(o.metrics.votes))
	require.Equal(1.0, testutil.ToFloat64(o.metrics.confirmations))
	require.Equal(1.0, testutil.ToFloat64(o.metrics.committers))

	// a second oracle on the same registry collides
	_, err = New(store, Config{Owner: owner, Registerer: reg})
	require.Error(err)
}
