/*
Package source executes read requests against the source chain.

A Caller answers one decoded read request with the raw bytes the view call returned.
ChainView emulates the source chain's block view over an in-memory header chain, and
EthCaller performs the call against a live node over JSON-RPC.
*/
package source

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/lzcodec"
)

const (
	// MinBlockAge is the youngest block the view answers for, counted back from the head.
	MinBlockAge = 65
	// MaxBlockAge is the oldest block the view answers for.
	MaxBlockAge = 8192
)

// Caller executes the view call described by a read request.
type Caller interface {
	Call(ctx context.Context, req *lzcodec.ReadRequest) ([]byte, error)
}

// ChainView is a block view over an in-memory chain of headers.
type ChainView struct {
	lock    sync.RWMutex
	address common.Address
	headers []*types.Header // index == number
	cache   *lru.Cache      // number -> common.Hash
}

// NewChainView creates a view deployed at address with a genesis header.
func NewChainView(address common.Address, cacheSize int) (*ChainView, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create header cache")
	}
	genesis := &types.Header{
		UncleHash:  types.EmptyUncleHash,
		Root:       types.EmptyRootHash,
		TxHash:     types.EmptyRootHash,
		Difficulty: big.NewInt(0),
		Number:     big.NewInt(0),
		Extra:      []byte("blockrelay genesis"),
	}
	return &ChainView{address: address, headers: []*types.Header{genesis}, cache: cache}, nil
}

// Address returns the address requests must target.
func (v *ChainView) Address() common.Address {
	return v.address
}

// Grow appends count headers, each a child of the previous head, spaced 12 seconds apart.
func (v *ChainView) Grow(count int) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for i := 0; i < count; i++ {
		parent := v.headers[len(v.headers)-1]
		number := uint64(len(v.headers))
		root := common.BigToHash(new(big.Int).SetUint64(number * 0x9e3779b97f4a7c15))
		v.headers = append(v.headers, &types.Header{
			ParentHash:  parent.Hash(),
			UncleHash:   types.EmptyUncleHash,
			Coinbase:    common.BytesToAddress([]byte("blockrelay")),
			Root:        root,
			TxHash:      types.EmptyRootHash,
			ReceiptHash: types.EmptyRootHash,
			Difficulty:  big.NewInt(0),
			Number:      new(big.Int).SetUint64(number),
			GasLimit:    30_000_000,
			Time:        parent.Time + 12,
			Extra:       []byte{},
			BaseFee:     big.NewInt(1_000_000_000),
		})
	}
}

// Head returns the number of the newest header.
func (v *ChainView) Head() uint64 {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return uint64(len(v.headers) - 1)
}

// Header returns the header of number.
func (v *ChainView) Header(number uint64) (*types.Header, bool) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	if number >= uint64(len(v.headers)) {
		return nil, false
	}
	return types.CopyHeader(v.headers[number]), true
}

// RawHeader returns the RLP encoding of the header of number.
func (v *ChainView) RawHeader(number uint64) ([]byte, error) {
	h, ok := v.Header(number)
	if !ok {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "no header %d", number)
	}
	return rlp.EncodeToBytes(h)
}

func (v *ChainView) hashOf(number uint64) common.Hash {
	if cached, ok := v.cache.Get(number); ok {
		return cached.(common.Hash)
	}
	v.lock.RLock()
	hash := v.headers[number].Hash()
	v.lock.RUnlock()
	v.cache.Add(number, hash)
	return hash
}

// GetBlockHash answers get_blockhash(number, avoidFailure). Number 0 selects the default
// block, MinBlockAge below the head. Outside [head-MaxBlockAge, head-MinBlockAge] it fails,
// or returns (0, zero hash) when avoidFailure is set.
func (v *ChainView) GetBlockHash(number uint64, avoidFailure bool) (uint64, common.Hash, error) {
	head := v.Head()
	if number == 0 && head >= MinBlockAge {
		number = head - MinBlockAge
	}
	inWindow := head >= MinBlockAge && number <= head-MinBlockAge && (head < MaxBlockAge || number >= head-MaxBlockAge)
	if !inWindow {
		if avoidFailure {
			return 0, common.Hash{}, nil
		}
		return 0, common.Hash{}, errors.Wrapf(errs.ErrInvalidArgument, "block %d outside the window of head %d", number, head)
	}
	return number, v.hashOf(number), nil
}

// Call implements Caller.
func (v *ChainView) Call(_ context.Context, req *lzcodec.ReadRequest) ([]byte, error) {
	if req.Target != v.address {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "no view at %s", req.Target.Hex())
	}
	number, avoidFailure, err := lzcodec.DecodeGetBlockHashCall(req.CallData)
	if err != nil {
		return nil, err
	}
	n, hash, err := v.GetBlockHash(number, avoidFailure)
	if err != nil {
		return nil, err
	}
	return lzcodec.EncodeBlockMessage(n, hash)
}
