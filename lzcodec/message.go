package lzcodec

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

// BlockMessageSize is the size of an encoded (uint256, bytes32) pair. It is also the
// response size announced in read options.
const BlockMessageSize = 64

var (
	uint256Type = mustType("uint256")
	bytes32Type = mustType("bytes32")
	boolType    = mustType("bool")

	blockMessageArgs = abi.Arguments{{Name: "number", Type: uint256Type}, {Name: "hash", Type: bytes32Type}}
	getBlockHashArgs = abi.Arguments{{Name: "number", Type: uint256Type}, {Name: "avoidFailure", Type: boolType}}
	getBlockHashID   = crypto.Keccak256([]byte("get_blockhash(uint256,bool)"))[:4]
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// EncodeBlockMessage encodes a block number and hash.
func EncodeBlockMessage(number uint64, hash common.Hash) ([]byte, error) {
	return blockMessageArgs.Pack(new(big.Int).SetUint64(number), [32]byte(hash))
}

// DecodeBlockMessage decodes a block number and hash. Numbers beyond 64 bits are rejected.
func DecodeBlockMessage(msg []byte) (uint64, common.Hash, error) {
	if len(msg) != BlockMessageSize {
		return 0, common.Hash{}, errors.Wrapf(errs.ErrMalformedInput, "block message of %d bytes", len(msg))
	}
	vals, err := blockMessageArgs.Unpack(msg)
	if err != nil {
		return 0, common.Hash{}, errors.Wrapf(errs.ErrMalformedInput, "block message: %v", err)
	}
	number := vals[0].(*big.Int)
	if !number.IsUint64() {
		return 0, common.Hash{}, errors.Wrapf(errs.ErrMalformedInput, "block number %s exceeds 64 bits", number)
	}
	return number.Uint64(), common.Hash(vals[1].([32]byte)), nil
}

// EncodeGetBlockHashCall returns the call data of get_blockhash(number, avoidFailure) on
// the source chain's block view. Number 0 lets the view choose its own safe default.
func EncodeGetBlockHashCall(number uint64, avoidFailure bool) ([]byte, error) {
	args, err := getBlockHashArgs.Pack(new(big.Int).SetUint64(number), avoidFailure)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), getBlockHashID...), args...), nil
}

// DecodeGetBlockHashCall is the inverse of EncodeGetBlockHashCall.
func DecodeGetBlockHashCall(data []byte) (number uint64, avoidFailure bool, err error) {
	if len(data) < 4 || !bytes.Equal(data[:4], getBlockHashID) {
		return 0, false, errors.Wrap(errs.ErrMalformedInput, "not a get_blockhash call")
	}
	vals, err := getBlockHashArgs.Unpack(data[4:])
	if err != nil {
		return 0, false, errors.Wrapf(errs.ErrMalformedInput, "get_blockhash arguments: %v", err)
	}
	n := vals[0].(*big.Int)
	if !n.IsUint64() {
		return 0, false, errors.Wrapf(errs.ErrMalformedInput, "block number %s exceeds 64 bits", n)
	}
	return n.Uint64(), vals[1].(bool), nil
}

// GetBlockHashSelector returns the 4-byte selector of get_blockhash(uint256,bool).
func GetBlockHashSelector() []byte {
	return append([]byte(nil), getBlockHashID...)
}
