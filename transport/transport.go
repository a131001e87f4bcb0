/*
Package transport defines the cross-chain messaging contract the relay is built on and
provides two endpoints implementing it: Hub, an in-process multi-chain endpoint, and
NetEndpoint, which carries packets between daemons over signed TCP frames.

Delivery is asynchronous and at least once. A packet whose receiver fails stays queued and
is delivered again later.
*/
package transport

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/lzcodec"
)

// Origin identifies where an inbound message comes from.
type Origin struct {
	SrcEID uint32
	Sender common.Hash
	Nonce  uint64
}

// MessagingParams describes one outbound message.
type MessagingParams struct {
	DstEID       uint32
	Receiver     common.Hash
	Message      []byte
	Options      []byte
	PayInLzToken bool
}

// MessagingFee is the price of sending a message.
type MessagingFee struct {
	NativeFee  *uint256.Int
	LzTokenFee *uint256.Int
}

// MessagingReceipt is returned by Send. GUID correlates the message with its response.
type MessagingReceipt struct {
	GUID  common.Hash
	Nonce uint64
	Fee   MessagingFee
}

// Endpoint sends messages to other chains.
type Endpoint interface {
	// Address is the caller identity the endpoint uses when delivering messages.
	Address() common.Address
	Quote(params MessagingParams, sender common.Address) (MessagingFee, error)
	// Send charges call.Value, which must cover the quoted fee, and returns the excess to
	// refund.
	Send(call ledger.Call, params MessagingParams, refund common.Address) (MessagingReceipt, error)
}

// Receiver handles delivered messages. call.From is the delivering endpoint and call.Value
// the native value the sender attached for execution.
type Receiver interface {
	LzReceive(ctx context.Context, call ledger.Call, origin Origin, guid common.Hash, message []byte,
		executor common.Address, extra []byte) error
}

// OriginVerifier decides whether a delivery may be trusted.
type OriginVerifier interface {
	VerifyOrigin(caller common.Address, origin Origin) error
}

// AddressToBytes32 left-pads an address to the 32-byte form used in origins and receivers.
func AddressToBytes32(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// Bytes32ToAddress is the inverse of AddressToBytes32.
func Bytes32ToAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

// GUID derives the global id of a message.
func GUID(nonce uint64, srcEID uint32, sender common.Address, dstEID uint32, receiver common.Hash) common.Hash {
	buf := make([]byte, 0, 8+4+32+4+32)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint32(buf, srcEID)
	buf = append(buf, AddressToBytes32(sender).Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, dstEID)
	buf = append(buf, receiver.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// EndpointAddress is the deterministic address of the endpoint of chain eid.
func EndpointAddress(eid uint32) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("blockrelay/endpoint"), binary.BigEndian.AppendUint32(nil, eid)))
}

// FeeSchedule prices messages towards one destination.
type FeeSchedule struct {
	Base      *uint256.Int
	GasPrice  *uint256.Int
	BytePrice *uint256.Int
}

// DefaultFeeSchedule returns a schedule with small non-zero prices.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Base:      uint256.NewInt(10_000_000_000),
		GasPrice:  uint256.NewInt(1_000_000),
		BytePrice: uint256.NewInt(100_000_000),
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Price returns the native fee of a message with the given options and the part of it
// that is native value forwarded to the receiver. Read messages also pay for the response
// size.
func (s FeeSchedule) Price(options []byte, read bool) (fee, forwarded *uint256.Int, err error) {
	var opts []lzcodec.ExecutorOption
	if len(options) > 0 {
		if opts, err = lzcodec.DecodeOptions(options); err != nil {
			return nil, nil, err
		}
	}
	gas, value, dataSize := lzcodec.Totals(opts)
	fee = new(uint256.Int).Set(orZero(s.Base))
	fee.Add(fee, new(uint256.Int).Mul(uint256.NewInt(gas), orZero(s.GasPrice)))
	if read {
		fee.Add(fee, new(uint256.Int).Mul(uint256.NewInt(uint64(dataSize)), orZero(s.BytePrice)))
	}
	fee.Add(fee, value)
	return fee, value, nil
}

func checkParams(params MessagingParams) error {
	if params.PayInLzToken {
		return errors.Wrap(errs.ErrInvalidArgument, "paying in lz token is not supported")
	}
	return nil
}
