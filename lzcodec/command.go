/*
Package lzcodec encodes the byte strings exchanged with the cross-chain transport:
read commands, executor options and the block messages carried between relays.

Commands and options use fixed-width big-endian integers so their sizes stay static.
Block messages use the ABI layout of (uint256, bytes32), which is what the source chain's
view returns and what peer relays expect.
*/
package lzcodec

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

const (
	// CmdVersion is the format version of a read command.
	CmdVersion uint16 = 1
	// RequestVersion is the format version of one request inside a command.
	RequestVersion uint8 = 1
	// ResolverSingleViewCall resolves a request with one view call on the target chain.
	ResolverSingleViewCall uint16 = 1

	// MaxReadCommandSize bounds an encoded read command.
	MaxReadCommandSize = 256

	cmdHeaderSize     = 2 + 2 + 2
	requestHeaderSize = 1 + 2 + 2 + 2
	// requestFixedSize covers target eid, flag, anchor, confirmations and target address.
	requestFixedSize = 4 + 1 + 8 + 2 + common.AddressLength
)

// ReadRequest is the single request carried by a read command.
type ReadRequest struct {
	AppLabel      uint16
	RequestLabel  uint16
	TargetEID     uint32
	IsBlockNumber bool
	// Anchor is a block number or a timestamp depending on IsBlockNumber.
	Anchor        uint64
	Confirmations uint16
	Target        common.Address
	CallData      []byte
}

// EncodeReadCommand encodes req as a command with exactly one request.
func EncodeReadCommand(req ReadRequest) ([]byte, error) {
	payloadSize := requestFixedSize + len(req.CallData)
	if payloadSize > 0xffff {
		return nil, errors.Wrapf(errs.ErrInvalidArgument, "call data of %d bytes", len(req.CallData))
	}
	p := newPacker(MaxReadCommandSize)
	p.u16(CmdVersion, "command version")
	p.u16(req.AppLabel, "app label")
	p.u16(1, "request count")
	p.u8(RequestVersion, "request version")
	p.u16(req.RequestLabel, "request label")
	p.u16(ResolverSingleViewCall, "resolver type")
	p.u16(uint16(payloadSize), "payload size")
	p.u32(req.TargetEID, "target eid")
	if req.IsBlockNumber {
		p.u8(1, "block number flag")
	} else {
		p.u8(0, "block number flag")
	}
	p.u64(req.Anchor, "anchor")
	p.u16(req.Confirmations, "confirmations")
	p.raw(req.Target.Bytes(), "target")
	p.raw(req.CallData, "call data")
	return p.bytes()
}

// DecodeReadCommand is the inverse of EncodeReadCommand. Executors use it to find out
// what to call on the target chain.
func DecodeReadCommand(cmd []byte) (*ReadRequest, error) {
	if len(cmd) > MaxReadCommandSize {
		return nil, errors.Wrapf(errs.ErrMalformedInput, "command of %d bytes", len(cmd))
	}
	u := &unpacker{buf: cmd}
	var req ReadRequest
	u.expect(uint64(CmdVersion), uint64(u.u16("command version")), "command version")
	req.AppLabel = u.u16("app label")
	u.expect(1, uint64(u.u16("request count")), "request count")
	u.expect(uint64(RequestVersion), uint64(u.u8("request version")), "request version")
	req.RequestLabel = u.u16("request label")
	u.expect(uint64(ResolverSingleViewCall), uint64(u.u16("resolver type")), "resolver type")
	size := int(u.u16("payload size"))
	if u.err == nil && (size < requestFixedSize || size != u.remaining()) {
		return nil, errors.Wrapf(errs.ErrMalformedInput, "payload size %d, %d bytes left", size, u.remaining())
	}
	req.TargetEID = u.u32("target eid")
	switch flag := u.u8("block number flag"); flag {
	case 0:
	case 1:
		req.IsBlockNumber = true
	default:
		u.expect(1, uint64(flag), "block number flag")
	}
	req.Anchor = u.u64("anchor")
	req.Confirmations = u.u16("confirmations")
	req.Target = common.BytesToAddress(u.take(common.AddressLength, "target"))
	req.CallData = append([]byte(nil), u.take(u.remaining(), "call data")...)
	if u.err != nil {
		return nil, u.err
	}
	return &req, nil
}

// EncodedReadCommandSize returns the size EncodeReadCommand produces for the call data.
func EncodedReadCommandSize(callDataSize int) int {
	return cmdHeaderSize + requestHeaderSize + requestFixedSize + callDataSize
}
