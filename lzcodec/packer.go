package lzcodec

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

// packer appends fixed-width big-endian fields and enforces a capacity.
type packer struct {
	buf      []byte
	capacity int
	err      error
}

func newPacker(capacity int) *packer {
	return &packer{buf: make([]byte, 0, capacity), capacity: capacity}
}

func (p *packer) grow(n int, field string) bool {
	if p.err != nil {
		return false
	}
	if len(p.buf)+n > p.capacity {
		p.err = errors.Wrapf(errs.ErrInvalidArgument, "%s: encoding exceeds %d bytes", field, p.capacity)
		return false
	}
	return true
}

func (p *packer) u8(v uint8, field string) {
	if p.grow(1, field) {
		p.buf = append(p.buf, v)
	}
}

func (p *packer) u16(v uint16, field string) {
	if p.grow(2, field) {
		p.buf = binary.BigEndian.AppendUint16(p.buf, v)
	}
}

func (p *packer) u32(v uint32, field string) {
	if p.grow(4, field) {
		p.buf = binary.BigEndian.AppendUint32(p.buf, v)
	}
}

func (p *packer) u64(v uint64, field string) {
	if p.grow(8, field) {
		p.buf = binary.BigEndian.AppendUint64(p.buf, v)
	}
}

// u128 writes the low 16 bytes of v. Values wider than 128 bits are rejected.
func (p *packer) u128(v *uint256.Int, field string) {
	if p.err != nil {
		return
	}
	if v == nil {
		v = new(uint256.Int)
	}
	if v.BitLen() > 128 {
		p.err = errors.Wrapf(errs.ErrInvalidArgument, "%s: value does not fit in 128 bits", field)
		return
	}
	if p.grow(16, field) {
		b := v.Bytes32()
		p.buf = append(p.buf, b[16:]...)
	}
}

func (p *packer) raw(b []byte, field string) {
	if p.grow(len(b), field) {
		p.buf = append(p.buf, b...)
	}
}

func (p *packer) bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf, nil
}

// unpacker is the reading counterpart of packer.
type unpacker struct {
	buf []byte
	pos int
	err error
}

func (u *unpacker) take(n int, field string) []byte {
	if u.err != nil {
		return nil
	}
	if u.pos+n > len(u.buf) {
		u.err = errors.Wrapf(errs.ErrMalformedInput, "%s: need %d bytes at offset %d, have %d", field, n, u.pos, len(u.buf)-u.pos)
		return nil
	}
	b := u.buf[u.pos : u.pos+n]
	u.pos += n
	return b
}

func (u *unpacker) u8(field string) uint8 {
	if b := u.take(1, field); b != nil {
		return b[0]
	}
	return 0
}

func (u *unpacker) u16(field string) uint16 {
	if b := u.take(2, field); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (u *unpacker) u32(field string) uint32 {
	if b := u.take(4, field); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (u *unpacker) u64(field string) uint64 {
	if b := u.take(8, field); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (u *unpacker) u128(field string) *uint256.Int {
	if b := u.take(16, field); b != nil {
		return new(uint256.Int).SetBytes(b)
	}
	return new(uint256.Int)
}

func (u *unpacker) remaining() int {
	return len(u.buf) - u.pos
}

func (u *unpacker) expect(want uint64, got uint64, field string) {
	if u.err == nil && want != got {
		u.err = errors.Wrapf(errs.ErrMalformedInput, "%s: got %d, want %d", field, got, want)
	}
}
