/*
Package headercodec recovers the fields this system needs from an RLP encoded block header
and derives the header's content hash.

The decoder walks the header list field by field and stops right after the timestamp.
Fields that follow it (extra data, mix digest, nonce and every post-fork addition) are never
read, so their presence or shape does not affect decoding. The content hash is always the
keccak256 of the complete input, never of the decoded fields.
*/
package headercodec

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

const (
	shortStringStart = 0x80
	longStringStart  = 0xb8 // 0xb7 still denotes a short string of 55 bytes
	listStart        = 0xc0
	longListStart    = 0xf8

	hash32Tag    = 0xa0 // short string of 32 bytes
	address20Tag = 0x94 // short string of 20 bytes

	maxIntegerSize = 32
)

// Header holds the decoded fields of one block header.
type Header struct {
	Hash         common.Hash
	ParentHash   common.Hash
	StateRoot    common.Hash
	ReceiptsRoot common.Hash
	Number       uint64
	Timestamp    uint64
}

// Decode parses raw and returns its header fields. It fails with errs.ErrMalformedInput
// on any overrun or unexpected tag and never returns a partially filled Header.
func Decode(raw []byte) (*Header, error) {
	d := decoder{buf: raw}
	var h Header

	d.listHeader()
	h.ParentHash = d.hash32("parent hash")
	d.hash32("ommers hash")
	d.address20("beneficiary")
	h.StateRoot = d.hash32("state root")
	d.hash32("transactions root")
	h.ReceiptsRoot = d.hash32("receipts root")
	d.skipString("logs bloom")
	d.integer("difficulty")
	h.Number = d.uint64("number")
	d.integer("gas limit")
	d.integer("gas used")
	h.Timestamp = d.uint64("timestamp")

	if d.err != nil {
		return nil, d.err
	}
	h.Hash = crypto.Keccak256Hash(raw)
	return &h, nil
}

// DecodeMany decodes every header of the batch. The first failure aborts the whole batch.
func DecodeMany(raws [][]byte) ([]*Header, error) {
	headers := make([]*Header, 0, len(raws))
	for i, raw := range raws {
		h, err := Decode(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "header %d", i)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// decoder keeps the read offset and the first error. Once err is set every step is a no-op.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = errors.Wrapf(errs.ErrMalformedInput, format, args...)
	}
}

// take returns the next n bytes and advances past them.
func (d *decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) || d.pos+n < d.pos {
		d.fail("%s: need %d bytes at offset %d, have %d", field, n, d.pos, len(d.buf)-d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) tag(field string) byte {
	b := d.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

// listHeader consumes the header of the outer list, short or long form.
func (d *decoder) listHeader() {
	tag := d.tag("list header")
	if d.err != nil {
		return
	}
	switch {
	case tag < listStart:
		d.fail("list header: tag 0x%02x is not a list", tag)
	case tag >= longListStart:
		size := d.take(int(tag-longListStart)+1, "list length")
		if d.err == nil && size[0] == 0 {
			d.fail("list length: leading zero byte")
		}
	}
}

func (d *decoder) exactString(want byte, size int, field string) []byte {
	tag := d.tag(field)
	if d.err != nil {
		return nil
	}
	if tag != want {
		d.fail("%s: tag 0x%02x, want 0x%02x", field, tag, want)
		return nil
	}
	return d.take(size, field)
}

func (d *decoder) hash32(field string) common.Hash {
	return common.BytesToHash(d.exactString(hash32Tag, common.HashLength, field))
}

func (d *decoder) address20(field string) {
	d.exactString(address20Tag, common.AddressLength, field)
}

// skipString consumes a string in any of its three forms: a single inline byte, a short
// string or a long string with a length-of-length prefix.
func (d *decoder) skipString(field string) {
	tag := d.tag(field)
	if d.err != nil {
		return
	}
	switch {
	case tag < shortStringStart:
	case tag < longStringStart:
		d.take(int(tag-shortStringStart), field)
	case tag < listStart:
		lenOfLen := int(tag-longStringStart) + 1
		size := d.take(lenOfLen, field+" length")
		if d.err != nil {
			return
		}
		if size[0] == 0 {
			d.fail("%s length: leading zero byte", field)
			return
		}
		if lenOfLen > 4 {
			d.fail("%s length: %d length bytes", field, lenOfLen)
			return
		}
		var n uint32
		for _, b := range size {
			n = n<<8 | uint32(b)
		}
		d.take(int(n), field)
	default:
		d.fail("%s: tag 0x%02x is a list, want a string", field, tag)
	}
}

// integer consumes a variable-width unsigned integer and returns its big-endian bytes.
// A tag below 0x80 is the value itself.
func (d *decoder) integer(field string) []byte {
	tag := d.tag(field)
	if d.err != nil {
		return nil
	}
	switch {
	case tag < shortStringStart:
		return []byte{tag}
	case tag < longStringStart:
		size := int(tag - shortStringStart)
		if size > maxIntegerSize {
			d.fail("%s: %d bytes exceeds 256 bits", field, size)
			return nil
		}
		return d.take(size, field)
	default:
		d.fail("%s: tag 0x%02x is not a short integer", field, tag)
		return nil
	}
}

func (d *decoder) uint64(field string) uint64 {
	b := d.integer(field)
	if d.err != nil {
		return 0
	}
	if len(b) > 8 {
		d.fail("%s: %d bytes exceeds 64 bits", field, len(b))
		return 0
	}
	var padded [8]byte
	copy(padded[8-len(b):], b)
	return binary.BigEndian.Uint64(padded[:])
}
