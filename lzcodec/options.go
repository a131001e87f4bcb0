package lzcodec

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/errs"
)

// OptionKind selects the body layout of an executor option.
type OptionKind uint8

const (
	OptionReceive          OptionKind = 1
	OptionNativeDrop       OptionKind = 2
	OptionCompose          OptionKind = 3
	OptionOrderedExecution OptionKind = 4
	OptionRead             OptionKind = 5
)

func (k OptionKind) String() string {
	switch k {
	case OptionReceive:
		return "receive"
	case OptionNativeDrop:
		return "native-drop"
	case OptionCompose:
		return "compose"
	case OptionOrderedExecution:
		return "ordered-execution"
	case OptionRead:
		return "read"
	default:
		return "unknown"
	}
}

const (
	// OptionsFormat is the version prefix of an options string.
	OptionsFormat uint16 = 3
	// ExecutorWorkerID marks options addressed to the executor.
	ExecutorWorkerID uint8 = 1

	// MaxOptionsSize bounds an encoded options string.
	MaxOptionsSize = 160
)

// ExecutorOption is one option for the executor. Which fields are used depends on Kind:
// receive uses Gas and Value, read uses Gas, DataSize and Value, native-drop uses Amount
// and Receiver, compose uses Index, Gas and Value. Value is only encoded when non-zero.
type ExecutorOption struct {
	Kind     OptionKind
	Gas      uint64
	Value    *uint256.Int
	DataSize uint32
	Index    uint16
	Amount   *uint256.Int
	Receiver common.Hash
}

func (o ExecutorOption) hasValue() bool {
	return o.Value != nil && !o.Value.IsZero()
}

func (o ExecutorOption) bodySize() int {
	size := 0
	switch o.Kind {
	case OptionReceive:
		size = 16
	case OptionRead:
		size = 16 + 4
	case OptionCompose:
		size = 2 + 16
	case OptionNativeDrop:
		return 16 + 32
	case OptionOrderedExecution:
		return 0
	}
	if o.hasValue() {
		size += 16
	}
	return size
}

// OptionsBuilder accumulates executor options behind a single format header.
type OptionsBuilder struct {
	p *packer
}

// NewOptions starts an options string.
func NewOptions() *OptionsBuilder {
	p := newPacker(MaxOptionsSize)
	p.u16(OptionsFormat, "options format")
	return &OptionsBuilder{p: p}
}

// Add appends one executor option.
func (b *OptionsBuilder) Add(o ExecutorOption) *OptionsBuilder {
	p := b.p
	switch o.Kind {
	case OptionReceive, OptionRead, OptionCompose, OptionNativeDrop, OptionOrderedExecution:
	default:
		if p.err == nil {
			p.err = errors.Wrapf(errs.ErrInvalidArgument, "option kind %d", o.Kind)
		}
		return b
	}
	p.u8(ExecutorWorkerID, "worker id")
	p.u16(uint16(o.bodySize()+1), "option size")
	p.u8(uint8(o.Kind), "option kind")
	switch o.Kind {
	case OptionReceive:
		p.u128(uint256.NewInt(o.Gas), "gas")
	case OptionRead:
		p.u128(uint256.NewInt(o.Gas), "gas")
		p.u32(o.DataSize, "data size")
	case OptionCompose:
		p.u16(o.Index, "index")
		p.u128(uint256.NewInt(o.Gas), "gas")
	case OptionNativeDrop:
		p.u128(o.Amount, "amount")
		p.raw(o.Receiver.Bytes(), "receiver")
	}
	if o.Kind != OptionNativeDrop && o.Kind != OptionOrderedExecution && o.hasValue() {
		p.u128(o.Value, "value")
	}
	return b
}

// AddReceive appends a receive option.
func (b *OptionsBuilder) AddReceive(gas uint64, value *uint256.Int) *OptionsBuilder {
	return b.Add(ExecutorOption{Kind: OptionReceive, Gas: gas, Value: value})
}

// AddRead appends a read option expecting a response of dataSize bytes.
func (b *OptionsBuilder) AddRead(gas uint64, dataSize uint32, value *uint256.Int) *OptionsBuilder {
	return b.Add(ExecutorOption{Kind: OptionRead, Gas: gas, DataSize: dataSize, Value: value})
}

// Bytes returns the encoded options.
func (b *OptionsBuilder) Bytes() ([]byte, error) {
	return b.p.bytes()
}

// EncodeExecutionOption encodes a single executor option with its format header.
func EncodeExecutionOption(o ExecutorOption) ([]byte, error) {
	return NewOptions().Add(o).Bytes()
}

// DecodeOptions parses an options string. Each option is read by its declared size.
func DecodeOptions(b []byte) ([]ExecutorOption, error) {
	if len(b) > MaxOptionsSize {
		return nil, errors.Wrapf(errs.ErrMalformedInput, "options of %d bytes", len(b))
	}
	u := &unpacker{buf: b}
	u.expect(uint64(OptionsFormat), uint64(u.u16("options format")), "options format")
	var opts []ExecutorOption
	for u.err == nil && u.remaining() > 0 {
		u.expect(uint64(ExecutorWorkerID), uint64(u.u8("worker id")), "worker id")
		size := int(u.u16("option size"))
		if u.err == nil && size == 0 {
			return nil, errors.Wrap(errs.ErrMalformedInput, "option size 0")
		}
		body := u.take(size, "option")
		if u.err != nil {
			break
		}
		o, err := decodeOption(OptionKind(body[0]), body[1:])
		if err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}
	if u.err != nil {
		return nil, u.err
	}
	return opts, nil
}

func decodeOption(kind OptionKind, body []byte) (ExecutorOption, error) {
	o := ExecutorOption{Kind: kind}
	u := &unpacker{buf: body}
	switch kind {
	case OptionReceive:
		o.Gas = gas(u)
	case OptionRead:
		o.Gas = gas(u)
		o.DataSize = u.u32("data size")
	case OptionCompose:
		o.Index = u.u16("index")
		o.Gas = gas(u)
	case OptionNativeDrop:
		o.Amount = u.u128("amount")
		o.Receiver = common.BytesToHash(u.take(32, "receiver"))
	case OptionOrderedExecution:
	default:
		return o, errors.Wrapf(errs.ErrMalformedInput, "option kind %d", kind)
	}
	if kind != OptionNativeDrop && kind != OptionOrderedExecution && u.err == nil && u.remaining() > 0 {
		o.Value = u.u128("value")
	}
	if u.err == nil && u.remaining() != 0 {
		return o, errors.Wrapf(errs.ErrMalformedInput, "%s option has %d trailing bytes", kind, u.remaining())
	}
	return o, u.err
}

func gas(u *unpacker) uint64 {
	g := u.u128("gas")
	if u.err == nil && !g.IsUint64() {
		u.err = errors.Wrap(errs.ErrMalformedInput, "gas does not fit in 64 bits")
	}
	return g.Uint64()
}

// Totals sums what the executor must provide for a set of options: gas, native value
// (including native drops) and the largest expected response size.
func Totals(opts []ExecutorOption) (gas uint64, value *uint256.Int, dataSize uint32) {
	value = new(uint256.Int)
	for _, o := range opts {
		gas += o.Gas
		if o.Value != nil {
			value.Add(value, o.Value)
		}
		if o.Amount != nil {
			value.Add(value, o.Amount)
		}
		if o.DataSize > dataSize {
			dataSize = o.DataSize
		}
	}
	return gas, value, dataSize
}
