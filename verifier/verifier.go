// Package verifier decodes submitted block headers and forwards them to an oracle.
package verifier

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/blockrelay/headercodec"
	"github.com/gitzhang10/blockrelay/oracle"
)

// HeaderSink accepts decoded headers from a trusted verifier address.
type HeaderSink interface {
	ApplyHeader(caller common.Address, h *headercodec.Header) (*oracle.HeaderRecord, error)
}

// Verifier is the permissionless entry point for header submission. The oracle only
// accepts headers from the verifier's own address.
type Verifier struct {
	address common.Address
	logger  hclog.Logger
}

// New creates a verifier acting as address.
func New(address common.Address, logger hclog.Logger) *Verifier {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Verifier{address: address, logger: logger}
}

// Address returns the address the verifier calls the oracle with.
func (v *Verifier) Address() common.Address {
	return v.address
}

// SubmitHeader decodes raw and forwards it to sink.
func (v *Verifier) SubmitHeader(sink HeaderSink, raw []byte) (*oracle.HeaderRecord, error) {
	h, err := headercodec.Decode(raw)
	if err != nil {
		v.logger.Debug("rejected header", "error", err)
		return nil, err
	}
	return sink.ApplyHeader(v.address, h)
}

// SubmitHeaders submits several headers in order and stops at the first failure. It returns
// the records stored before the failure.
func (v *Verifier) SubmitHeaders(sink HeaderSink, raws [][]byte) ([]*oracle.HeaderRecord, error) {
	headers, err := headercodec.DecodeMany(raws)
	if err != nil {
		return nil, err
	}
	out := make([]*oracle.HeaderRecord, 0, len(headers))
	for _, h := range headers {
		rec, err := sink.ApplyHeader(v.address, h)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
