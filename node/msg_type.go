package node

import (
	"encoding/binary"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gitzhang10/blockrelay/transport"
)

const (
	PacketTag uint8 = iota
	AttestationTag
)

// Attestation carries one node's threshold partial signature over a confirmed block.
type Attestation struct {
	Sender     string
	Number     uint64
	Hash       []byte
	PartialSig []byte
}

// Certificate is a recovered threshold signature over a confirmed block.
type Certificate struct {
	Number    uint64
	Hash      common.Hash
	Signature []byte
}

type certificateRecord struct {
	Hash      []byte
	Signature []byte
}

var reflectedTypesMap = map[uint8]reflect.Type{
	PacketTag:      reflect.TypeOf(transport.PacketMsg{}),
	AttestationTag: reflect.TypeOf(Attestation{}),
}

// blockDigest is the value the threshold signature covers.
func blockDigest(number uint64, hash common.Hash) []byte {
	buf := binary.BigEndian.AppendUint64(make([]byte, 0, 40), number)
	return crypto.Keccak256(append(buf, hash.Bytes()...))
}

// digest is the value the sender's ED25519 signature covers.
func (a *Attestation) digest() []byte {
	buf := append([]byte(a.Sender), 0)
	buf = binary.BigEndian.AppendUint64(buf, a.Number)
	buf = append(buf, a.Hash...)
	return crypto.Keccak256(append(buf, a.PartialSig...))
}

// RelayAddress is the address a daemon's relay uses on its chain.
func RelayAddress(eid uint32) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("blockrelay/relay"), binary.BigEndian.AppendUint32(nil, eid)))
}
