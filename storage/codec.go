package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/hashicorp/go-msgpack/codec"
)

// Encode encodes v with msgpack.
func Encode(v interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes msgpack data into the pointer v.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{})
	return dec.Decode(v)
}

// Uint64Key returns the big-endian form of n, so numeric keys sort in order.
func Uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// KeyUint64 is the inverse of Uint64Key. It returns 0 for keys of the wrong size.
func KeyUint64(key []byte) uint64 {
	if len(key) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// Concat joins key parts.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}
