package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Count uint64
}

func TestBatchIsAtomic(t *testing.T) {
	require := require.New(t)
	s, err := OpenMemory()
	require.NoError(err)
	defer s.Close()

	const tbl = Table("test")
	b := s.NewBatch()
	b.Put(tbl, []byte("a"), []byte{1})
	b.Put(tbl, []byte("b"), []byte{2})

	_, ok, err := s.Get(tbl, []byte("a"))
	require.NoError(err)
	require.False(ok, "staged writes must not be visible before commit")

	require.NoError(b.Commit())
	v, ok, err := s.Get(tbl, []byte("b"))
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte{2}, v)
}

func TestObjectRoundTripAndIterate(t *testing.T) {
	require := require.New(t)
	s, err := OpenMemory()
	require.NoError(err)
	defer s.Close()

	const tbl = Table("records")
	b := s.NewBatch()
	for i := uint64(3); i > 0; i-- {
		b.PutObject(tbl, Uint64Key(i), record{Name: "r", Count: i})
	}
	b.PutObject(Table("recordsx"), Uint64Key(9), record{Name: "other"})
	require.NoError(b.Commit())

	var got record
	ok, err := s.GetObject(tbl, Uint64Key(2), &got)
	require.NoError(err)
	require.True(ok)
	require.Equal(record{Name: "r", Count: 2}, got)

	var keys []uint64
	require.NoError(s.Iterate(tbl, func(k, _ []byte) error {
		keys = append(keys, KeyUint64(k))
		return nil
	}))
	require.Equal([]uint64{1, 2, 3}, keys)
}

func TestIteratePrefix(t *testing.T) {
	require := require.New(t)
	s, err := OpenMemory()
	require.NoError(err)
	defer s.Close()

	const tbl = Table("votes")
	b := s.NewBatch()
	b.Put(tbl, Concat([]byte{0xc1}, Uint64Key(7)), []byte{1})
	b.Put(tbl, Concat([]byte{0xc1}, Uint64Key(9)), []byte{2})
	b.Put(tbl, Concat([]byte{0xc2}, Uint64Key(7)), []byte{3})
	require.NoError(b.Commit())

	var numbers []uint64
	require.NoError(s.IteratePrefix(tbl, []byte{0xc1}, func(k, _ []byte) error {
		require.Equal(byte(0xc1), k[0])
		numbers = append(numbers, KeyUint64(k[1:]))
		return nil
	}))
	require.Equal([]uint64{7, 9}, numbers)
}

func TestDeleteAndHas(t *testing.T) {
	require := require.New(t)
	s, err := OpenMemory()
	require.NoError(err)
	defer s.Close()

	const tbl = Table("t")
	b := s.NewBatch()
	b.Put(tbl, []byte("k"), []byte("v"))
	require.NoError(b.Commit())

	ok, err := s.Has(tbl, []byte("k"))
	require.NoError(err)
	require.True(ok)

	b = s.NewBatch()
	b.Delete(tbl, []byte("k"))
	require.NoError(b.Commit())
	ok, err = s.Has(tbl, []byte("k"))
	require.NoError(err)
	require.False(ok)
}
