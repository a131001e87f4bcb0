package conn

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	blockTag uint8 = iota
	voteTag
)

type blockMsg struct {
	Number uint64
	Hash   []byte
}

type voteMsg struct {
	Committer string
	Number    uint64
}

func newTestTransport(t *testing.T) *NetworkTransport {
	types := map[uint8]reflect.Type{
		blockTag: reflect.TypeOf(blockMsg{}),
		voteTag:  reflect.TypeOf(voteMsg{}),
	}
	tr, err := NewTCPTransport("127.0.0.1:0", &NetworkTransportConfig{MaxPool: 2, Types: types, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendFrames(t *testing.T) {
	require := require.New(t)
	server := newTestTransport(t)
	client := newTestTransport(t)

	require.NoError(client.Send(server.LocalAddr(), blockTag, &blockMsg{Number: 35, Hash: []byte{1, 2}}, []byte("sig")))
	require.NoError(client.Send(server.LocalAddr(), voteTag, &voteMsg{Committer: "c1", Number: 35}, nil))

	select {
	case f := <-server.Frames():
		require.Equal(blockTag, f.Tag)
		require.Equal(blockMsg{Number: 35, Hash: []byte{1, 2}}, f.Msg)
		require.Equal([]byte("sig"), f.Sig)
	case <-time.After(2 * time.Second):
		t.Fatal("no block frame")
	}
	select {
	case f := <-server.Frames():
		require.Equal(voteTag, f.Tag)
		require.Equal(voteMsg{Committer: "c1", Number: 35}, f.Msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no vote frame")
	}

	// the connection went back to the pool
	client.connPoolLock.Lock()
	require.Len(client.connPool[server.LocalAddr()], 1)
	client.connPoolLock.Unlock()
}

func TestSendAfterClose(t *testing.T) {
	server := newTestTransport(t)
	client := newTestTransport(t)
	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Send(server.LocalAddr(), blockTag, &blockMsg{}, nil), ErrTransportShutdown)
	require.True(t, client.IsShutdown())
}
