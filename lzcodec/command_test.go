package lzcodec

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/blockrelay/errs"
)

func testRequest(t *testing.T) ReadRequest {
	callData, err := EncodeGetBlockHashCall(0, true)
	require.NoError(t, err)
	return ReadRequest{
		AppLabel:      0,
		RequestLabel:  1,
		TargetEID:     30101,
		IsBlockNumber: false,
		Anchor:        1_710_338_135,
		Confirmations: 15,
		Target:        common.HexToAddress("0xb5f5f9e6a1b7e1f7a9d2c0c5a8b2f0b1c4d3e2f1"),
		CallData:      callData,
	}
}

func TestEncodeReadCommandLayout(t *testing.T) {
	require := require.New(t)
	req := testRequest(t)
	cmd, err := EncodeReadCommand(req)
	require.NoError(err)
	require.Len(cmd, EncodedReadCommandSize(len(req.CallData)))

	require.Equal(CmdVersion, binary.BigEndian.Uint16(cmd[0:2]))
	require.Equal(req.AppLabel, binary.BigEndian.Uint16(cmd[2:4]))
	require.Equal(uint16(1), binary.BigEndian.Uint16(cmd[4:6]))
	require.Equal(RequestVersion, cmd[6])
	require.Equal(req.RequestLabel, binary.BigEndian.Uint16(cmd[7:9]))
	require.Equal(ResolverSingleViewCall, binary.BigEndian.Uint16(cmd[9:11]))
	require.Equal(uint16(35+len(req.CallData)), binary.BigEndian.Uint16(cmd[11:13]))
	require.Equal(req.TargetEID, binary.BigEndian.Uint32(cmd[13:17]))
	require.Equal(byte(0), cmd[17])
	require.Equal(req.Anchor, binary.BigEndian.Uint64(cmd[18:26]))
	require.Equal(req.Confirmations, binary.BigEndian.Uint16(cmd[26:28]))
	require.Equal(req.Target.Bytes(), cmd[28:48])
	require.Equal(req.CallData, cmd[48:])
}

func TestDecodeReadCommand(t *testing.T) {
	require := require.New(t)
	req := testRequest(t)
	req.IsBlockNumber = true
	cmd, err := EncodeReadCommand(req)
	require.NoError(err)

	got, err := DecodeReadCommand(cmd)
	require.NoError(err)
	require.Equal(req, *got)

	number, avoidFailure, err := DecodeGetBlockHashCall(got.CallData)
	require.NoError(err)
	require.Zero(number)
	require.True(avoidFailure)
}

func TestEncodeReadCommandCapacity(t *testing.T) {
	require := require.New(t)
	req := testRequest(t)
	fits := MaxReadCommandSize - EncodedReadCommandSize(0)
	req.CallData = make([]byte, fits)
	cmd, err := EncodeReadCommand(req)
	require.NoError(err)
	require.Len(cmd, MaxReadCommandSize)

	req.CallData = make([]byte, fits+1)
	_, err = EncodeReadCommand(req)
	require.ErrorIs(err, errs.ErrInvalidArgument)
}

func TestDecodeReadCommandRejects(t *testing.T) {
	cmd, err := EncodeReadCommand(testRequest(t))
	require.NoError(t, err)

	mutate := func(f func([]byte)) []byte {
		b := append([]byte(nil), cmd...)
		f(b)
		return b
	}
	cases := map[string][]byte{
		"empty":            {},
		"version":          mutate(func(b []byte) { b[1] = 2 }),
		"request count":    mutate(func(b []byte) { b[5] = 2 }),
		"request version":  mutate(func(b []byte) { b[6] = 0 }),
		"resolver":         mutate(func(b []byte) { b[10] = 7 }),
		"payload size":     mutate(func(b []byte) { b[12]++ }),
		"block flag":       mutate(func(b []byte) { b[17] = 2 }),
		"truncated":        cmd[:30],
		"trailing garbage": append(append([]byte(nil), cmd...), 0x00),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeReadCommand(raw)
			require.ErrorIs(t, err, errs.ErrMalformedInput)
			require.Nil(t, got)
		})
	}
}
