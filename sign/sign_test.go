package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	require := require.New(t)
	priv, pub := GenED25519Keys()
	sig := SignEd25519(priv, []byte("frame"))
	ok, err := VerifySignEd25519(pub, []byte("frame"), sig)
	require.NoError(err)
	require.True(ok)
	ok, err = VerifySignEd25519(pub, []byte("other"), sig)
	require.NoError(err)
	require.False(ok)
	_, err = VerifySignEd25519(pub[:5], []byte("frame"), sig)
	require.Error(err)
}

func TestThresholdSignature(t *testing.T) {
	require := require.New(t)
	shares, pubPoly := GenTSKeys(3, 4)
	msg := []byte("block 19426587")

	var partials [][]byte
	for _, s := range shares[:3] {
		p, err := SignTSPartial(s, msg)
		require.NoError(err)
		require.NoError(VerifyTSPartial(pubPoly, msg, p))
		partials = append(partials, p)
	}
	_, err := AssembleIntactTSPartial(partials[:2], pubPoly, msg, 3, 4)
	require.Error(err)

	sig, err := AssembleIntactTSPartial(partials, pubPoly, msg, 3, 4)
	require.NoError(err)
	require.NoError(VerifyTS(pubPoly, msg, sig))
	require.Error(VerifyTS(pubPoly, []byte("block 1"), sig))
}

func TestThresholdKeyEncoding(t *testing.T) {
	require := require.New(t)
	shares, pubPoly := GenTSKeys(2, 3)

	pubBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(err)
	decodedPub, err := DecodeTSPublicKey(pubBytes)
	require.NoError(err)
	require.True(decodedPub.Equal(pubPoly))

	shareBytes, err := EncodeTSPartialKey(shares[1])
	require.NoError(err)
	decodedShare, err := DecodeTSPartialKey(shareBytes)
	require.NoError(err)
	require.Equal(shares[1].I, decodedShare.I)
	require.True(decodedShare.V.Equal(shares[1].V))

	// a share decoded from bytes still signs verifiably
	msg := []byte("m")
	p, err := SignTSPartial(decodedShare, msg)
	require.NoError(err)
	require.NoError(VerifyTSPartial(decodedPub, msg, p))

	_, err = DecodeTSPublicKey(pubBytes[:10])
	require.Error(err)
	_, err = DecodeTSPartialKey(shareBytes[:10])
	require.Error(err)
}
