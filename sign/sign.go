/*
Package sign implements the two signature schemes used between daemons: ED25519 for
authenticating every frame, and threshold BLS over bn256 for confirmation certificates.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs data.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifySignEd25519 checks sig over data.
func VerifySignEd25519(pub ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.Errorf("public key of %d bytes", len(pub))
	}
	return ed25519.Verify(pub, data, sig), nil
}

// GenTSKeys deals n key shares of a t-of-n threshold key.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial produces the partial signature of one share.
func SignTSPartial(priShare *share.PriShare, msg []byte) ([]byte, error) {
	return tbls.Sign(suite, priShare, msg)
}

// VerifyTSPartial checks a partial signature against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, msg, partial []byte) error {
	return tbls.Verify(suite, pubPoly, msg, partial)
}

// AssembleIntactTSPartial recovers the full threshold signature from at least t valid
// partial signatures.
func AssembleIntactTSPartial(partials [][]byte, pubPoly *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, msg, partials, t, n)
}

// VerifyTS checks a recovered threshold signature.
func VerifyTS(pubPoly *share.PubPoly, msg, sig []byte) error {
	return bls.Verify(suite, pubPoly.Commit(), msg, sig)
}

// EncodeTSPublicKey serializes the public polynomial as its base point followed by its
// commitments.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	base, commits := pubPoly.Info()
	out := make([]byte, 0, (len(commits)+1)*suite.G2().PointLen())
	for _, p := range append([]kyber.Point{base}, commits...) {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	size := suite.G2().PointLen()
	if len(data) == 0 || len(data)%size != 0 || len(data)/size < 2 {
		return nil, errors.Errorf("threshold public key of %d bytes", len(data))
	}
	points := make([]kyber.Point, 0, len(data)/size)
	for off := 0; off < len(data); off += size {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[off : off+size]); err != nil {
			return nil, errors.Wrap(err, "decode threshold public key")
		}
		points = append(points, p)
	}
	return share.NewPubPoly(suite.G2(), points[0], points[1:]), nil
}

// EncodeTSPartialKey serializes a key share as its index followed by its scalar.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(priShare.I))
	return append(out, v...), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) != 4+suite.G2().ScalarLen() {
		return nil, errors.Errorf("threshold key share of %d bytes", len(data))
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, errors.Wrap(err, "decode threshold key share")
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data[:4])), V: v}, nil
}
