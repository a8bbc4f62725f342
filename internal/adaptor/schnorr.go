package adaptor

import (
	"bytes"
	"fmt"

	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Sign produces a standard 64-byte BIP340 signature over m, which may be of
// any length. It shares the nonce discipline of Create with T = identity.
func (e *Engine) Sign(x *secp.Scalar, m []byte) ([]byte, error) {
	sig, err := e.sign(x, secp.Identity(), m)
	if err != nil {
		return nil, err
	}
	return Finalize(sig.NoncePoint, &sig.S)
}

// SplitSignature splits a 64-byte BIP340 signature into the even-Y nonce
// point R and the scalar s.
func SplitSignature(sig []byte) (secp.Point, *secp.Scalar, error) {
	if len(sig) != SignatureSize {
		return secp.Point{}, nil, fmt.Errorf("%w: signature must be %d bytes, got %d",
			ErrMalformedSignature, SignatureSize, len(sig))
	}
	R, err := secp.LiftX(sig[:32])
	if err != nil {
		return secp.Point{}, nil, err
	}
	var s secp.Scalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return secp.Point{}, nil, fmt.Errorf("%w: s >= group order", ErrMalformedSignature)
	}
	return R, &s, nil
}

// VerifySchnorr verifies a BIP340 signature over a message of any length
// against a 32-byte x-only public key.
func VerifySchnorr(pubKey []byte, m []byte, sig []byte) bool {
	P, err := secp.LiftX(pubKey)
	if err != nil {
		return false
	}
	if len(sig) != SignatureSize {
		return false
	}

	var s secp.Scalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}

	// R = s·G - e·P, must be finite, even, and match r.
	Rx, err := secp.LiftX(sig[:32])
	if err != nil {
		return false
	}
	ch := Challenge(Rx, P, m)
	R := secp.Sub(secp.BaseMul(&s), secp.Mul(ch, P))
	if R.IsIdentity() || !R.HasEvenY() {
		return false
	}
	x := R.X()
	return bytes.Equal(x[:], sig[:32])
}

// CommitmentPoint returns s·G for a 64-byte BIP340 signature (R, s) over m
// under P, computed publicly as R + e·P. This is the adaptor point a signer
// commits to before revealing s.
func CommitmentPoint(pubKey secp.Point, R secp.Point, m []byte) secp.Point {
	ch := Challenge(R, pubKey, m)
	return secp.Add(R, secp.Mul(ch, pubKey))
}
