package adaptor

import (
	"fmt"

	"github.com/klingon-exchange/tanos/pkg/secp"
)

// MinEncodedSize is the size of an encoded adaptor signature with an empty
// message: R'.x (32) || s (32) || P compressed (33).
const MinEncodedSize = 32 + 32 + secp.CompressedSize

// Serialize encodes sig as R'.x || s || P (33-byte compressed) || message.
func (sig *Signature) Serialize() []byte {
	out := make([]byte, 0, MinEncodedSize+len(sig.Message))
	out = append(out, sig.NoncePoint.SerializeXOnly()...)
	out = append(out, secp.ScalarBytes(&sig.S)...)
	out = append(out, sig.PubKey.SerializeCompressed()...)
	out = append(out, sig.Message...)
	return out
}

// Parse decodes an adaptor signature produced by Serialize. The nonce point
// is lifted to its even-Y representative and the public key must be even.
func Parse(b []byte) (*Signature, error) {
	if len(b) < MinEncodedSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrMalformedSignature, MinEncodedSize, len(b))
	}

	var sig Signature
	var err error
	if sig.NoncePoint, err = secp.LiftX(b[0:32]); err != nil {
		return nil, fmt.Errorf("nonce point: %w", err)
	}
	if overflow := sig.S.SetByteSlice(b[32:64]); overflow {
		return nil, fmt.Errorf("%w: s >= group order", ErrMalformedSignature)
	}
	if sig.PubKey, err = secp.ParseCompressed(b[64:MinEncodedSize]); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if !sig.PubKey.HasEvenY() {
		return nil, fmt.Errorf("%w: public key must have even Y", ErrMalformedSignature)
	}
	sig.Message = append([]byte(nil), b[MinEncodedSize:]...)
	return &sig, nil
}

// Equal reports whether two adaptor signatures are identical.
func (sig *Signature) Equal(other *Signature) bool {
	if sig == nil || other == nil {
		return sig == other
	}
	return sig.NoncePoint.Equal(other.NoncePoint) &&
		sig.S.Equals(&other.S) &&
		sig.PubKey.Equal(other.PubKey) &&
		string(sig.Message) == string(other.Message)
}
