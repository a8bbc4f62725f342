// Package taproot derives BIP341 key-path Taproot outputs and the effective
// private scalar that spends them.
package taproot

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// TagCommitment domain-separates the merkle root that binds a swap output to
// the seller's adaptor point.
const TagCommitment = "TANOS/commitment"

// Errors
var (
	ErrInvalidMerkleRoot = errors.New("merkle root must be empty or 32 bytes")
	ErrTweakOverflow     = errors.New("taproot tweak exceeds group order")
	ErrKeyMismatch       = errors.New("private key does not match output internal key")
)

// Output is a key-path Taproot output. It is a pure function of the internal
// key and merkle root and is safe to share read-only.
type Output struct {
	// InternalKey is the key as supplied; InternalOdd records its parity.
	InternalKey secp.Point
	MerkleRoot  []byte
	Tweak       secp.Scalar

	// TweakedKey is the even-Y output key Q; OutputOdd records whether
	// EvenY(P) + tweak·G had to be negated to obtain it.
	TweakedKey   secp.Point
	OutputScript []byte

	InternalOdd bool
	OutputOdd   bool
}

// DeriveOutput computes the Taproot output for internalKey committing to
// merkleRoot (nil for a key-path-only output).
func DeriveOutput(internalKey secp.Point, merkleRoot []byte) (*Output, error) {
	if internalKey.IsIdentity() {
		return nil, fmt.Errorf("internal key: %w", secp.ErrInvalidPoint)
	}
	if len(merkleRoot) != 0 && len(merkleRoot) != 32 {
		return nil, ErrInvalidMerkleRoot
	}

	out := &Output{
		InternalKey: internalKey,
	}
	if len(merkleRoot) > 0 {
		out.MerkleRoot = append([]byte(nil), merkleRoot...)
	}

	h := secp.TaggedHash(secp.TagTapTweak, internalKey.SerializeXOnly(), out.MerkleRoot)
	if overflow := out.Tweak.SetBytes(&h); overflow != 0 {
		return nil, ErrTweakOverflow
	}

	P, internalOdd := internalKey.EvenY()
	Q := secp.Add(P, secp.BaseMul(&out.Tweak))
	if Q.IsIdentity() {
		return nil, fmt.Errorf("output key: %w", secp.ErrInvalidPoint)
	}
	Q, outputOdd := Q.EvenY()

	out.TweakedKey = Q
	out.InternalOdd = internalOdd
	out.OutputOdd = outputOdd
	out.OutputScript = OutputScript(Q)
	return out, nil
}

// OutputScript returns OP_1 <32-byte x-only key>.
func OutputScript(outputKey secp.Point) []byte {
	script := make([]byte, 0, 34)
	script = append(script, txscript.OP_1, txscript.OP_DATA_32)
	return append(script, outputKey.SerializeXOnly()...)
}

// EffectiveKey returns the scalar whose public key is the output key Q: the
// private key is negated if x·G has odd Y, the tweak is added, and the sum is
// negated if the untweaked output point had odd Y.
func EffectiveKey(x *secp.Scalar, out *Output) (*secp.Scalar, error) {
	if x == nil || x.IsZero() {
		return nil, secp.ErrInvalidKey
	}
	P := secp.BaseMul(x)
	if P.X() != out.InternalKey.X() {
		return nil, ErrKeyMismatch
	}

	d := new(secp.Scalar).Set(x)
	if !P.HasEvenY() {
		d.Negate()
	}
	d.Add(&out.Tweak)
	if out.OutputOdd {
		d.Negate()
	}
	return d, nil
}

// SignForSpend produces the 64-byte BIP340 key-path signature over sighash.
func SignForSpend(e *adaptor.Engine, x *secp.Scalar, out *Output, sighash []byte) ([]byte, error) {
	d, err := EffectiveKey(x, out)
	if err != nil {
		return nil, err
	}
	defer d.Zero()
	return e.Sign(d, sighash)
}

// CommitmentRoot returns the merkle root that ties a buyer's output to the
// adaptor point T: H_TANOS/commitment(compressed(P + T)).
func CommitmentRoot(internalKey, T secp.Point) ([]byte, error) {
	if internalKey.IsIdentity() || T.IsIdentity() {
		return nil, secp.ErrInvalidPoint
	}
	sum := secp.Add(internalKey, T)
	if sum.IsIdentity() {
		return nil, fmt.Errorf("internal key + adaptor point: %w", secp.ErrInvalidPoint)
	}
	h := secp.TaggedHash(TagCommitment, sum.SerializeCompressed())
	return h[:], nil
}

// Address encodes the output as a bech32m P2TR address.
func (o *Output) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressTaproot(o.TweakedKey.SerializeXOnly(), params)
	if err != nil {
		return "", fmt.Errorf("failed to encode taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
