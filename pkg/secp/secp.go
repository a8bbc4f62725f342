// Package secp provides the secp256k1 scalar and point arithmetic used by the
// swap protocol: scalars mod n, points with an explicit identity, BIP340
// encodings and tagged hashing.
//
// It is a thin layer over btcec/v2 (which itself aliases dcrd's secp256k1
// types), so values convert cheaply to and from the types btcd's txscript and
// schnorr packages expect.
package secp

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Encoding sizes.
const (
	ScalarSize     = 32
	XOnlySize      = 32
	CompressedSize = 33
)

// BIP340/BIP341 tags.
const (
	TagChallenge = "BIP0340/challenge"
	TagTapTweak  = "TapTweak"
)

// Errors
var (
	ErrInvalidKey   = errors.New("invalid key: zero or out of range scalar")
	ErrPointDecode  = errors.New("invalid point encoding")
	ErrInvalidPoint = errors.New("invalid point: identity not allowed")
)

// Scalar is an integer modulo the group order n.
type Scalar = btcec.ModNScalar

// Point is an affine secp256k1 point. The zero value is the identity
// (point at infinity); use IsIdentity before relying on coordinates.
type Point struct {
	x, y   btcec.FieldVal
	finite bool
}

// Identity returns the point at infinity.
func Identity() Point {
	return Point{}
}

// Generator returns G.
func Generator() Point {
	var one Scalar
	one.SetInt(1)
	return BaseMul(&one)
}

func fromJacobian(j *btcec.JacobianPoint) Point {
	if (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero() {
		return Point{}
	}
	j.ToAffine()
	var p Point
	p.x.Set(&j.X).Normalize()
	p.y.Set(&j.Y).Normalize()
	p.finite = true
	return p
}

func (p Point) jacobian() btcec.JacobianPoint {
	var j btcec.JacobianPoint
	if !p.finite {
		return j
	}
	j.X.Set(&p.x)
	j.Y.Set(&p.y)
	j.Z.SetInt(1)
	return j
}

// FromPubKey converts a btcec public key into a Point.
func FromPubKey(pub *btcec.PublicKey) Point {
	if pub == nil {
		return Point{}
	}
	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	return fromJacobian(&j)
}

// PubKey converts p into a btcec public key. The identity has no public key
// representation and yields ErrInvalidPoint.
func (p Point) PubKey() (*btcec.PublicKey, error) {
	if !p.finite {
		return nil, ErrInvalidPoint
	}
	x, y := p.x, p.y
	return btcec.NewPublicKey(&x, &y), nil
}

// IsIdentity reports whether p is the point at infinity.
func (p Point) IsIdentity() bool {
	return !p.finite
}

// HasEvenY reports whether the Y coordinate of p is even. The identity has no
// Y coordinate and reports false.
func (p Point) HasEvenY() bool {
	return p.finite && !p.y.IsOdd()
}

// Equal reports exact point equality, identity included.
func (p Point) Equal(q Point) bool {
	if p.finite != q.finite {
		return false
	}
	if !p.finite {
		return true
	}
	return p.x.Equals(&q.x) && p.y.Equals(&q.y)
}

// Negate returns -p: same X, Y flipped. The negation of the identity is the
// identity.
func (p Point) Negate() Point {
	if !p.finite {
		return p
	}
	n := p
	n.y.Negate(1).Normalize()
	return n
}

// EvenY returns p or -p, whichever has an even Y coordinate, and whether a
// negation was applied.
func (p Point) EvenY() (Point, bool) {
	if p.finite && p.y.IsOdd() {
		return p.Negate(), true
	}
	return p, false
}

// Add returns a + b.
func Add(a, b Point) Point {
	ja, jb := a.jacobian(), b.jacobian()
	var r btcec.JacobianPoint
	btcec.AddNonConst(&ja, &jb, &r)
	return fromJacobian(&r)
}

// Sub returns a - b.
func Sub(a, b Point) Point {
	return Add(a, b.Negate())
}

// Mul returns k·p.
func Mul(k *Scalar, p Point) Point {
	if !p.finite || k.IsZero() {
		return Point{}
	}
	jp := p.jacobian()
	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(k, &jp, &r)
	return fromJacobian(&r)
}

// BaseMul returns k·G.
func BaseMul(k *Scalar) Point {
	if k.IsZero() {
		return Point{}
	}
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &r)
	return fromJacobian(&r)
}

// X returns the big-endian X coordinate. The identity yields 32 zero bytes.
func (p Point) X() [32]byte {
	var b [32]byte
	if p.finite {
		p.x.PutBytesUnchecked(b[:])
	}
	return b
}

// SerializeXOnly returns the 32-byte BIP340 x-only encoding.
func (p Point) SerializeXOnly() []byte {
	x := p.X()
	return x[:]
}

// SerializeCompressed returns the 33-byte SEC1 compressed encoding, or nil for
// the identity.
func (p Point) SerializeCompressed() []byte {
	if !p.finite {
		return nil
	}
	b := make([]byte, CompressedSize)
	b[0] = secp256k1.PubKeyFormatCompressedEven
	if p.y.IsOdd() {
		b[0] = secp256k1.PubKeyFormatCompressedOdd
	}
	p.x.PutBytesUnchecked(b[1:])
	return b
}

// String returns the hex compressed encoding.
func (p Point) String() string {
	if !p.finite {
		return "identity"
	}
	return fmt.Sprintf("%x", p.SerializeCompressed())
}

// ParseCompressed decodes a 33-byte compressed point.
func ParseCompressed(b []byte) (Point, error) {
	if len(b) != CompressedSize {
		return Point{}, fmt.Errorf("%w: want %d bytes, got %d", ErrPointDecode, CompressedSize, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrPointDecode, err)
	}
	return FromPubKey(pub), nil
}

// LiftX returns the even-Y point with the given x coordinate.
func LiftX(x []byte) (Point, error) {
	if len(x) != XOnlySize {
		return Point{}, fmt.Errorf("%w: want %d bytes, got %d", ErrPointDecode, XOnlySize, len(x))
	}
	var p Point
	if overflow := p.x.SetByteSlice(x); overflow {
		return Point{}, fmt.Errorf("%w: x >= field prime", ErrPointDecode)
	}
	if !secp256k1.DecompressY(&p.x, false, &p.y) {
		return Point{}, fmt.Errorf("%w: x is not on the curve", ErrPointDecode)
	}
	p.x.Normalize()
	p.y.Normalize()
	p.finite = true
	return p, nil
}

// TaggedHash computes SHA256(SHA256(tag) || SHA256(tag) || chunks...).
func TaggedHash(tag string, chunks ...[]byte) [32]byte {
	return *chainhash.TaggedHash([]byte(tag), chunks...)
}

// HashToScalar interprets a 32-byte digest as a big-endian integer reduced mod n.
func HashToScalar(h [32]byte) *Scalar {
	var s Scalar
	s.SetBytes(&h)
	return &s
}
