// Package adaptor implements BIP340 Schnorr adaptor signatures over secp256k1.
//
// An adaptor signature (R', s) under key P for adaptor point T satisfies
//
//	s·G == (R' - T) + e·P,  e = H_BIP0340/challenge(R'.x || P.x || m)
//
// Adding the discrete log t of T to s yields a standard BIP340 signature
// (R'.x, s+t). Conversely, anyone holding both the adaptor signature and the
// completed signature learns t. The nonce is resampled until R' has an even Y
// coordinate so the completed signature is canonical without touching k.
package adaptor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klingon-exchange/tanos/pkg/secp"
)

// DefaultMaxNonceAttempts is the default bound on nonce resampling. Each
// attempt succeeds with probability 1/2.
const DefaultMaxNonceAttempts = 8

// SignatureSize is the size of a finalized BIP340 signature.
const SignatureSize = 64

// Errors
var (
	ErrInvalidKey         = secp.ErrInvalidKey
	ErrInvalidPoint       = secp.ErrInvalidPoint
	ErrPointDecode        = secp.ErrPointDecode
	ErrNonceExhaustion    = errors.New("nonce retry bound exhausted")
	ErrVerification       = errors.New("adaptor signature verification failed")
	ErrParity             = errors.New("nonce point does not have an even Y coordinate")
	ErrFairnessViolation  = errors.New("extracted secret does not match adaptor point")
	ErrMalformedSignature = errors.New("malformed adaptor signature")
)

// Signature is a BIP340 adaptor signature. NoncePoint is R' = R + T and
// always has an even Y coordinate; PubKey is the even-Y signing key.
type Signature struct {
	NoncePoint secp.Point
	S          secp.Scalar
	PubKey     secp.Point
	Message    []byte
}

// Engine creates adaptor and plain signatures. Its randomness source is fixed
// at construction; verification methods are pure and safe for concurrent use.
type Engine struct {
	rand             io.Reader
	randMu           sync.Mutex
	maxNonceAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the randomness source used for nonces. It must be a
// cryptographically secure source; tests may inject deterministic readers.
func WithRand(r io.Reader) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// WithMaxNonceAttempts sets the nonce resampling bound.
func WithMaxNonceAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxNonceAttempts = n
		}
	}
}

// New creates an Engine backed by crypto/rand unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		rand:             rand.Reader,
		maxNonceAttempts: DefaultMaxNonceAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create produces an adaptor signature on m under private key x, encrypted to
// the adaptor point T.
func (e *Engine) Create(x *secp.Scalar, T secp.Point, m []byte) (*Signature, error) {
	if T.IsIdentity() {
		return nil, fmt.Errorf("%w: adaptor point", ErrInvalidPoint)
	}
	return e.sign(x, T, m)
}

// sign runs the nonce loop. T may be the identity only for plain signatures.
func (e *Engine) sign(x *secp.Scalar, T secp.Point, m []byte) (*Signature, error) {
	if x == nil || x.IsZero() {
		return nil, ErrInvalidKey
	}

	var d secp.Scalar
	d.Set(x)
	defer d.Zero()

	P := secp.BaseMul(&d)
	if !P.HasEvenY() {
		d.Negate()
		P = P.Negate()
	}

	for attempt := 0; attempt < e.maxNonceAttempts; attempt++ {
		k, err := e.nonce()
		if err != nil {
			return nil, err
		}

		Rp := secp.Add(secp.BaseMul(k), T)
		if Rp.IsIdentity() || !Rp.HasEvenY() {
			k.Zero()
			continue
		}

		ch := Challenge(Rp, P, m)
		sig := &Signature{
			NoncePoint: Rp,
			PubKey:     P,
			Message:    append([]byte(nil), m...),
		}
		sig.S.Mul2(ch, &d).Add(k)
		k.Zero()
		return sig, nil
	}

	return nil, fmt.Errorf("%w: %d attempts", ErrNonceExhaustion, e.maxNonceAttempts)
}

func (e *Engine) nonce() (*secp.Scalar, error) {
	e.randMu.Lock()
	defer e.randMu.Unlock()

	k, err := secp.RandomScalar(e.rand)
	if err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return k, nil
}

// Challenge computes e = H_BIP0340/challenge(R.x || P.x || m) mod n.
func Challenge(R, P secp.Point, m []byte) *secp.Scalar {
	h := secp.TaggedHash(secp.TagChallenge, R.SerializeXOnly(), P.SerializeXOnly(), m)
	return secp.HashToScalar(h)
}

// Verify checks sig against the adaptor point T. A false result with a nil
// error means the equation does not hold; an error means the inputs are not
// admissible (identity points).
func (e *Engine) Verify(sig *Signature, T secp.Point) (bool, error) {
	return Verify(sig, T)
}

// Verify checks sig against the adaptor point T. See Engine.Verify.
func Verify(sig *Signature, T secp.Point) (bool, error) {
	if sig == nil {
		return false, ErrMalformedSignature
	}
	if sig.PubKey.IsIdentity() || sig.NoncePoint.IsIdentity() {
		return false, ErrInvalidPoint
	}

	R := secp.Sub(sig.NoncePoint, T)
	if R.IsIdentity() {
		return false, fmt.Errorf("%w: R' - T", ErrInvalidPoint)
	}
	if !sig.NoncePoint.HasEvenY() || !sig.PubKey.HasEvenY() {
		return false, nil
	}

	ch := Challenge(sig.NoncePoint, sig.PubKey, sig.Message)
	lhs := secp.BaseMul(&sig.S)
	rhs := secp.Add(R, secp.Mul(ch, sig.PubKey))
	return lhs.Equal(rhs), nil
}

// VerifyStrict is Verify with a false result reported as ErrVerification.
func VerifyStrict(sig *Signature, T secp.Point) error {
	ok, err := Verify(sig, T)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerification
	}
	return nil
}

// Complete returns s' = s + t, the scalar half of the completed signature.
func Complete(sig *Signature, t *secp.Scalar) *secp.Scalar {
	return secp.ScalarAdd(&sig.S, t)
}

// ExtractSecret returns t = s' - s. The result is only trustworthy after
// checking t·G == T; use RecoverSecret for the checked variant.
func ExtractSecret(sig *Signature, sPrime *secp.Scalar) *secp.Scalar {
	return secp.ScalarSub(sPrime, &sig.S)
}

// RecoverSecret extracts t from a completed signature and confirms it opens T.
func RecoverSecret(sig *Signature, sPrime *secp.Scalar, T secp.Point) (*secp.Scalar, error) {
	t := ExtractSecret(sig, sPrime)
	if !secp.BaseMul(t).Equal(T) {
		t.Zero()
		return nil, ErrFairnessViolation
	}
	return t, nil
}

// Finalize serializes a completed signature as R'.x || s'. The nonce point
// must have an even Y coordinate; anything else would not verify under
// BIP340 and is refused.
func Finalize(noncePoint secp.Point, sPrime *secp.Scalar) ([]byte, error) {
	if noncePoint.IsIdentity() || !noncePoint.HasEvenY() {
		return nil, ErrParity
	}
	out := make([]byte, 0, SignatureSize)
	out = append(out, noncePoint.SerializeXOnly()...)
	out = append(out, secp.ScalarBytes(sPrime)...)
	return out, nil
}
