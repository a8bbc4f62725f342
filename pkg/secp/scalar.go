package secp

import (
	"fmt"
	"io"
)

// maxScalarDraws bounds rejection sampling in RandomScalar. A single draw is
// rejected with probability below 2^-127.
const maxScalarDraws = 64

// NewScalar returns the scalar v.
func NewScalar(v uint32) *Scalar {
	var s Scalar
	s.SetInt(v)
	return &s
}

// ScalarFromBytes parses a 32-byte big-endian private scalar. Values that are
// zero or not below n are rejected with ErrInvalidKey.
func ScalarFromBytes(b []byte) (*Scalar, error) {
	if len(b) != ScalarSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ScalarSize, len(b))
	}
	var s Scalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("%w: scalar >= group order", ErrInvalidKey)
	}
	if s.IsZero() {
		return nil, fmt.Errorf("%w: scalar is zero", ErrInvalidKey)
	}
	return &s, nil
}

// ScalarBytes returns the 32-byte big-endian encoding of s.
func ScalarBytes(s *Scalar) []byte {
	b := s.Bytes()
	return b[:]
}

// ScalarAdd returns a + b mod n.
func ScalarAdd(a, b *Scalar) *Scalar {
	return new(Scalar).Add2(a, b)
}

// ScalarSub returns a - b mod n.
func ScalarSub(a, b *Scalar) *Scalar {
	negB := new(Scalar).NegateVal(b)
	return new(Scalar).Add2(a, negB)
}

// ScalarMul returns a * b mod n.
func ScalarMul(a, b *Scalar) *Scalar {
	return new(Scalar).Mul2(a, b)
}

// ScalarNegate returns n - a (zero stays zero).
func ScalarNegate(a *Scalar) *Scalar {
	return new(Scalar).NegateVal(a)
}

// RandomScalar draws a scalar uniformly from [1, n) by rejection sampling
// 32-byte strings read from r.
func RandomScalar(r io.Reader) (*Scalar, error) {
	var buf [ScalarSize]byte
	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()

	for i := 0; i < maxScalarDraws; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
		var s Scalar
		if overflow := s.SetBytes(&buf); overflow != 0 || s.IsZero() {
			continue
		}
		return &s, nil
	}
	return nil, fmt.Errorf("randomness source produced no valid scalar in %d draws", maxScalarDraws)
}
