// Package helpers provides small byte, hex and amount utilities shared by the
// swap node's packages.
package helpers

import (
	"crypto/subtle"
)

// ConstantTimeCompare reports whether a and b are equal without leaking the
// position of the first difference.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZeroBytes checks if all bytes in the slice are zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ReverseBytes returns a reversed copy of b. Txids are displayed in reversed
// byte order.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
