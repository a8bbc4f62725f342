// Package nostr implements NIP-01 events and a minimal relay client.
//
// An event id is the SHA-256 of the canonical serialization
//
//	[0,<pubkey hex>,<created_at>,<kind>,<tags>,<content>]
//
// and the event signature is a BIP340 signature over that id. The swap binds
// the id: the Seller commits to s·G for the signature over it before the
// event is ever published.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by the node.
const (
	KindTextNote = 1
)

// Event errors
var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrIDMismatch   = errors.New("event id does not match content")
	ErrBadSignature = errors.New("event signature invalid")
)

// Event is a NIP-01 event. Binary fields are lowercase hex on the wire.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form hashed into the event id.
func (e *Event) Serialize() []byte {
	var b bytes.Buffer
	b.WriteString(`[0,"`)
	b.WriteString(e.PubKey)
	b.WriteString(`",`)
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(",[")
	for i, tag := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			writeQuoted(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString("],")
	writeQuoted(&b, e.Content)
	b.WriteByte(']')
	return b.Bytes()
}

// writeQuoted writes s as a JSON string with the NIP-01 escapes: quote,
// backslash and the \b \t \n \f \r controls. Everything else is verbatim.
func writeQuoted(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Hash returns the event id computed from the event's fields.
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// ComputeID sets e.ID from the event's fields.
func (e *Event) ComputeID() {
	id := e.Hash()
	e.ID = hex.EncodeToString(id[:])
}

// CheckID reports whether e.ID matches the event's fields.
func (e *Event) CheckID() bool {
	id := e.Hash()
	return e.ID == hex.EncodeToString(id[:])
}

// Verify checks the id and the BIP340 signature with btcec's verifier.
func (e *Event) Verify() error {
	if len(e.PubKey) != 64 || len(e.Sig) != 128 {
		return fmt.Errorf("%w: pubkey or sig has wrong length", ErrInvalidEvent)
	}
	if !e.CheckID() {
		return ErrIDMismatch
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidEvent, err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidEvent, err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrInvalidEvent, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	id := e.Hash()
	if !sig.Verify(id[:], pk) {
		return ErrBadSignature
	}
	return nil
}

// HasTag reports whether the event carries a tag with the given name and
// first value.
func (e *Event) HasTag(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}
