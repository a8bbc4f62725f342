// Package swap implements the two-party adaptor-signature swap protocol.
//
// The Seller holds a message-signing key and withholds the scalar s of a
// signature over the agreed message, publishing only T = s·G. The Buyer locks
// bitcoin to a Taproot output committed to T and pre-signs the claim
// transaction as an adaptor signature under T. Revealing the message signature
// hands the Buyer s, which completes the claim signature.
//
// This package contains only protocol logic. Transactions, funding
// confirmation and message signing are reached through the collaborator
// interfaces declared here:
//   - TxBuilder builds, signs-for and broadcasts transactions (wallet package)
//   - FundingWatcher reports when an output is funded (backend package)
//   - MessageSigner signs and verifies messages (nostr package, RawSigner)
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Protocol errors
var (
	ErrInvalidState      = errors.New("invalid swap state")
	ErrConflict          = errors.New("conflicting re-delivery")
	ErrSwapMismatch      = errors.New("message belongs to a different swap")
	ErrLockMismatch      = errors.New("lock does not match agreed output")
	ErrCommitment        = errors.New("commitment does not bind the agreed message")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoSecret          = errors.New("secret not yet revealed")
	ErrExpired           = errors.New("swap deadline passed")
	ErrCancelled         = errors.New("swap cancelled")
	ErrCollaborator      = errors.New("external collaborator failed")

	// Re-exported so callers need not import the adaptor package to match.
	ErrFairnessViolation = adaptor.ErrFairnessViolation
	ErrVerification      = adaptor.ErrVerification
)

// CollaboratorError wraps a failure of a TxBuilder, FundingWatcher or
// MessageSigner. It matches ErrCollaborator and unwraps to the cause.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool { return target == ErrCollaborator }

func collaborator(op string, err error) error {
	return &CollaboratorError{Op: op, Err: err}
}

// Role represents the role in a swap.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// State represents the current state of a swap session.
type State string

const (
	StateInit      State = "init"
	StateCommitted State = "committed"
	StateLocked    State = "locked"
	StatePreSigned State = "presigned"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Timeouts bounds how long a session may stay in each phase.
type Timeouts struct {
	Commit    time.Duration // init -> committed
	Lock      time.Duration // committed -> locked
	Reveal    time.Duration // locked/presigned -> secret known
	Broadcast time.Duration // secret known -> completed
}

// DefaultTimeouts returns conservative phase deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Commit:    10 * time.Minute,
		Lock:      2 * time.Hour,
		Reveal:    6 * time.Hour,
		Broadcast: 30 * time.Minute,
	}
}

// forState returns the deadline length for the phase that starts in s.
func (t Timeouts) forState(s State) time.Duration {
	switch s {
	case StateInit:
		return t.Commit
	case StateCommitted:
		return t.Lock
	case StateLocked, StatePreSigned:
		return t.Reveal
	default:
		return 0
	}
}

// SignedMessage is the output of a MessageSigner. ID is the exact byte
// string the signature commits to; for Nostr it is the event id.
type SignedMessage struct {
	ID        []byte
	PubKey    [32]byte
	CreatedAt int64
	Content   string
	Sig       [64]byte
}

// Unsigned returns a copy of m with the signature cleared.
func (m *SignedMessage) Unsigned() *SignedMessage {
	c := *m
	c.ID = append([]byte(nil), m.ID...)
	c.Sig = [64]byte{}
	return &c
}

// Commitment is published by the Seller. It carries the adaptor point T and,
// optionally, the signature nonce R so the Buyer can check T = R + e·P.
type Commitment struct {
	SwapID       string
	Amount       int64
	Message      *SignedMessage // unsigned
	AdaptorPoint secp.Point
	NoncePoint   secp.Point
	PubKey       secp.Point
}

// Equal reports whether two commitments carry the same values.
func (c *Commitment) Equal(o *Commitment) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.SwapID == o.SwapID &&
		c.Amount == o.Amount &&
		c.AdaptorPoint.Equal(o.AdaptorPoint) &&
		c.NoncePoint.Equal(o.NoncePoint) &&
		c.PubKey.Equal(o.PubKey) &&
		messagesEqual(c.Message, o.Message)
}

// LockNotice is sent by the Buyer after broadcasting the funding transaction.
type LockNotice struct {
	SwapID       string
	BuyerKey     secp.Point
	OutputScript []byte
	Amount       int64
	OutPoint     wire.OutPoint
}

// Reveal is the Seller's final message: the signed message with its full
// 64-byte signature.
type Reveal struct {
	SwapID  string
	Message *SignedMessage
}

// FundingSource is a key-path Taproot output (BIP86, no script tree) the Buyer
// spends to fund the swap. Value minus the swap amount is paid as fee.
type FundingSource struct {
	OutPoint wire.OutPoint
	Value    int64
	Key      *secp.Scalar
}

// TxBuilder is the transaction collaborator.
type TxBuilder interface {
	// BuildOutput returns an unsigned transaction spending prev and paying
	// amount to script.
	BuildOutput(script []byte, amount int64, prev wire.OutPoint) (*wire.MsgTx, error)

	// SetWitness places items in the witness of input idx.
	SetWitness(tx *wire.MsgTx, idx int, items [][]byte) (*wire.MsgTx, error)

	// Sighash computes the BIP341 signature hash of input idx.
	Sighash(tx *wire.MsgTx, idx int, prevScripts [][]byte, prevValues []int64, mode txscript.SigHashType) ([]byte, error)

	// Broadcast publishes tx and returns its id.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// FundingWatcher reports when an output paying at least amount to script has
// minConf confirmations. A non-zero want names the only outpoint that counts.
type FundingWatcher interface {
	WaitForFunding(ctx context.Context, script []byte, want wire.OutPoint, amount int64, minConf uint32) (wire.OutPoint, error)
}

// MessageSigner is the message-signing collaborator.
type MessageSigner interface {
	Sign(key *secp.Scalar, content string) (*SignedMessage, error)

	// MessageID recomputes the signed bytes of m from its public fields.
	MessageID(m *SignedMessage) ([]byte, error)

	Verify(m *SignedMessage) bool
}

func messagesEqual(a, b *SignedMessage) bool {
	if a == nil || b == nil {
		return a == b
	}
	return string(a.ID) == string(b.ID) &&
		a.PubKey == b.PubKey &&
		a.CreatedAt == b.CreatedAt &&
		a.Content == b.Content &&
		a.Sig == b.Sig
}
