package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/pkg/helpers"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// SellerSession drives the message-signing side. It owns the signature whose
// scalar is the fairness secret and releases it only after the lock confirms.
type SellerSession struct {
	*session

	signer MessageSigner

	signed     *SignedMessage // withheld until Reveal
	commitment *Commitment
	lock       *LockNotice
	funding    wire.OutPoint
	revealed   bool
}

// NewSellerSession creates a seller session in StateInit.
func NewSellerSession(cfg SessionConfig, signer MessageSigner) (*SellerSession, error) {
	if signer == nil {
		return nil, errors.New("message signer is required")
	}
	base, err := newSession(cfg, RoleSeller)
	if err != nil {
		return nil, err
	}
	s := &SellerSession{session: base, signer: signer}
	base.snapshot = s.snapshot
	return s, nil
}

func (s *SellerSession) snapshot() *Record {
	rec := &Record{}
	if s.commitment != nil {
		rec.MessageID = append([]byte(nil), s.commitment.Message.ID...)
		rec.AdaptorPoint = s.commitment.AdaptorPoint.SerializeCompressed()
		rec.NoncePoint = s.commitment.NoncePoint.SerializeCompressed()
	}
	if s.lock != nil {
		rec.CounterpartyKey = s.lock.BuyerKey.SerializeCompressed()
		rec.OutputScript = append([]byte(nil), s.lock.OutputScript...)
	}
	if s.funding != (wire.OutPoint{}) {
		rec.FundingOutPoint = s.funding.String()
	}
	return rec
}

// Commit signs the agreed content and publishes T = s·G without s. Calling
// it again returns the stored commitment.
func (s *SellerSession) Commit(ctx context.Context) (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitment != nil && !s.state.IsTerminal() {
		return s.commitment, nil
	}
	if err := s.checkState(StateInit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signed, err := s.signer.Sign(s.key, s.content)
	if err != nil {
		return nil, s.fail(collaborator("sign message", err))
	}
	if !s.signer.Verify(signed) {
		return nil, s.fail(fmt.Errorf("%w: signer produced an invalid signature", ErrVerification))
	}
	if signed.PubKey != s.pub.X() {
		return nil, s.fail(fmt.Errorf("%w: signer used a different key", ErrVerification))
	}

	R, sc, err := adaptor.SplitSignature(signed.Sig[:])
	if err != nil {
		return nil, s.fail(err)
	}
	T := secp.BaseMul(sc)
	sc.Zero()

	// T must also be publicly derivable from R over the signed bytes.
	if !adaptor.CommitmentPoint(s.pub, R, signed.ID).Equal(T) {
		return nil, s.fail(fmt.Errorf("%w: signature does not open to its commitment", ErrVerification))
	}

	s.signed = signed
	s.commitment = &Commitment{
		SwapID:       s.id,
		Amount:       s.amount,
		Message:      signed.Unsigned(),
		AdaptorPoint: T,
		NoncePoint:   R,
		PubKey:       s.pub,
	}
	s.log.Debug("Committed", "adaptor_point", T.String())
	s.transition(StateCommitted)
	return s.commitment, nil
}

// WaitForLock checks that notice describes the agreed output and blocks until
// the watcher sees it funded with the configured confirmations. Re-delivery
// of the same notice after locking is a no-op.
func (s *SellerSession) WaitForLock(ctx context.Context, notice *LockNotice, watcher FundingWatcher) error {
	s.mu.Lock()
	if s.lock != nil {
		same := lockEqual(s.lock, notice)
		locked := s.state == StateLocked || s.revealed
		s.mu.Unlock()
		switch {
		case !same:
			return ErrConflict
		case locked:
			return nil
		default:
			return fmt.Errorf("%w: lock already pending", ErrInvalidState)
		}
	}
	if err := s.checkState(StateCommitted); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.checkLock(notice); err != nil {
		err = s.fail(err)
		s.mu.Unlock()
		return err
	}
	s.lock = notice
	deadline := s.deadline
	minConf := s.minConf
	s.mu.Unlock()

	// The watcher may block for hours; the session lock is not held.
	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	s.log.Info("Waiting for lock", "outpoint", notice.OutPoint.String(), "min_conf", minConf)
	outpoint, err := watcher.WaitForFunding(waitCtx, notice.OutputScript, notice.OutPoint, notice.Amount, minConf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCommitted {
		// Expired or cancelled while waiting.
		return s.checkState(StateCommitted)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !deadline.IsZero() && !s.now().Before(deadline) {
			s.failure = fmt.Errorf("%w: waiting for lock", ErrExpired)
			s.transition(StateExpired)
			return s.failure
		}
		if ctx.Err() != nil {
			s.lock = nil
			return ctx.Err()
		}
		return s.fail(collaborator("wait for funding", err))
	}
	if notice.OutPoint != (wire.OutPoint{}) && outpoint != notice.OutPoint {
		return s.fail(fmt.Errorf("%w: funded %s, announced %s", ErrLockMismatch, outpoint, notice.OutPoint))
	}

	s.funding = outpoint
	s.transition(StateLocked)
	return nil
}

// checkLock verifies the announced output commits to this session's adaptor
// point. Caller must hold s.mu.
func (s *SellerSession) checkLock(n *LockNotice) error {
	if n == nil {
		return fmt.Errorf("%w: nil notice", ErrLockMismatch)
	}
	if n.SwapID != s.id {
		return ErrSwapMismatch
	}
	if n.Amount != s.amount {
		return fmt.Errorf("%w: amount %d, agreed %d", ErrLockMismatch, n.Amount, s.amount)
	}
	out, err := s.lockOutput(n.BuyerKey, s.commitment.AdaptorPoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLockMismatch, err)
	}
	if !helpers.ConstantTimeCompare(out.OutputScript, n.OutputScript) {
		return fmt.Errorf("%w: output script", ErrLockMismatch)
	}
	return nil
}

// Reveal releases the signed message once the lock has confirmed. Calling it
// again returns the same reveal.
func (s *SellerSession) Reveal() (*Reveal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revealed {
		return &Reveal{SwapID: s.id, Message: s.signed}, nil
	}
	if err := s.checkState(StateLocked); err != nil {
		return nil, err
	}

	s.revealed = true
	s.transition(StateCompleted)
	return &Reveal{SwapID: s.id, Message: s.signed}, nil
}

// Commitment returns the published commitment, or nil before Commit.
func (s *SellerSession) Commitment() *Commitment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitment
}

// Cancel abandons the swap. The seller never broadcasts, so cancellation is
// allowed in any non-terminal state before Reveal.
func (s *SellerSession) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return fmt.Errorf("%w: already %s", ErrInvalidState, s.state)
	}
	s.signed = nil
	s.fail(ErrCancelled)
	return nil
}

func lockEqual(a, b *LockNotice) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SwapID == b.SwapID &&
		a.Amount == b.Amount &&
		a.OutPoint == b.OutPoint &&
		a.BuyerKey.Equal(b.BuyerKey) &&
		string(a.OutputScript) == string(b.OutputScript)
}

var _ Session = (*SellerSession)(nil)
