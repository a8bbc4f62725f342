package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/helpers"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// BuyerSession drives the bitcoin side: it locks funds to an output committed
// to the Seller's adaptor point, pre-signs the claim, and completes it once
// the Seller reveals.
type BuyerSession struct {
	*session

	signer  MessageSigner
	builder TxBuilder

	commitment *Commitment
	output     *taproot.Output
	notice     *LockNotice

	claimTx *wire.MsgTx
	sighash []byte
	presig  *adaptor.Signature

	reveal    *Reveal
	secret    *secp.Scalar
	claimSig  []byte
	claimTxID chainhash.Hash
}

// NewBuyerSession creates a buyer session in StateInit.
func NewBuyerSession(cfg SessionConfig, signer MessageSigner, builder TxBuilder) (*BuyerSession, error) {
	if signer == nil {
		return nil, errors.New("message signer is required")
	}
	if builder == nil {
		return nil, errors.New("transaction builder is required")
	}
	base, err := newSession(cfg, RoleBuyer)
	if err != nil {
		return nil, err
	}
	b := &BuyerSession{session: base, signer: signer, builder: builder}
	base.snapshot = b.snapshot
	return b, nil
}

func (b *BuyerSession) snapshot() *Record {
	rec := &Record{}
	if c := b.commitment; c != nil {
		rec.MessageID = append([]byte(nil), c.Message.ID...)
		rec.AdaptorPoint = c.AdaptorPoint.SerializeCompressed()
		rec.NoncePoint = c.NoncePoint.SerializeCompressed()
		rec.CounterpartyKey = c.PubKey.SerializeCompressed()
	}
	if b.output != nil {
		rec.OutputScript = append([]byte(nil), b.output.OutputScript...)
	}
	if b.notice != nil {
		rec.FundingOutPoint = b.notice.OutPoint.String()
	}
	if b.claimTxID != (chainhash.Hash{}) {
		rec.ClaimTxID = b.claimTxID.String()
	}
	return rec
}

// ReceiveCommitment validates and stores the Seller's commitment. The same
// commitment delivered again is a no-op; a different one is rejected without
// changing state.
func (b *BuyerSession) ReceiveCommitment(c *Commitment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.commitment != nil {
		if b.commitment.Equal(c) {
			return nil
		}
		return ErrConflict
	}
	if err := b.checkState(StateInit); err != nil {
		return err
	}
	if c == nil || c.Message == nil {
		return fmt.Errorf("%w: empty commitment", ErrCommitment)
	}
	if c.SwapID != b.id {
		return ErrSwapMismatch
	}
	if err := b.checkCommitment(c); err != nil {
		return b.fail(err)
	}

	b.commitment = c
	b.transition(StateCommitted)
	return nil
}

// checkCommitment binds T to the agreed content. Caller must hold b.mu.
func (b *BuyerSession) checkCommitment(c *Commitment) error {
	T := c.AdaptorPoint
	if T.IsIdentity() {
		return fmt.Errorf("adaptor point: %w", secp.ErrInvalidPoint)
	}
	if c.PubKey.IsIdentity() || !c.PubKey.HasEvenY() {
		return fmt.Errorf("%w: seller key must be even and non-identity", ErrCommitment)
	}
	if c.Amount != b.amount {
		return fmt.Errorf("%w: amount %d, agreed %d", ErrCommitment, c.Amount, b.amount)
	}

	m := c.Message
	if m.Content != b.content {
		return fmt.Errorf("%w: content differs", ErrCommitment)
	}
	if m.PubKey != c.PubKey.X() {
		return fmt.Errorf("%w: message key differs from commitment key", ErrCommitment)
	}
	id, err := b.signer.MessageID(m)
	if err != nil {
		return collaborator("message id", err)
	}
	if !helpers.ConstantTimeCompare(id, m.ID) {
		return fmt.Errorf("%w: message id does not match content", ErrCommitment)
	}

	// With R supplied, T must be the s·G of a signature over exactly m.ID.
	if !c.NoncePoint.IsIdentity() {
		if !c.NoncePoint.HasEvenY() {
			return fmt.Errorf("%w: nonce point must have even Y", ErrCommitment)
		}
		if !adaptor.CommitmentPoint(c.PubKey, c.NoncePoint, m.ID).Equal(T) {
			return fmt.Errorf("%w: T != R + e·P", ErrCommitment)
		}
	}
	return nil
}

// Lock derives the swap output, funds it from src and broadcasts the funding
// transaction. Calling it again after success returns the same notice.
func (b *BuyerSession) Lock(ctx context.Context, src *FundingSource) (*LockNotice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.notice != nil {
		return b.notice, nil
	}
	if err := b.checkState(StateCommitted); err != nil {
		return nil, err
	}
	if src == nil || src.Key == nil {
		return nil, fmt.Errorf("funding source: %w", secp.ErrInvalidKey)
	}
	if src.Value <= b.amount {
		return nil, fmt.Errorf("%w: source %d sats, swap %d sats", ErrInsufficientFunds, src.Value, b.amount)
	}

	out, err := b.lockOutput(b.pub, b.commitment.AdaptorPoint)
	if err != nil {
		return nil, b.fail(err)
	}
	srcOut, err := b.outputs.Derive(secp.BaseMul(src.Key), nil)
	if err != nil {
		return nil, b.fail(err)
	}

	tx, err := b.builder.BuildOutput(out.OutputScript, b.amount, src.OutPoint)
	if err != nil {
		return nil, b.fail(collaborator("build funding tx", err))
	}
	sighash, err := b.builder.Sighash(tx, 0, [][]byte{srcOut.OutputScript}, []int64{src.Value}, txscript.SigHashDefault)
	if err != nil {
		return nil, b.fail(collaborator("funding sighash", err))
	}
	sig, err := taproot.SignForSpend(b.engine, src.Key, srcOut, sighash)
	if err != nil {
		return nil, b.fail(err)
	}
	if tx, err = b.builder.SetWitness(tx, 0, [][]byte{sig}); err != nil {
		return nil, b.fail(collaborator("funding witness", err))
	}

	vout, ok := findOutput(tx, out.OutputScript, b.amount)
	if !ok {
		return nil, b.fail(collaborator("build funding tx", errors.New("swap output missing")))
	}

	txid, err := b.builder.Broadcast(ctx, tx)
	if err != nil {
		return nil, b.fail(collaborator("broadcast funding tx", err))
	}

	b.output = out
	b.notice = &LockNotice{
		SwapID:       b.id,
		BuyerKey:     b.pub,
		OutputScript: out.OutputScript,
		Amount:       b.amount,
		OutPoint:     wire.OutPoint{Hash: txid, Index: vout},
	}
	b.log.Info("Funding broadcast", "txid", txid.String())
	b.transition(StateLocked)
	return b.notice, nil
}

// PreSign builds the claim transaction paying amount-fee to dest and produces
// an adaptor signature over its sighash under the Seller's adaptor point.
func (b *BuyerSession) PreSign(dest []byte, fee int64) (*adaptor.Signature, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.presig != nil && !b.state.IsTerminal() {
		return b.presig, nil
	}
	if err := b.checkState(StateLocked); err != nil {
		return nil, err
	}
	if fee < 0 || fee >= b.amount {
		return nil, fmt.Errorf("%w: fee %d for amount %d", ErrInsufficientFunds, fee, b.amount)
	}

	claim, err := b.builder.BuildOutput(dest, b.amount-fee, b.notice.OutPoint)
	if err != nil {
		return nil, b.fail(collaborator("build claim tx", err))
	}
	sighash, err := b.builder.Sighash(claim, 0, [][]byte{b.output.OutputScript}, []int64{b.amount}, txscript.SigHashDefault)
	if err != nil {
		return nil, b.fail(collaborator("claim sighash", err))
	}

	xEff, err := taproot.EffectiveKey(b.key, b.output)
	if err != nil {
		return nil, b.fail(err)
	}
	defer xEff.Zero()

	T := b.commitment.AdaptorPoint
	presig, err := b.engine.Create(xEff, T, sighash)
	if err != nil {
		return nil, b.fail(err)
	}
	if err := adaptor.VerifyStrict(presig, T); err != nil {
		return nil, b.fail(err)
	}
	if !presig.PubKey.Equal(b.output.TweakedKey) {
		return nil, b.fail(fmt.Errorf("%w: pre-signature key is not the output key", ErrVerification))
	}

	b.claimTx = claim
	b.sighash = sighash
	b.presig = presig
	b.transition(StatePreSigned)
	return presig, nil
}

// AwaitSecret takes the Seller's reveal and extracts t = s. If t·G differs
// from the committed adaptor point the session fails with
// ErrFairnessViolation and nothing is broadcast.
func (b *BuyerSession) AwaitSecret(r *Reveal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reveal != nil {
		if r != nil && messagesEqual(b.reveal.Message, r.Message) {
			return nil
		}
		return ErrConflict
	}
	if err := b.checkState(StatePreSigned); err != nil {
		return err
	}
	if r == nil || r.Message == nil {
		return fmt.Errorf("%w: empty reveal", adaptor.ErrMalformedSignature)
	}
	if r.SwapID != b.id {
		return ErrSwapMismatch
	}

	_, t, err := adaptor.SplitSignature(r.Message.Sig[:])
	if err != nil {
		return b.fail(err)
	}
	if !secp.BaseMul(t).Equal(b.commitment.AdaptorPoint) {
		t.Zero()
		return b.fail(fmt.Errorf("%w: revealed signature does not open the adaptor point", ErrFairnessViolation))
	}

	b.reveal = r
	b.secret = t
	if b.timeouts.Broadcast > 0 {
		b.deadline = b.now().Add(b.timeouts.Broadcast)
	}
	b.log.Info("Secret revealed")
	b.notify()
	return nil
}

// Complete finalizes the claim signature with the revealed secret, places it
// in the witness and broadcasts the claim transaction.
func (b *BuyerSession) Complete(ctx context.Context) (chainhash.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateCompleted {
		return b.claimTxID, nil
	}
	if err := b.checkState(StatePreSigned); err != nil {
		return chainhash.Hash{}, err
	}
	if b.secret == nil {
		return chainhash.Hash{}, ErrNoSecret
	}

	sPrime := adaptor.Complete(b.presig, b.secret)
	sig, err := adaptor.Finalize(b.presig.NoncePoint, sPrime)
	if err != nil {
		return chainhash.Hash{}, b.fail(err)
	}
	if !adaptor.VerifySchnorr(b.output.TweakedKey.SerializeXOnly(), b.sighash, sig) {
		return chainhash.Hash{}, b.fail(fmt.Errorf("%w: completed claim signature", ErrVerification))
	}

	tx, err := b.builder.SetWitness(b.claimTx, 0, [][]byte{sig})
	if err != nil {
		return chainhash.Hash{}, b.fail(collaborator("claim witness", err))
	}
	txid, err := b.builder.Broadcast(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			// Retryable: the signature is kept and nothing moved.
			return chainhash.Hash{}, ctx.Err()
		}
		return chainhash.Hash{}, b.fail(collaborator("broadcast claim tx", err))
	}

	b.claimTx = tx
	b.claimSig = sig
	b.claimTxID = txid
	b.log.Info("Claim broadcast", "txid", txid.String())
	b.transition(StateCompleted)
	return txid, nil
}

// Output returns the locked Taproot output, or nil before Lock.
func (b *BuyerSession) Output() *taproot.Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.output
}

// ClaimTx returns the claim transaction; it carries a witness once completed.
func (b *BuyerSession) ClaimTx() *wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimTx
}

// Cancel abandons the swap. After the funding broadcast the locked output
// exists on chain, so cancellation is refused.
func (b *BuyerSession) Cancel() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.IsTerminal() {
		return fmt.Errorf("%w: already %s", ErrInvalidState, b.state)
	}
	if b.notice != nil {
		return fmt.Errorf("%w: funding already broadcast", ErrInvalidState)
	}
	b.fail(ErrCancelled)
	return nil
}

func findOutput(tx *wire.MsgTx, script []byte, amount int64) (uint32, bool) {
	for i, out := range tx.TxOut {
		if out.Value == amount && string(out.PkScript) == string(script) {
			return uint32(i), true
		}
	}
	return 0, false
}

var _ Session = (*BuyerSession)(nil)
