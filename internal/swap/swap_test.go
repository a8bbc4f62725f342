package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

func TestEndToEndSwap(t *testing.T) {
	tests := []struct {
		name string
		key  func(t *testing.T) *secp.Scalar
	}{
		{"even y seller key", func(*testing.T) *secp.Scalar { return secp.NewScalar(1) }},
		{"odd y seller key", oddYKey},
		{"random seller key", randomKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := tt.key(t)
			f := newFixtureWithKey(t, key)
			ctx := context.Background()

			c := f.lockAndPresign(t)
			if f.buyer.State() != StatePreSigned {
				t.Fatalf("buyer state = %s, want presigned", f.buyer.State())
			}
			if f.seller.State() != StateLocked {
				t.Fatalf("seller state = %s, want locked", f.seller.State())
			}

			reveal, err := f.seller.Reveal()
			if err != nil {
				t.Fatalf("Reveal() error = %v", err)
			}

			// The reveal is an ordinary BIP340 signature under the x-only seller key.
			pub := secp.BaseMul(key)
			if !adaptor.VerifySchnorr(pub.SerializeXOnly(), []byte(testContent), reveal.Message.Sig[:]) {
				t.Fatal("revealed signature does not verify against the seller key")
			}
			if c.PubKey.X() != pub.X() || !c.PubKey.HasEvenY() {
				t.Errorf("commitment key = %s, want even-Y lift of %s", c.PubKey, pub)
			}

			if err := f.buyer.AwaitSecret(reveal); err != nil {
				t.Fatalf("AwaitSecret() error = %v", err)
			}
			txid, err := f.buyer.Complete(ctx)
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}

			// Funding and claim both passed the script engine.
			if n := f.chain.broadcastCount(); n != 2 {
				t.Fatalf("broadcasts = %d, want 2", n)
			}
			claim := f.buyer.ClaimTx()
			if claim.TxHash() != txid {
				t.Errorf("claim txid = %s, want %s", claim.TxHash(), txid)
			}
			if got := claim.TxOut[0].Value; got != testAmount-testFee {
				t.Errorf("claim value = %d, want %d", got, testAmount-testFee)
			}

			// The witness signature also verifies independently against the output key.
			out := f.buyer.Output()
			sighash, err := f.chain.Sighash(claim, 0, [][]byte{out.OutputScript}, []int64{testAmount}, txscript.SigHashDefault)
			if err != nil {
				t.Fatalf("Sighash() error = %v", err)
			}
			if !adaptor.VerifySchnorr(out.TweakedKey.SerializeXOnly(), sighash, claim.TxIn[0].Witness[0]) {
				t.Error("claim witness does not verify against the tweaked key")
			}

			if f.buyer.State() != StateCompleted || f.seller.State() != StateCompleted {
				t.Errorf("states = %s/%s, want completed", f.seller.State(), f.buyer.State())
			}
		})
	}
}

func TestWrongMessageReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lockAndPresign(t)

	// A valid signature by the same key over a different message.
	other, err := f.signer.Sign(secp.NewScalar(1), "goodbye")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	err = f.buyer.AwaitSecret(&Reveal{SwapID: testSwapID, Message: other})
	if !errors.Is(err, ErrFairnessViolation) {
		t.Fatalf("AwaitSecret() error = %v, want ErrFairnessViolation", err)
	}
	if f.buyer.State() != StateFailed {
		t.Errorf("buyer state = %s, want failed", f.buyer.State())
	}

	if _, err := f.buyer.Complete(ctx); err == nil {
		t.Fatal("Complete() after fairness violation should fail")
	}
	if n := f.chain.broadcastCount(); n != 1 {
		t.Errorf("broadcasts = %d, want only the funding tx", n)
	}
}

func TestCommitmentRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.seller.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	again, err := f.seller.Commit(ctx)
	if err != nil || again != c {
		t.Fatalf("second Commit() = %v, %v; want stored commitment", again, err)
	}

	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}
	dup := *c
	if err := f.buyer.ReceiveCommitment(&dup); err != nil {
		t.Errorf("duplicate ReceiveCommitment() error = %v, want nil", err)
	}

	conflicting := *c
	conflicting.AdaptorPoint = secp.Generator()
	if err := f.buyer.ReceiveCommitment(&conflicting); !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting ReceiveCommitment() error = %v, want ErrConflict", err)
	}
	if f.buyer.State() != StateCommitted {
		t.Errorf("state = %s after conflict, want committed", f.buyer.State())
	}
}

func TestReceiveCommitmentValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Commitment)
		want   error
	}{
		{
			name:   "identity adaptor point",
			mutate: func(c *Commitment) { c.AdaptorPoint = secp.Identity() },
			want:   secp.ErrInvalidPoint,
		},
		{
			name:   "adaptor point not bound to nonce",
			mutate: func(c *Commitment) { c.AdaptorPoint = secp.Add(c.AdaptorPoint, secp.Generator()) },
			want:   ErrCommitment,
		},
		{
			name: "different content",
			mutate: func(c *Commitment) {
				m := *c.Message
				m.Content = "hullo"
				m.ID = []byte("hullo")
				c.Message = &m
			},
			want: ErrCommitment,
		},
		{
			name: "id does not match content",
			mutate: func(c *Commitment) {
				m := *c.Message
				m.ID = []byte("other")
				c.Message = &m
			},
			want: ErrCommitment,
		},
		{
			name:   "wrong amount",
			mutate: func(c *Commitment) { c.Amount++ },
			want:   ErrCommitment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, err := f.seller.Commit(context.Background())
			if err != nil {
				t.Fatalf("Commit() error = %v", err)
			}
			bad := *c
			tt.mutate(&bad)

			err = f.buyer.ReceiveCommitment(&bad)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ReceiveCommitment() error = %v, want %v", err, tt.want)
			}
			if f.buyer.State() != StateFailed {
				t.Errorf("state = %s, want failed", f.buyer.State())
			}
		})
	}
}

func TestCommitmentWithoutNoncePoint(t *testing.T) {
	f := newFixture(t)
	c, err := f.seller.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	withheld := *c
	withheld.NoncePoint = secp.Identity()
	if err := f.buyer.ReceiveCommitment(&withheld); err != nil {
		t.Fatalf("ReceiveCommitment() without R error = %v", err)
	}
}

func TestSellerRejectsForeignLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.seller.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}
	notice, err := f.buyer.Lock(ctx, f.source)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	forged := *notice
	forged.OutputScript = p2trScript(t, randomKey(t))
	err = f.seller.WaitForLock(ctx, &forged, f.chain)
	if !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("WaitForLock() error = %v, want ErrLockMismatch", err)
	}
	if _, err := f.seller.Reveal(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reveal() error = %v, want ErrInvalidState", err)
	}
}

func TestWaitForLockIgnoresOtherPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.seller.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}
	notice, err := f.buyer.Lock(ctx, f.source)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	// Anyone may pay the lock address; only the announced outpoint counts.
	for i := 0; i < 8; i++ {
		f.chain.mint(notice.OutputScript, 2*testAmount)
	}
	if err := f.seller.WaitForLock(ctx, notice, f.chain); err != nil {
		t.Fatalf("WaitForLock() error = %v", err)
	}
	if got := f.seller.Record().FundingOutPoint; got != notice.OutPoint.String() {
		t.Errorf("funding outpoint = %s, want %s", got, notice.OutPoint)
	}
}

func TestLockIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _ := f.seller.Commit(ctx)
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}
	n1, err := f.buyer.Lock(ctx, f.source)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	n2, err := f.buyer.Lock(ctx, f.source)
	if err != nil || n1 != n2 {
		t.Fatalf("second Lock() = %v, %v; want stored notice", n2, err)
	}
	if f.chain.broadcastCount() != 1 {
		t.Errorf("broadcasts = %d, want 1", f.chain.broadcastCount())
	}

	if err := f.seller.WaitForLock(ctx, n1, f.chain); err != nil {
		t.Fatalf("WaitForLock() error = %v", err)
	}
	if err := f.seller.WaitForLock(ctx, n1, f.chain); err != nil {
		t.Errorf("repeated WaitForLock() error = %v", err)
	}
}

func TestRevealRedelivery(t *testing.T) {
	f := newFixture(t)
	f.lockAndPresign(t)

	r1, err := f.seller.Reveal()
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	r2, err := f.seller.Reveal()
	if err != nil || r2.Message != r1.Message {
		t.Fatalf("second Reveal() = %v, %v", r2, err)
	}

	if err := f.buyer.AwaitSecret(r1); err != nil {
		t.Fatalf("AwaitSecret() error = %v", err)
	}
	if err := f.buyer.AwaitSecret(r2); err != nil {
		t.Errorf("duplicate AwaitSecret() error = %v", err)
	}
	if f.buyer.State() != StatePreSigned {
		t.Errorf("state = %s, want presigned", f.buyer.State())
	}

	txid1, err := f.buyer.Complete(context.Background())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	txid2, err := f.buyer.Complete(context.Background())
	if err != nil || txid1 != txid2 {
		t.Errorf("second Complete() = %s, %v", txid2, err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	f := newFixture(t)

	if _, err := f.buyer.Lock(context.Background(), f.source); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Lock() before commitment error = %v, want ErrInvalidState", err)
	}
	if _, err := f.buyer.PreSign(f.payout, testFee); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PreSign() before lock error = %v, want ErrInvalidState", err)
	}
	if err := f.buyer.AwaitSecret(&Reveal{SwapID: testSwapID, Message: &SignedMessage{}}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AwaitSecret() before presign error = %v, want ErrInvalidState", err)
	}
	if _, err := f.seller.Reveal(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reveal() before lock error = %v, want ErrInvalidState", err)
	}
	if f.buyer.State() != StateInit || f.seller.State() != StateInit {
		t.Errorf("states changed: %s/%s", f.seller.State(), f.buyer.State())
	}
}

func TestCompleteBeforeReveal(t *testing.T) {
	f := newFixture(t)
	f.lockAndPresign(t)

	if _, err := f.buyer.Complete(context.Background()); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Complete() error = %v, want ErrNoSecret", err)
	}
	if f.buyer.State() != StatePreSigned {
		t.Errorf("state = %s, want presigned", f.buyer.State())
	}
}

func TestBroadcastFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _ := f.seller.Commit(ctx)
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}

	f.chain.failBroadcast = errBoom
	_, err := f.buyer.Lock(ctx, f.source)
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("Lock() error = %v, want ErrCollaborator", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Lock() error = %v, should unwrap to the cause", err)
	}
	var cerr *CollaboratorError
	if !errors.As(err, &cerr) || cerr.Op != "broadcast funding tx" {
		t.Errorf("CollaboratorError = %+v", cerr)
	}
	if f.buyer.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.buyer.State())
	}
}

func TestInsufficientFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.seller.Commit(ctx)
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}

	src := *f.source
	src.Value = testAmount
	if _, err := f.buyer.Lock(ctx, &src); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Lock() error = %v, want ErrInsufficientFunds", err)
	}
	if f.buyer.State() != StateCommitted {
		t.Errorf("state = %s, want committed", f.buyer.State())
	}
}

func TestWaitForLockExpires(t *testing.T) {
	engine := adaptor.New()
	chain := newTestChain()
	seller, err := NewSellerSession(SessionConfig{
		SwapID:   testSwapID,
		Content:  testContent,
		Amount:   testAmount,
		Key:      secp.NewScalar(1),
		Engine:   engine,
		Timeouts: Timeouts{Commit: time.Minute, Lock: 20 * time.Millisecond, Reveal: time.Minute, Broadcast: time.Minute},
	}, NewRawSigner(engine))
	if err != nil {
		t.Fatalf("NewSellerSession() error = %v", err)
	}

	c, err := seller.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	buyerKey, _ := secp.BaseMul(randomKey(t)).EvenY()
	root, err := taproot.CommitmentRoot(buyerKey, c.AdaptorPoint)
	if err != nil {
		t.Fatalf("CommitmentRoot() error = %v", err)
	}
	out, err := taproot.DeriveOutput(buyerKey, root)
	if err != nil {
		t.Fatalf("DeriveOutput() error = %v", err)
	}
	notice := &LockNotice{
		SwapID:       testSwapID,
		BuyerKey:     buyerKey,
		OutputScript: out.OutputScript,
		Amount:       testAmount,
	}

	err = seller.WaitForLock(context.Background(), notice, chain)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("WaitForLock() error = %v, want ErrExpired", err)
	}
	if seller.State() != StateExpired {
		t.Errorf("state = %s, want expired", seller.State())
	}
}

func TestSessionConfigValidation(t *testing.T) {
	signer := NewRawSigner(nil)
	tests := []struct {
		name string
		cfg  SessionConfig
	}{
		{"missing id", SessionConfig{Content: "x", Amount: 1, Key: secp.NewScalar(1)}},
		{"zero amount", SessionConfig{SwapID: "a", Content: "x", Key: secp.NewScalar(1)}},
		{"zero key", SessionConfig{SwapID: "a", Content: "x", Amount: 1, Key: secp.NewScalar(0)}},
		{"nil key", SessionConfig{SwapID: "a", Content: "x", Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSellerSession(tt.cfg, signer); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestKeyWipedOnTerminalState(t *testing.T) {
	f := newFixture(t)
	if err := f.seller.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if f.seller.key != nil {
		t.Error("seller key not dropped after cancel")
	}
	if !errors.Is(f.seller.Err(), ErrCancelled) {
		t.Errorf("Err() = %v, want ErrCancelled", f.seller.Err())
	}
}

func TestBuyerCancelAfterLockRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.seller.Commit(ctx)
	if err := f.buyer.ReceiveCommitment(c); err != nil {
		t.Fatalf("ReceiveCommitment() error = %v", err)
	}
	if _, err := f.buyer.Lock(ctx, f.source); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := f.buyer.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel() after lock error = %v, want ErrInvalidState", err)
	}
}

func TestRawSigner(t *testing.T) {
	s := NewRawSigner(nil)
	m, err := s.Sign(secp.NewScalar(3), "an arbitrarily long message that is not 32 bytes")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !s.Verify(m) {
		t.Fatal("Verify() = false")
	}
	m.Content = "tampered"
	if s.Verify(m) {
		t.Error("Verify() accepted tampered content")
	}
	if _, err := s.Sign(secp.NewScalar(0), "x"); err == nil {
		t.Error("Sign() with zero key should fail")
	}
}
