package swap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// testChain is an in-memory UTXO set that validates every broadcast with the
// btcd script engine. It implements TxBuilder and FundingWatcher.
type testChain struct {
	mu            sync.Mutex
	utxos         map[wire.OutPoint]*wire.TxOut
	broadcasts    []*wire.MsgTx
	failBroadcast error
	nonce         uint32
}

func newTestChain() *testChain {
	return &testChain{utxos: make(map[wire.OutPoint]*wire.TxOut)}
}

// mint creates a spendable output out of thin air.
func (c *testChain) mint(script []byte, value int64) wire.OutPoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], c.nonce)
	op := wire.OutPoint{Hash: chainhash.HashH(seed[:]), Index: 0}
	c.utxos[op] = wire.NewTxOut(value, script)
	return op
}

func (c *testChain) BuildOutput(script []byte, amount int64, prev wire.OutPoint) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script))
	return tx, nil
}

func (c *testChain) SetWitness(tx *wire.MsgTx, idx int, items [][]byte) (*wire.MsgTx, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input %d out of range", idx)
	}
	out := tx.Copy()
	out.TxIn[idx].Witness = wire.TxWitness(items)
	return out, nil
}

func (c *testChain) Sighash(tx *wire.MsgTx, idx int, prevScripts [][]byte, prevValues []int64, mode txscript.SigHashType) ([]byte, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(prevValues[i], prevScripts[i]))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcTaprootSignatureHash(hashes, mode, tx, idx, fetcher)
}

func (c *testChain) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failBroadcast != nil {
		return chainhash.Hash{}, c.failBroadcast
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		prev, ok := c.utxos[in.PreviousOutPoint]
		if !ok {
			return chainhash.Hash{}, fmt.Errorf("missing input %s", in.PreviousOutPoint)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, prev)
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := c.utxos[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if err := vm.Execute(); err != nil {
			return chainhash.Hash{}, fmt.Errorf("input %d rejected: %w", i, err)
		}
	}

	for _, in := range tx.TxIn {
		delete(c.utxos, in.PreviousOutPoint)
	}
	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		c.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = out
	}
	c.broadcasts = append(c.broadcasts, tx)
	return txid, nil
}

func (c *testChain) WaitForFunding(ctx context.Context, script []byte, want wire.OutPoint, amount int64, minConf uint32) (wire.OutPoint, error) {
	c.mu.Lock()
	for op, out := range c.utxos {
		if want != (wire.OutPoint{}) && op != want {
			continue
		}
		if string(out.PkScript) == string(script) && out.Value >= amount {
			c.mu.Unlock()
			return op, nil
		}
	}
	c.mu.Unlock()

	<-ctx.Done()
	return wire.OutPoint{}, ctx.Err()
}

func (c *testChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

// memJournal records every saved record.
type memJournal struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (j *memJournal) SaveSwap(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return j.err
}

func (j *memJournal) states(id string) []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []State
	for _, r := range j.records {
		if r.ID == id {
			out = append(out, r.State)
		}
	}
	return out
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func randomKey(t *testing.T) *secp.Scalar {
	t.Helper()
	k, err := secp.RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("RandomScalar() error = %v", err)
	}
	return k
}

// oddYKey returns the smallest scalar whose public point has an odd Y.
func oddYKey(t *testing.T) *secp.Scalar {
	t.Helper()
	for v := uint32(2); v < 64; v++ {
		k := secp.NewScalar(v)
		if !secp.BaseMul(k).HasEvenY() {
			return k
		}
	}
	t.Fatal("no odd-Y key below 64")
	return nil
}

func p2trScript(t *testing.T, key *secp.Scalar) []byte {
	t.Helper()
	out, err := taproot.DeriveOutput(secp.BaseMul(key), nil)
	if err != nil {
		t.Fatalf("DeriveOutput() error = %v", err)
	}
	return out.OutputScript
}

const (
	testSwapID  = "swap-1"
	testContent = "hello"
	testAmount  = int64(100_000)
	testFee     = int64(500)
)

// fixture wires one seller and one buyer against a shared test chain.
type fixture struct {
	chain   *testChain
	signer  *RawSigner
	seller  *SellerSession
	buyer   *BuyerSession
	source  *FundingSource
	payout  []byte
	journal *memJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithKey(t, secp.NewScalar(1))
}

// newFixtureWithKey is newFixture with a chosen seller key.
func newFixtureWithKey(t *testing.T, sellerKey *secp.Scalar) *fixture {
	t.Helper()

	engine := adaptor.New()
	chain := newTestChain()
	signer := NewRawSigner(engine)

	seller, err := NewSellerSession(SessionConfig{
		SwapID:  testSwapID,
		Content: testContent,
		Amount:  testAmount,
		Key:     sellerKey,
		Engine:  engine,
	}, signer)
	if err != nil {
		t.Fatalf("NewSellerSession() error = %v", err)
	}

	buyer, err := NewBuyerSession(SessionConfig{
		SwapID:  testSwapID,
		Content: testContent,
		Amount:  testAmount,
		Key:     randomKey(t),
		Engine:  engine,
	}, signer, chain)
	if err != nil {
		t.Fatalf("NewBuyerSession() error = %v", err)
	}

	fundKey := randomKey(t)
	value := testAmount + 1_000
	op := chain.mint(p2trScript(t, fundKey), value)

	return &fixture{
		chain:  chain,
		signer: signer,
		seller: seller,
		buyer:  buyer,
		source: &FundingSource{OutPoint: op, Value: value, Key: fundKey},
		payout: p2trScript(t, randomKey(t)),
	}
}

// lockAndPresign runs the protocol up to the Seller's reveal.
func (f *fixture) lockAndPresign(t *testing.T) *Commitment {
	t.Helper()
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
	if err := f.seller.WaitForLock(ctx, notice, f.chain); err != nil {
		t.Fatalf("WaitForLock() error = %v", err)
	}
	if _, err := f.buyer.PreSign(f.payout, testFee); err != nil {
		t.Fatalf("PreSign() error = %v", err)
	}
	return c
}

var errBoom = errors.New("boom")
