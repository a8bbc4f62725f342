package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Simulated is an in-process chain. Every broadcast is checked by the btcd
// script engine against the spent outputs; blocks are produced by Mine.
type Simulated struct {
	mu sync.Mutex

	height  int64
	utxos   map[wire.OutPoint]*simOutput
	txs     map[chainhash.Hash]*simTx
	mempool []chainhash.Hash
	minted  uint32
	feeRate uint64
}

type simOutput struct {
	out    *wire.TxOut
	height int64 // 0 while unconfirmed
}

type simTx struct {
	raw    []byte
	height int64
}

// NewSimulated creates an empty chain at height 100.
func NewSimulated() *Simulated {
	return &Simulated{
		height:  100,
		utxos:   make(map[wire.OutPoint]*simOutput),
		txs:     make(map[chainhash.Hash]*simTx),
		feeRate: 2,
	}
}

// Type returns TypeSimulated.
func (s *Simulated) Type() Type {
	return TypeSimulated
}

// Connect is a no-op.
func (s *Simulated) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Simulated) Close() error {
	return nil
}

// Fund creates a confirmed output of value paying to script, as if mined in
// the current tip block.
func (s *Simulated) Fund(script []byte, value int64) wire.OutPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minted++
	var seed [8]byte
	binary.BigEndian.PutUint32(seed[:4], s.minted)
	binary.BigEndian.PutUint32(seed[4:], uint32(s.height))
	op := wire.OutPoint{Hash: chainhash.DoubleHashH(seed[:]), Index: 0}
	s.utxos[op] = &simOutput{out: wire.NewTxOut(value, append([]byte(nil), script...)), height: s.height}
	return op
}

// Mine confirms the mempool in the first of n new blocks.
func (s *Simulated) Mine(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.height++
		for _, txid := range s.mempool {
			s.txs[txid].height = s.height
		}
		for _, out := range s.utxos {
			if out.height == 0 {
				out.height = s.height
			}
		}
		s.mempool = nil
	}
}

// SetFeeRate sets the rate returned by GetFeeEstimates.
func (s *Simulated) SetFeeRate(rate uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeRate = rate
}

// ScriptUTXOs returns unspent outputs paying to script.
func (s *Simulated) ScriptUTXOs(ctx context.Context, script []byte) ([]UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var utxos []UTXO
	for op, out := range s.utxos {
		if !bytes.Equal(out.out.PkScript, script) {
			continue
		}
		utxos = append(utxos, UTXO{
			TxID:        op.Hash.String(),
			Vout:        op.Index,
			Value:       out.out.Value,
			Confirmed:   out.height > 0,
			BlockHeight: out.height,
		})
	}
	return utxos, nil
}

// GetTxStatus returns the confirmation status of a broadcast transaction.
func (s *Simulated) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[*hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	return &TxStatus{Confirmed: tx.height > 0, BlockHeight: tx.height}, nil
}

// GetRawTransaction returns a broadcast transaction's bytes.
func (s *Simulated) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[*hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	return append([]byte(nil), tx.raw...), nil
}

// BroadcastTransaction validates every input of the transaction and adds it
// to the mempool.
func (s *Simulated) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txid := tx.TxHash()
	if _, ok := s.txs[txid]; ok {
		return txid.String(), nil
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	var in, out int64
	for _, txIn := range tx.TxIn {
		prev, ok := s.utxos[txIn.PreviousOutPoint]
		if !ok {
			return "", fmt.Errorf("%w: missing or spent input %s", ErrBroadcastFailed, txIn.PreviousOutPoint)
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prev.out)
		in += prev.out.Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if out > in {
		return "", fmt.Errorf("%w: outputs %d exceed inputs %d", ErrBroadcastFailed, out, in)
	}

	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := s.utxos[txIn.PreviousOutPoint].out
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher)
		if err != nil {
			return "", fmt.Errorf("%w: input %d: %v", ErrBroadcastFailed, i, err)
		}
		if err := vm.Execute(); err != nil {
			return "", fmt.Errorf("%w: input %d: %v", ErrBroadcastFailed, i, err)
		}
	}

	for _, txIn := range tx.TxIn {
		delete(s.utxos, txIn.PreviousOutPoint)
	}
	for i, txOut := range tx.TxOut {
		s.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = &simOutput{out: txOut}
	}
	s.txs[txid] = &simTx{raw: raw}
	s.mempool = append(s.mempool, txid)
	return txid.String(), nil
}

// GetBlockHeight returns the current block height.
func (s *Simulated) GetBlockHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// GetFeeEstimates returns a flat fee rate for every target.
func (s *Simulated) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &FeeEstimate{
		FastestFee:  s.feeRate,
		HalfHourFee: s.feeRate,
		HourFee:     s.feeRate,
		EconomyFee:  s.feeRate,
		MinimumFee:  1,
	}, nil
}

// Ensure Simulated implements Backend
var _ Backend = (*Simulated)(nil)
