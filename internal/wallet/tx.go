package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/logging"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Transaction errors
var (
	ErrDustOutput     = errors.New("output below dust limit")
	ErrNoBroadcaster  = errors.New("no broadcaster configured")
	ErrPrevOutsLength = errors.New("previous outputs do not match inputs")
)

// DustLimit is the smallest P2TR output relayed by default policy.
const DustLimit int64 = 330

// Virtual sizes of P2TR key-path spends, rounded up.
const (
	txOverheadVBytes = 11
	p2trInputVBytes  = 58
	p2trOutputVBytes = 43
)

// EstimateVSize estimates the vsize of a transaction spending inputs P2TR
// key-path outputs into outputs P2TR outputs.
func EstimateVSize(inputs, outputs int) int64 {
	return int64(txOverheadVBytes + inputs*p2trInputVBytes + outputs*p2trOutputVBytes)
}

// EstimateFee returns the fee in satoshis for the given shape at feeRate sat/vB.
func EstimateFee(inputs, outputs int, feeRate uint64) int64 {
	return EstimateVSize(inputs, outputs) * int64(feeRate)
}

// ClaimFee is the fee of the one-in, one-out claim transaction.
func ClaimFee(feeRate uint64) int64 {
	return EstimateFee(1, 1, feeRate)
}

// Broadcaster submits raw transactions. backend.Esplora implements it.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// TxBuilder builds, signs over and broadcasts the lock and claim transactions
// on btcd's wire and txscript packages.
type TxBuilder struct {
	params      *chain.Params
	broadcaster Broadcaster
	log         *logging.Logger
}

var _ swap.TxBuilder = (*TxBuilder)(nil)

// NewTxBuilder creates a transaction builder. broadcaster may be nil when
// transactions are only built and signed.
func NewTxBuilder(params *chain.Params, broadcaster Broadcaster) *TxBuilder {
	return &TxBuilder{
		params:      params,
		broadcaster: broadcaster,
		log:         logging.GetDefault().Component("tx").With("network", params.Network),
	}
}

// BuildOutput builds an unsigned version 2 transaction spending prev into a
// single output of amount paying to script.
func (b *TxBuilder) BuildOutput(script []byte, amount int64, prev wire.OutPoint) (*wire.MsgTx, error) {
	if len(script) == 0 {
		return nil, fmt.Errorf("empty output script")
	}
	if amount < DustLimit {
		return nil, fmt.Errorf("%w: %d < %d", ErrDustOutput, amount, DustLimit)
	}

	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&prev, nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum - 2 // signal RBF
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(amount, script))
	return tx, nil
}

// SetWitness returns a copy of tx with the witness of input idx replaced.
func (b *TxBuilder) SetWitness(tx *wire.MsgTx, idx int, items [][]byte) (*wire.MsgTx, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range (%d inputs)", idx, len(tx.TxIn))
	}
	out := tx.Copy()
	witness := make(wire.TxWitness, len(items))
	for i, item := range items {
		witness[i] = append([]byte(nil), item...)
	}
	out.TxIn[idx].Witness = witness
	return out, nil
}

// Sighash computes the BIP341 key-path signature hash of input idx.
// prevScripts and prevValues describe the outputs spent by every input.
func (b *TxBuilder) Sighash(tx *wire.MsgTx, idx int, prevScripts [][]byte, prevValues []int64, mode txscript.SigHashType) ([]byte, error) {
	fetcher, err := prevOutFetcher(tx, prevScripts, prevValues)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range (%d inputs)", idx, len(tx.TxIn))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcTaprootSignatureHash(hashes, mode, tx, idx, fetcher)
}

// Broadcast serializes tx and submits it.
func (b *TxBuilder) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if b.broadcaster == nil {
		return chainhash.Hash{}, ErrNoBroadcaster
	}

	raw, err := SerializeTx(tx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid := tx.TxHash()
	got, err := b.broadcaster.BroadcastTransaction(ctx, raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if got != txid.String() {
		// The backend already accepted the transaction; its id is ours.
		b.log.Warn("Backend returned a different txid", "txid", txid, "backend_txid", got)
	}

	b.log.Info("Transaction broadcast", "txid", txid, "vsize", vsize(tx))
	return txid, nil
}

// SignKeyPathInputs signs every input of tx as a BIP86 key-path spend. keys
// and prevOuts are indexed like tx.TxIn.
func SignKeyPathInputs(e *adaptor.Engine, tx *wire.MsgTx, prevOuts []*wire.TxOut, keys []*secp.Scalar) error {
	if len(keys) != len(tx.TxIn) || len(prevOuts) != len(tx.TxIn) {
		return ErrPrevOutsLength
	}

	scripts := make([][]byte, len(prevOuts))
	values := make([]int64, len(prevOuts))
	for i, out := range prevOuts {
		scripts[i] = out.PkScript
		values[i] = out.Value
	}
	fetcher, err := prevOutFetcher(tx, scripts, values)
	if err != nil {
		return err
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, key := range keys {
		out, err := taproot.DeriveOutput(secp.BaseMul(key), nil)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if !bytes.Equal(out.OutputScript, prevOuts[i].PkScript) {
			return fmt.Errorf("input %d: key does not own the spent output", i)
		}
		sighash, err := txscript.CalcTaprootSignatureHash(hashes, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		sig, err := taproot.SignForSpend(e, key, out, sighash)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig}
	}
	return nil
}

// VerifyInputs runs the script engine over every input of tx.
func VerifyInputs(tx *wire.MsgTx, prevOuts []*wire.TxOut) error {
	if len(prevOuts) != len(tx.TxIn) {
		return ErrPrevOutsLength
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(prevOuts[i].PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prevOuts[i].Value, fetcher)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

func prevOutFetcher(tx *wire.MsgTx, scripts [][]byte, values []int64) (*txscript.MultiPrevOutFetcher, error) {
	if len(scripts) != len(tx.TxIn) || len(values) != len(tx.TxIn) {
		return nil, fmt.Errorf("%w: %d inputs, %d scripts, %d values",
			ErrPrevOutsLength, len(tx.TxIn), len(scripts), len(values))
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(values[i], scripts[i]))
	}
	return fetcher, nil
}

// SerializeTx returns the hex encoding of tx including witnesses.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a hex-encoded transaction.
func DeserializeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}

func vsize(tx *wire.MsgTx) int64 {
	base := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	weight := base*3 + total
	return int64((weight + 3) / 4)
}
