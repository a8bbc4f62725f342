package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/pkg/logging"
)

// Watcher polls a Backend until an output is funded or a transaction is
// confirmed.
type Watcher struct {
	backend  Backend
	interval time.Duration
	log      *logging.Logger
}

// NewWatcher creates a watcher polling b every interval.
func NewWatcher(b Backend, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		backend:  b,
		interval: interval,
		log:      logging.GetDefault().Component("watcher").With("backend", b.Type()),
	}
}

// WaitForFunding blocks until an output of at least amount paying to script
// has minConf confirmations, and returns its outpoint. A non-zero want
// restricts the match to that outpoint; other outputs paying the same script
// are ignored. Backend errors are logged and retried; only ctx ends the wait
// early.
func (w *Watcher) WaitForFunding(ctx context.Context, script []byte, want wire.OutPoint, amount int64, minConf uint32) (wire.OutPoint, error) {
	for {
		op, ok, err := w.findFunding(ctx, script, want, amount, minConf)
		if err != nil {
			if ctx.Err() != nil {
				return wire.OutPoint{}, ctx.Err()
			}
			w.log.Warn("Funding poll failed", "error", err)
		}
		if ok {
			w.log.Info("Funding confirmed", "outpoint", op, "min_conf", minConf)
			return op, nil
		}

		select {
		case <-ctx.Done():
			return wire.OutPoint{}, ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

func (w *Watcher) findFunding(ctx context.Context, script []byte, want wire.OutPoint, amount int64, minConf uint32) (wire.OutPoint, bool, error) {
	utxos, err := w.backend.ScriptUTXOs(ctx, script)
	if err != nil {
		return wire.OutPoint{}, false, err
	}
	if len(utxos) == 0 {
		return wire.OutPoint{}, false, nil
	}

	var tip int64
	if minConf > 0 {
		tip, err = w.backend.GetBlockHeight(ctx)
		if err != nil {
			return wire.OutPoint{}, false, err
		}
	}

	anyOutput := want == (wire.OutPoint{})
	for _, u := range utxos {
		op, err := u.OutPoint()
		if err != nil {
			return wire.OutPoint{}, false, err
		}
		if !anyOutput && op != want {
			continue
		}
		if u.Value < amount {
			continue
		}
		if minConf > 0 && u.Confirmations(tip) < int64(minConf) {
			continue
		}
		return op, true, nil
	}
	return wire.OutPoint{}, false, nil
}

// WaitForConfirmation blocks until txID has minConf confirmations.
func (w *Watcher) WaitForConfirmation(ctx context.Context, txID string, minConf uint32) (*TxStatus, error) {
	for {
		status, err := w.txConfirmed(ctx, txID, minConf)
		switch {
		case err == nil && status != nil:
			return status, nil
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && !errors.Is(err, ErrTxNotFound):
			w.log.Warn("Confirmation poll failed", "txid", txID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

func (w *Watcher) txConfirmed(ctx context.Context, txID string, minConf uint32) (*TxStatus, error) {
	status, err := w.backend.GetTxStatus(ctx, txID)
	if err != nil {
		return nil, err
	}
	if minConf == 0 {
		return status, nil
	}
	if !status.Confirmed {
		return nil, nil
	}
	tip, err := w.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if tip-status.BlockHeight+1 < int64(minConf) {
		return nil, nil
	}
	return status, nil
}

// OutputSpendable reports whether outpoint is still unspent at script. It
// is used to check a lock output before presigning.
func (w *Watcher) OutputSpendable(ctx context.Context, script []byte, op wire.OutPoint) (bool, error) {
	utxos, err := w.backend.ScriptUTXOs(ctx, script)
	if err != nil {
		return false, fmt.Errorf("failed to list outputs: %w", err)
	}
	for _, u := range utxos {
		got, err := u.OutPoint()
		if err == nil && got == op {
			return true, nil
		}
	}
	return false, nil
}
