package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/internal/wallet"
	"github.com/klingon-exchange/tanos/pkg/logging"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// simPassword seals the throwaway simulation wallets.
const simPassword = "Simulation-Only-1"

// SimulationConfig describes a local swap between two in-process parties on
// a simulated regtest chain.
type SimulationConfig struct {
	// Dir holds one data directory per party.
	Dir string

	Content string
	Amount  int64
	FeeRate uint64

	Timeouts         swap.Timeouts
	MinConf          uint32
	MaxNonceAttempts int

	// Relays receive the revealed event; the buyer then fetches it back.
	// Empty means the reveal is handed over in process.
	Relays []string
}

// SimulationResult summarizes a completed simulation.
type SimulationResult struct {
	SwapID          string
	EventID         string
	Event           *nostr.Event
	FundingOutPoint string
	ClaimTxID       string
	ClaimValue      int64
	Published       int
}

// party is one side of the simulated swap: a node with its own wallet,
// journal and coordinator.
type party struct {
	name   string
	wallet *wallet.Service
	store  *storage.Storage
	coord  *swap.Coordinator
}

func (p *party) close() {
	p.coord.Close()
	p.wallet.Lock()
	p.store.Close()
}

// runSimulation plays a full swap: the seller commits to a signed event, the
// buyer locks coins to the committed output and pre-signs the claim, the
// seller reveals the event and the buyer completes and broadcasts the claim.
func runSimulation(ctx context.Context, cfg *SimulationConfig) (*SimulationResult, error) {
	log := logging.GetDefault().Component("sim")

	if cfg.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", cfg.Amount)
	}
	params, ok := chain.Get(chain.Regtest)
	if !ok {
		return nil, errors.New("regtest parameters not registered")
	}

	sim := backend.NewSimulated()
	feeRate := cfg.FeeRate
	if feeRate == 0 {
		est, err := sim.GetFeeEstimates(ctx)
		if err != nil {
			return nil, err
		}
		feeRate = est.HalfHourFee
	}
	minConf := cfg.MinConf
	if minConf == 0 {
		minConf = params.Confirmations
	}

	engine := adaptor.New(adaptor.WithMaxNonceAttempts(cfg.MaxNonceAttempts))
	signer := nostr.NewSigner(engine, nostr.WithTags(eventTags))
	builder := wallet.NewTxBuilder(params, sim)

	newParty := func(name string) (*party, error) {
		dir := filepath.Join(cfg.Dir, name)
		store, err := storage.New(&storage.Config{DataDir: dir})
		if err != nil {
			return nil, err
		}
		svc := wallet.NewService(&wallet.ServiceConfig{
			DataDir: dir,
			Params:  params,
			UTXOs:   sim,
			Builder: builder,
			Engine:  engine,
		})
		if svc.HasWallet() {
			err = svc.LoadWallet(simPassword, "")
		} else {
			var mnemonic string
			if mnemonic, err = wallet.GenerateMnemonic(); err == nil {
				err = svc.CreateWallet(mnemonic, "", simPassword)
			}
		}
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("%s wallet: %w", name, err)
		}
		coord := swap.NewCoordinator(&swap.CoordinatorConfig{
			Journal:  store,
			Engine:   engine,
			Signer:   signer,
			Builder:  builder,
			Timeouts: cfg.Timeouts,
			MinConf:  minConf,
		})
		return &party{name: name, wallet: svc, store: store, coord: coord}, nil
	}

	seller, err := newParty("seller")
	if err != nil {
		return nil, err
	}
	defer seller.close()
	buyer, err := newParty("buyer")
	if err != nil {
		return nil, err
	}
	defer buyer.close()

	swapID := swap.NewSwapID()
	log = log.With("swap", swapID)

	sellerKey, err := sessionKey(seller)
	if err != nil {
		return nil, err
	}
	defer sellerKey.Zero()
	buyerKey, err := sessionKey(buyer)
	if err != nil {
		return nil, err
	}
	defer buyerKey.Zero()

	ss, err := seller.coord.NewSeller(swapID, cfg.Content, cfg.Amount, sellerKey)
	if err != nil {
		return nil, err
	}
	bs, err := buyer.coord.NewBuyer(swapID, cfg.Content, cfg.Amount, buyerKey)
	if err != nil {
		return nil, err
	}

	// Fund the buyer with more than needed so PrepareFunding has to split.
	fundScript, err := buyer.wallet.FundingScript()
	if err != nil {
		return nil, err
	}
	sim.Fund(fundScript, 2*cfg.Amount+wallet.EstimateFee(1, 2, feeRate)+wallet.DustLimit)

	commitment, err := ss.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	log.Info("Seller committed", "adaptor_point", logging.Short(commitment.AdaptorPoint.SerializeCompressed()))

	if err := bs.ReceiveCommitment(commitment); err != nil {
		return nil, fmt.Errorf("receive commitment: %w", err)
	}

	src, err := buyer.wallet.PrepareFunding(ctx, cfg.Amount, feeRate)
	if err != nil {
		return nil, fmt.Errorf("prepare funding: %w", err)
	}
	notice, err := bs.Lock(ctx, src)
	src.Key.Zero()
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	sim.Mine(int(minConf))

	watcher := backend.NewWatcher(sim, 10*time.Millisecond)
	if err := ss.WaitForLock(ctx, notice, watcher); err != nil {
		return nil, fmt.Errorf("wait for lock: %w", err)
	}
	log.Info("Lock confirmed", "outpoint", notice.OutPoint.String())

	// The lock output must still be unspent before the claim is presigned.
	spendable, err := watcher.OutputSpendable(ctx, notice.OutputScript, notice.OutPoint)
	if err != nil {
		return nil, fmt.Errorf("check lock output: %w", err)
	}
	if !spendable {
		return nil, fmt.Errorf("%w: lock output %s", errLockSpent, notice.OutPoint)
	}

	if _, err := bs.PreSign(fundScript, wallet.ClaimFee(feeRate)); err != nil {
		return nil, fmt.Errorf("pre-sign: %w", err)
	}

	reveal, err := ss.Reveal()
	if err != nil {
		return nil, fmt.Errorf("reveal: %w", err)
	}
	ev := signer.Event(reveal.Message)
	if err := seller.store.SaveEvent(swapID, ev); err != nil {
		return nil, err
	}

	result := &SimulationResult{
		SwapID:          swapID,
		EventID:         ev.ID,
		Event:           ev,
		FundingOutPoint: notice.OutPoint.String(),
	}

	if len(cfg.Relays) > 0 {
		pool := nostr.NewPool(cfg.Relays)
		defer pool.Close()

		n, err := pool.Publish(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("publish event: %w", err)
		}
		result.Published = n
		if err := seller.store.MarkEventPublished(ev.ID, time.Now()); err != nil {
			return nil, err
		}

		fetched, err := pool.FetchEvent(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch event: %w", err)
		}
		if err := checkEventTags(fetched); err != nil {
			return nil, err
		}
		msg, err := nostr.MessageFromEvent(fetched)
		if err != nil {
			return nil, err
		}
		reveal = &swap.Reveal{SwapID: swapID, Message: msg}
	}

	if err := bs.AwaitSecret(reveal); err != nil {
		return nil, fmt.Errorf("await secret: %w", err)
	}
	txid, err := bs.Complete(ctx)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	claim := bs.ClaimTx()
	if err := wallet.VerifyInputs(claim, []*wire.TxOut{wire.NewTxOut(cfg.Amount, notice.OutputScript)}); err != nil {
		return nil, fmt.Errorf("claim does not spend the lock output: %w", err)
	}
	sim.Mine(1)
	if _, err := watcher.WaitForConfirmation(ctx, txid.String(), 1); err != nil {
		return nil, fmt.Errorf("claim confirmation: %w", err)
	}
	if err := buyer.store.SaveEvent(swapID, ev); err != nil {
		return nil, err
	}

	result.ClaimTxID = txid.String()
	if len(claim.TxOut) > 0 {
		result.ClaimValue = claim.TxOut[0].Value
	}
	log.Info("Swap completed", "event", ev.ID, "claim", result.ClaimTxID)
	return result, nil
}

var (
	errLockSpent       = errors.New("lock output already spent")
	errMissingEventTag = errors.New("event is missing a swap tag")
)

// checkEventTags reports whether ev carries every tag the signer attaches.
func checkEventTags(ev *nostr.Event) error {
	for _, tag := range eventTags {
		if !ev.HasTag(tag[0], tag[1]) {
			return fmt.Errorf("%w: %s=%s", errMissingEventTag, tag[0], tag[1])
		}
	}
	return nil
}

// sessionKey derives a fresh session key from the party's persisted index.
func sessionKey(p *party) (*secp.Scalar, error) {
	index, err := p.store.NextSessionIndex()
	if err != nil {
		return nil, err
	}
	return p.wallet.SessionKey(index)
}
