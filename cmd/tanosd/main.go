// Package main provides the tanosd daemon. It keeps the swap journal, expires
// stale swaps, publishes revealed events to Nostr relays and can run a full
// swap locally against a simulated chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/config"
	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/rpc"
	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/internal/wallet"
	"github.com/klingon-exchange/tanos/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// eventTags mark swap events so relays and clients can filter them.
var eventTags = [][]string{{"t", "tanos"}}

// passwordEnv names the environment variable holding the wallet password.
const passwordEnv = "TANOS_WALLET_PASSWORD"

func main() {
	var (
		dataDir      = flag.String("data-dir", "~/.tanos", "Data directory")
		network      = flag.String("network", "", "Network (mainnet, testnet, signet, regtest), overrides config")
		relays       = flag.String("relays", "", "Nostr relays (comma-separated ws/wss URLs), overrides config")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		apiAddr      = flag.String("api", "", "JSON-RPC listen address, overrides config (\"off\" disables)")
		createWallet = flag.Bool("create-wallet", false, "Create a wallet sealed with $"+passwordEnv+" and print its mnemonic")
		simulate     = flag.Bool("simulate", false, "Run one swap between two local parties on a simulated chain and exit")
		simAmount    = flag.Int64("sim-amount", 100000, "Simulated swap amount in satoshis")
		simContent   = flag.String("sim-content", "tanos simulated swap", "Content of the simulated event")
		simPublish   = flag.Bool("sim-publish", false, "Publish the simulated event to the configured relays")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("tanosd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *network != "" {
		cfg.Network = chain.Network(*network)
	}
	if *relays != "" {
		cfg.Relays = splitList(*relays)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	switch *apiAddr {
	case "":
	case "off":
		cfg.APIAddr = ""
	default:
		cfg.APIAddr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	logOut, closeLog, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir), "network", cfg.Network)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *simulate {
		simCfg := &SimulationConfig{
			Dir:              filepath.Join(cfg.ExpandedDataDir(), "simulation", time.Now().Format("20060102-150405")),
			Content:          *simContent,
			Amount:           *simAmount,
			FeeRate:          uint64(cfg.Swap.FeeRate),
			Timeouts:         cfg.SwapTimeouts(),
			MaxNonceAttempts: cfg.Swap.MaxNonceAttempts,
		}
		if *simPublish {
			simCfg.Relays = cfg.Relays
		}
		res, err := runSimulation(ctx, simCfg)
		if err != nil {
			log.Fatal("Simulation failed", "error", err)
		}
		log.Info("Simulation finished",
			"swap", res.SwapID,
			"event", res.EventID,
			"funding", res.FundingOutPoint,
			"claim", res.ClaimTxID,
			"claimed", res.ClaimValue,
			"relays", res.Published)
		return
	}

	if err := run(ctx, cfg, *createWallet); err != nil {
		log.Fatal("Node failed", "error", err)
	}
	log.Info("Goodbye!")
}

// run starts the node and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, createWallet bool) error {
	log := logging.GetDefault()

	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	dataPath := cfg.ExpandedDataDir()

	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	chainBackend, err := backend.New(cfg.BackendConfig(params), params)
	if err != nil {
		return err
	}
	if err := chainBackend.Connect(ctx); err != nil {
		log.Warn("Backend not reachable", "type", chainBackend.Type(), "error", err)
	}
	defer chainBackend.Close()

	engine := adaptor.New(adaptor.WithMaxNonceAttempts(cfg.Swap.MaxNonceAttempts))
	builder := wallet.NewTxBuilder(params, chainBackend)
	walletService := wallet.NewService(&wallet.ServiceConfig{
		DataDir: dataPath,
		Params:  params,
		UTXOs:   chainBackend,
		Builder: builder,
		Engine:  engine,
	})
	if err := unlockWallet(walletService, createWallet); err != nil {
		return err
	}
	defer walletService.Lock()

	signer := nostr.NewSigner(engine, nostr.WithTags(eventTags))
	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Journal:  store,
		Engine:   engine,
		Signer:   signer,
		Builder:  builder,
		Timeouts: cfg.SwapTimeouts(),
		MinConf:  cfg.MinConf(params),
	})
	defer coordinator.Close()
	coordinator.OnEvent(func(ev swap.SwapEvent) {
		log.Info("Swap event", "type", ev.EventType, "swap", ev.SwapID, "state", ev.State)
	})
	go coordinator.Run(ctx, 30*time.Second)

	if n, err := expireStale(store, time.Now()); err != nil {
		log.Warn("Failed to expire stale swaps", "error", err)
	} else if n > 0 {
		log.Info("Stale swaps expired", "count", n)
	}

	pool := nostr.NewPool(cfg.Relays)
	defer pool.Close()

	if cfg.APIAddr != "" {
		api := rpc.NewServer(&rpc.Config{
			Store:       store,
			Wallet:      walletService,
			Coordinator: coordinator,
			Events:      pool,
			Network:     params.Network,
			Version:     version,
		})
		if err := api.Start(cfg.APIAddr); err != nil {
			return err
		}
		defer api.Stop()
	}

	printBanner(log, cfg, params, walletService)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if len(cfg.Relays) > 0 {
			if n, err := republish(ctx, store, pool); err != nil {
				log.Warn("Event publishing incomplete", "published", n, "error", err)
			} else if n > 0 {
				log.Info("Events published", "count", n)
			}
		}
		pending, finished, err := store.SwapCount()
		if err == nil {
			log.Debug("Status", "pending", pending, "finished", finished, "active", len(coordinator.List()))
		}

		select {
		case <-ctx.Done():
			log.Info("Shutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

// unlockWallet loads the wallet sealed in the data directory, or creates one
// when asked. Without a password the node runs watch-only.
func unlockWallet(svc *wallet.Service, create bool) error {
	log := logging.GetDefault()
	password := os.Getenv(passwordEnv)

	if create {
		if svc.HasWallet() {
			return wallet.ErrWalletExists
		}
		if err := wallet.ValidatePassword(password); err != nil {
			return fmt.Errorf("$%s: %w", passwordEnv, err)
		}
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return err
		}
		if err := svc.CreateWallet(mnemonic, "", password); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\nWrite down your recovery phrase:\n\n  %s\n\n", mnemonic)
		return nil
	}

	if !svc.HasWallet() {
		log.Warn("No wallet found, running without funds", "create", "-create-wallet")
		return nil
	}
	if password == "" {
		log.Warn("Wallet locked", "unlock", "$"+passwordEnv)
		return nil
	}
	return svc.LoadWallet(password, "")
}

func printBanner(log *logging.Logger, cfg *config.Config, params *chain.Params, svc *wallet.Service) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  TANOS swap node (%s)", params.Name)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if addr, err := svc.FundingAddress(); err == nil {
		log.Infof("  Funding address: %s", addr)
	}
	log.Infof("  Relays: %s", strings.Join(cfg.Relays, ", "))
	if cfg.APIAddr != "" {
		log.Infof("  API: http://%s", cfg.APIAddr)
	}
	log.Infof("  Data dir: %s", cfg.ExpandedDataDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
