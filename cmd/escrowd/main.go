package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"escrowcore/config"
	"escrowcore/core/events"
	"escrowcore/ledger"
	"escrowcore/native/escrow"
	"escrowcore/observability/logging"
	"escrowcore/rpc"
	"escrowcore/storage"
)

const shutdownTimeout = 10 * time.Second

var genesisAppliedKey = []byte("ledger/genesis-applied")

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.ServiceName, cfg.Environment)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow"))
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	book := ledger.NewBook(db)
	if err := applyGenesisAlloc(db, book, cfg, log); err != nil {
		log.Error("apply genesis allocation", "error", err)
		os.Exit(1)
	}

	store := escrow.NewStore(db)
	engine := escrow.NewEngine(store, book)
	eventLog := events.NewLog()
	engine.SetEmitter(eventLog)

	authToken := os.Getenv(cfg.RPCTokenEnv)
	if authToken == "" {
		log.Warn("RPC auth token not set; mutating methods are disabled", "env", cfg.RPCTokenEnv)
	}
	server := rpc.NewServer(engine, eventLog, authToken)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Handler(),
	}

	go func() {
		log.Info("escrow engine listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down escrow engine")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// applyGenesisAlloc credits the configured allocations exactly once per data
// dir. A marker key prevents double-minting across restarts.
func applyGenesisAlloc(db storage.Database, book *ledger.Book, cfg *config.Config, log *slog.Logger) error {
	if len(cfg.Alloc) == 0 {
		return nil
	}
	if _, err := db.Get(genesisAppliedKey); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	allocs, err := cfg.GenesisAlloc()
	if err != nil {
		return err
	}
	for _, alloc := range allocs {
		if err := book.Mint(alloc.Address, alloc.Amount); err != nil {
			return err
		}
	}
	log.Info("genesis allocation applied", "accounts", len(allocs))
	return db.Put(genesisAppliedKey, []byte{1})
}
