// Command kernelrunner drives the three periodic kernels (observer,
// request-worker, policy-agent) against the registry on cron schedules
// (§4.6-§4.8). It carries its own signing identity so the records it emits
// are signed under the same envelope Stage-0 and run_code use.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/loglineos/core/internal/config"
	"github.com/loglineos/core/internal/cryptocore"
	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/kernelrunner"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: "info", Environment: cfg.Environment})

	if cfg.StoreConnection == "" {
		log.Fatal("STORE_CONNECTION is required")
	}

	db, err := sql.Open("postgres", cfg.StoreConnection)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	store := ledger.New(db)
	manifestLoader := manifest.NewLoader(func(ctx context.Context) (*ledger.Record, error) {
		return store.GetLatestManifest(ctx)
	}, time.Duration(cfg.ManifestCacheTTLMs)*time.Millisecond)

	publicKey := ""
	if cfg.SigningKeyHex != "" {
		pub, derr := cryptocore.DerivePublicKeyHex(cfg.SigningKeyHex)
		if derr != nil {
			log.Fatalf("derive public key: %v", derr)
		}
		publicKey = pub
	}

	identity := ctxprovider.Env{
		UserID:     "kernel:runner",
		TenantID:   cfg.AppTenantID,
		SigningKey: cfg.SigningKeyHex,
		PublicKey:  publicKey,
	}

	runner, err := kernelrunner.New(&kernelrunner.Runner{
		Store:    store,
		Manifest: manifestLoader,
		Identity: identity,
		Log:      log,
	})
	if err != nil {
		log.Fatalf("build kernel runner: %v", err)
	}

	runner.Start()
	log.Component("kernelrunner").Info("started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	<-runner.Stop().Done()
	log.Component("kernelrunner").Info("stopped")
}
