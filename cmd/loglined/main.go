// Command loglined is the HTTP edge process: it serves the ingress contract
// (§6.2) over a registry Store, backed by the environment-driven
// configuration surface (§6.4). Grounded on the teacher's cmd/appserver's
// flag-plus-config-file startup shape, trimmed to this core's own options.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/loglineos/core/internal/config"
	"github.com/loglineos/core/internal/cryptocore"
	"github.com/loglineos/core/internal/httpapi"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledger/migrations"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	configPath := flag.String("config", "", "path to a JSON configuration overlay")
	runMigrations := flag.Bool("migrate", true, "apply embedded registry migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("ping store: %v", err)
	}
	cancel()

	if *runMigrations {
		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := migrations.Apply(migCtx, db); err != nil {
			migCancel()
			log.Fatalf("apply migrations: %v", err)
		}
		migCancel()
	}

	store := ledger.New(db)

	manifestLoader := manifest.NewLoader(func(ctx context.Context) (*ledger.Record, error) {
		return store.GetLatestManifest(ctx)
	}, time.Duration(cfg.ManifestCacheTTLMs)*time.Millisecond)

	publicKey := ""
	if cfg.SigningKeyHex != "" {
		pub, derr := cryptocore.DerivePublicKeyHex(cfg.SigningKeyHex)
		if derr != nil {
			log.Fatalf("derive public key from SIGNING_KEY_HEX: %v", derr)
		}
		publicKey = pub
	}

	handler := httpapi.NewHandler(&httpapi.Handler{
		Store:          store,
		DB:             db,
		DSN:            cfg.StoreConnection,
		Manifest:       manifestLoader,
		IsProduction:   cfg.IsProduction(),
		SigningKey:     cfg.SigningKeyHex,
		PublicKey:      publicKey,
		APITokens:      cfg.APITokens,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Component("loglined").WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
