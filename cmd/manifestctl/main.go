// Command manifestctl seeds a fresh registry with its first governance
// record: a manifest (§4.11) naming the five kernel ids plus the boot
// whitelist, and a placeholder function record per kernel id so
// request_worker's existence check on run_code_kernel (§4.7 step 1) resolves.
// Only the stage0_loader id is put on allowed_boot_ids, so /boot with any
// other kernel id is refused by the manifest check. Grounded
// on the teacher's cmd/create-wallet: a flat main() driven by env vars and
// flags, no subcommand framework.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/loglineos/core/internal/config"
	"github.com/loglineos/core/internal/cryptocore"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledger/migrations"
	"github.com/loglineos/core/internal/manifest"
)

func main() {
	ownerID := flag.String("owner", "admin:bootstrap", "who field recorded against the seeded manifest and kernel functions")
	tenantID := flag.String("tenant", "", "tenant_id recorded against the seeded records (empty for a platform-wide manifest)")
	dailyLimit := flag.Int("daily-limit", 100, "manifest.throttle.per_tenant_daily_exec_limit")
	slowMs := flag.Int("slow-ms", 5000, "manifest.policy.slow_ms")
	configPath := flag.String("config", "", "path to a JSON configuration overlay")
	generateKey := flag.Bool("generate-key", false, "generate a fresh Ed25519 signing key instead of using SIGNING_KEY_HEX")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.StoreConnection == "" {
		log.Fatal("STORE_CONNECTION is required")
	}

	db, err := sql.Open("postgres", cfg.StoreConnection)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	signingKey := cfg.SigningKeyHex
	if *generateKey || signingKey == "" {
		priv, pub, err := cryptocore.GenerateKey()
		if err != nil {
			log.Fatalf("generate signing key: %v", err)
		}
		signingKey = priv
		fmt.Printf("generated signing key (store this as SIGNING_KEY_HEX):\n  %s\npublic key (store this as manifest.override_pubkey_hex if this identity should bypass quotas):\n  %s\n\n", priv, pub)
	}
	publicKey, err := cryptocore.DerivePublicKeyHex(signingKey)
	if err != nil {
		log.Fatalf("derive public key: %v", err)
	}

	store := ledger.New(db)
	identity := ledger.Identity{UserID: *ownerID, TenantID: *tenantID}

	kernelIDs := manifest.Kernels{
		RunCode:       uuid.NewString(),
		Observer:      uuid.NewString(),
		RequestWorker: uuid.NewString(),
		PolicyAgent:   uuid.NewString(),
		ProviderExec:  uuid.NewString(),
		Stage0Loader:  uuid.NewString(),
	}

	for name, id := range map[string]string{
		"run_code":       kernelIDs.RunCode,
		"observer":       kernelIDs.Observer,
		"request_worker": kernelIDs.RequestWorker,
		"policy_agent":   kernelIDs.PolicyAgent,
		"provider_exec":  kernelIDs.ProviderExec,
		"stage0_loader":  kernelIDs.Stage0Loader,
	} {
		fn := &ledger.Record{
			ID:         id,
			EntityType: "function",
			Who:        *ownerID,
			Did:        "defined",
			This:       name,
			Name:       name,
			Description: fmt.Sprintf("kernel placeholder for %s; the kernel's actual behavior is implemented in-process and does not re-interpret this record's code", name),
			Code:       "function main(ctx) { return { kernel: " + jsonString(name) + " }; }",
			Language:   "javascript",
			OwnerID:    *ownerID,
			TenantID:   *tenantID,
			Visibility: ledger.VisibilityPublic,
			Status:     "active",
		}
		if err := fn.Sign(signingKey, publicKey); err != nil {
			log.Fatalf("sign %s function: %v", name, err)
		}
		if err := store.InsertRecord(ctx, identity, fn); err != nil {
			log.Fatalf("insert %s function: %v", name, err)
		}
		fmt.Printf("seeded function %-14s id=%s\n", name, id)
	}

	manifestMetadata, err := json.Marshal(manifest.Manifest{
		Kernels:           kernelIDs,
		AllowedBootIDs:    []string{kernelIDs.Stage0Loader},
		Throttle:          manifest.Throttle{PerTenantDailyExecLimit: *dailyLimit},
		Policy:            manifest.Policy{SlowMs: *slowMs},
		OverridePubkeyHex: publicKey,
	})
	if err != nil {
		log.Fatalf("marshal manifest metadata: %v", err)
	}

	manifestRecord := &ledger.Record{
		ID:         uuid.NewString(),
		EntityType: "manifest",
		Who:        *ownerID,
		Did:        "published",
		This:       "manifest",
		Status:     "active",
		OwnerID:    *ownerID,
		TenantID:   *tenantID,
		Visibility: ledger.VisibilityPublic,
		Metadata:   manifestMetadata,
	}
	if err := manifestRecord.Sign(signingKey, publicKey); err != nil {
		log.Fatalf("sign manifest: %v", err)
	}
	if err := store.InsertRecord(ctx, identity, manifestRecord); err != nil {
		log.Fatalf("insert manifest: %v", err)
	}
	fmt.Printf("seeded manifest id=%s\n", manifestRecord.ID)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
