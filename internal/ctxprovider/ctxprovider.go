// Package ctxprovider builds the capability bundle handed to every kernel
// invocation (§4.3): a bound SQL surface, record insertion, clock, and
// crypto, all scoped to one session identity. Grounded on the teacher's
// system/sandbox.SandboxContext and system/enclave/sdk.EnclaveSDK — a bundle
// of capability sub-interfaces constructed once per invocation — trimmed to
// the exact capability set the spec names. Capabilities deliberately NOT
// provided: filesystem, arbitrary network, process spawn, timers beyond
// sleep. Outbound HTTPS is reachable only through provider-exec.
package ctxprovider

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/loglineos/core/internal/cryptocore"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
)

// Env is the read-only boot-request-derived environment (§4.3 env).
type Env struct {
	UserID     string
	TenantID   string
	SigningKey string // hex-encoded Ed25519 private key; empty if signing is unavailable
	PublicKey  string // hex-encoded Ed25519 public key paired with SigningKey
}

// Crypto bundles the hash/sign/verify/uuid/hex primitives (§4.3 crypto).
type Crypto struct{ env Env }

func (c Crypto) Hash(v any) (string, error) { return cryptocore.HashHex(v) }

func (c Crypto) Sign(v any) (hash string, signature string, err error) {
	if c.env.SigningKey == "" {
		return "", "", ledgererr.Configuration("Crypto.Sign", fmt.Errorf("no signing key installed in this session"))
	}
	sum, err := cryptocore.Hash(v)
	if err != nil {
		return "", "", ledgererr.Internal("Crypto.Sign", err)
	}
	sig, err := cryptocore.Sign(c.env.SigningKey, sum)
	if err != nil {
		return "", "", ledgererr.Internal("Crypto.Sign", err)
	}
	return hex.EncodeToString(sum[:]), sig, nil
}

func (c Crypto) Verify(v any, hashHex, signatureHex, publicKeyHex string) bool {
	sum, err := cryptocore.Hash(v)
	if err != nil {
		return false
	}
	if hex.EncodeToString(sum[:]) != hashHex {
		return false
	}
	return cryptocore.Verify(publicKeyHex, sum, signatureHex)
}

func (c Crypto) RandomUUID() string         { return uuid.NewString() }
func (c Crypto) Hex(b []byte) string        { return hex.EncodeToString(b) }
func (c Crypto) Bytes(h string) ([]byte, error) { return hex.DecodeString(h) }

// Ctx is the capability bundle (§4.3): everything a kernel invocation may
// touch, scoped to one session identity, and nothing else.
type Ctx struct {
	store    *ledger.Store
	identity ledger.Identity
	env      Env
	crypto   Crypto
}

// New builds a Ctx for one kernel invocation under the given boot-derived
// environment.
func New(store *ledger.Store, env Env) *Ctx {
	identity := ledger.Identity{UserID: env.UserID, TenantID: env.TenantID}
	return &Ctx{store: store, identity: identity, env: env, crypto: Crypto{env: env}}
}

// Env exposes the read-only environment capability.
func (c *Ctx) Env() Env { return c.env }

// Crypto exposes the crypto capability bundle.
func (c *Ctx) Crypto() Crypto { return c.crypto }

// Now returns a UTC timestamp with millisecond precision (§4.3 now()).
func (c *Ctx) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// InsertRecord performs an atomic single-row insert under the session
// identity (§4.3 insertRecord, I6).
func (c *Ctx) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	return c.store.InsertRecord(ctx, c.identity, rec)
}

// Query runs a parameterized SELECT over the visible timeline (§4.1 query).
// Callers pass filters as QueryOptions fields, never SQL; the store binds
// every filter value as a query parameter (§9 "Safe-SQL discipline").
func (c *Ctx) Query(ctx context.Context, opts ledger.QueryOptions) ([]ledger.Record, error) {
	return c.store.Query(ctx, c.identity, opts)
}

// GetLatest loads the highest-seq visible row for a logical id.
func (c *Ctx) GetLatest(ctx context.Context, id string) (*ledger.Record, error) {
	return c.store.GetLatest(ctx, c.identity, id)
}

// WithDB is the scoped connection-acquisition capability (§4.3 withDb):
// guaranteed release on every exit path, including panics propagated by fn.
func (c *Ctx) WithDB(ctx context.Context, fn func(*sqlx.Conn) error) error {
	return c.store.WithConnection(ctx, c.identity, fn)
}

// TryLock / Unlock expose the registry's advisory locks to kernels directly
// (run_code's per-record and per-tenant locks, §5.3).
func (c *Ctx) TryLock(ctx context.Context, key string) (ok bool, unlock func(), err error) {
	return c.store.TryLock(ctx, key)
}

// CountExecutionsToday supports the tenant quota guard (§4.5 step 2).
func (c *Ctx) CountExecutionsToday(ctx context.Context, tenantID string) (int, error) {
	return c.store.CountExecutionsToday(ctx, c.identity, tenantID)
}

// Identity exposes the session identity bound to this ctx, e.g. for
// cross-tenant checks (TenantMismatch, §4.5).
func (c *Ctx) Identity() ledger.Identity { return c.identity }
