// Package manifest models the single governance record gating the whole
// system (§4.11) and the read-mostly, TTL-expired cache Stage-0 and the
// kernels use to avoid hitting the store on every invocation (§4.4 caching
// discipline, §9 "Global mutable state").
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
)

// Kernels lists the ids of the five cooperating kernels plus Stage-0 itself.
type Kernels struct {
	RunCode       string `json:"run_code"`
	Observer      string `json:"observer"`
	RequestWorker string `json:"request_worker"`
	PolicyAgent   string `json:"policy_agent"`
	ProviderExec  string `json:"provider_exec"`
	Stage0Loader  string `json:"stage0_loader"`
}

// Throttle is the tenant quota configuration.
type Throttle struct {
	PerTenantDailyExecLimit int `json:"per_tenant_daily_exec_limit"`
}

// Policy is the sandbox-timing configuration.
type Policy struct {
	SlowMs int `json:"slow_ms"`
}

// Manifest is the decoded contents of the current entity_type='manifest'
// record's metadata column.
type Manifest struct {
	Kernels          Kernels  `json:"kernels"`
	AllowedBootIDs   []string `json:"allowed_boot_ids"`
	Throttle         Throttle `json:"throttle"`
	Policy           Policy   `json:"policy"`
	OverridePubkeyHex string  `json:"override_pubkey_hex"`

	RecordID string `json:"-"`
}

const (
	defaultDailyExecLimit = 100
	defaultSlowMs         = 5000
)

func defaults() Manifest {
	return Manifest{Throttle: Throttle{PerTenantDailyExecLimit: defaultDailyExecLimit}, Policy: Policy{SlowMs: defaultSlowMs}}
}

// AllowsBoot reports whether id is in the whitelist (§4.4 step 3).
func (m Manifest) AllowsBoot(id string) bool {
	for _, allowed := range m.AllowedBootIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// IsOverridePublicKey reports whether pubKeyHex matches the manifest's
// override key, case-insensitively (§4.5 step 2).
func (m Manifest) IsOverridePublicKey(pubKeyHex string) bool {
	if m.OverridePubkeyHex == "" || pubKeyHex == "" {
		return false
	}
	return equalFoldHex(m.OverridePubkeyHex, pubKeyHex)
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if toLowerHexByte(a[i]) != toLowerHexByte(b[i]) {
			return false
		}
	}
	return true
}

func toLowerHexByte(c byte) byte {
	if c >= 'A' && c <= 'F' {
		return c + ('a' - 'A')
	}
	return c
}

func parse(rec *ledger.Record) (Manifest, error) {
	m := defaults()
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &m); err != nil {
			return Manifest{}, fmt.Errorf("manifest: decode metadata: %w", err)
		}
	}
	if m.Throttle.PerTenantDailyExecLimit <= 0 {
		m.Throttle.PerTenantDailyExecLimit = defaultDailyExecLimit
	}
	if m.Policy.SlowMs <= 0 {
		m.Policy.SlowMs = defaultSlowMs
	}
	m.RecordID = rec.ID
	return m, nil
}

// Loader is the manifest cache described in §4.4 and §9: a refresh failure
// falls back to the last-known-good value until TTL×2, then fails closed.
// Current refreshes synchronously while holding the loader's mutex, so
// concurrent callers wait for an in-flight refresh to finish.
type Loader struct {
	source func(ctx context.Context) (*ledger.Record, error)
	ttl    time.Duration

	mu        sync.Mutex
	cached    *Manifest
	cachedAt  time.Time
}

// NewLoader builds a Loader that fetches the current manifest record via
// fetch (typically a store query for the most recent entity_type='manifest'
// row) and caches the decoded result for ttl.
func NewLoader(fetch func(ctx context.Context) (*ledger.Record, error), ttl time.Duration) *Loader {
	return &Loader{source: fetch, ttl: ttl}
}

// Current returns the current manifest, refreshing from the store if the
// cache is stale. On refresh failure it serves the last-known-good cached
// value if one exists and is within 2×ttl of its last successful fetch;
// otherwise it returns ErrManifestUnavailable.
func (l *Loader) Current(ctx context.Context) (Manifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && time.Since(l.cachedAt) < l.ttl {
		return *l.cached, nil
	}

	rec, err := l.source(ctx)
	if err == nil {
		m, parseErr := parse(rec)
		if parseErr != nil {
			err = parseErr
		} else {
			l.cached = &m
			l.cachedAt = time.Now()
			return m, nil
		}
	}

	if l.cached != nil && time.Since(l.cachedAt) < 2*l.ttl {
		return *l.cached, nil
	}
	return Manifest{}, ledgererr.Configuration("manifest.Loader.Current", fmt.Errorf("%w: %v", ledgererr.ErrManifestUnavailable, err))
}
