// Package stage0 implements the only trusted out-of-ledger code in the
// system: validate a boot request, resolve the whitelisted function, verify
// its envelope, and run it in the sandbox under a freshly built ctx (§4.4).
// Everything downstream of this package is data.
package stage0

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/internal/sandbox"
	"github.com/loglineos/core/pkg/logger"
)

var (
	userIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,100}$`)
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)
)

// Request is the decoded POST /boot body.
type Request struct {
	BootFunctionID string `json:"boot_function_id"`
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
}

// Validate applies the input validation rules from §4.4.
func (r Request) Validate() error {
	if _, err := uuid.Parse(r.BootFunctionID); err != nil {
		return ledgererr.Validation("Request.Validate", fmt.Errorf("boot_function_id is not a valid UUID: %w", err))
	}
	if !userIDPattern.MatchString(r.UserID) {
		return ledgererr.Validation("Request.Validate", fmt.Errorf("user_id does not match the required pattern"))
	}
	if r.TenantID != "" && !tenantIDPattern.MatchString(r.TenantID) {
		return ledgererr.Validation("Request.Validate", fmt.Errorf("tenant_id does not match the required pattern"))
	}
	return nil
}

// ExecutionSummary is the inner "execution" field of Result.
type ExecutionSummary struct {
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
}

// Result is the §4.4 step 9 response shape.
type Result struct {
	BootEventID string           `json:"boot_event_id"`
	FunctionID  string           `json:"function_id"`
	Execution   ExecutionSummary `json:"execution"`
	DurationMs  int64            `json:"duration_ms"`
}

// Loader is the Stage-0 bootstrap. IsProduction gates the strict-manifest
// behavior of B2/B3; SigningKey/PublicKey are installed on the boot session
// identity's ctx so the emitted boot_event and any kernel-issued records can
// be signed (§6.4 signing_key_hex).
type Loader struct {
	Store        *ledger.Store
	Manifest     *manifest.Loader
	IsProduction bool
	SigningKey   string
	PublicKey    string
}

// Boot runs the full §4.4 algorithm.
func (l *Loader) Boot(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	started := time.Now()

	m, err := l.Manifest.Current(ctx)
	manifestMissing := err != nil
	if manifestMissing {
		if l.IsProduction {
			return Result{}, ledgererr.Configuration("Loader.Boot", err)
		}
		// Non-production: absence of any manifest is a logged warning, not a
		// hard failure (§4.4 step 3, B2). The allowed_boot_ids check is
		// meaningless with no manifest to check against, so it is skipped.
		logger.NewDefault("stage0").Component("stage0").WithError(err).
			Warn("no manifest available; booting without the allowed_boot_ids check")
	} else if !m.AllowsBoot(req.BootFunctionID) {
		return Result{}, ledgererr.Authorization("Loader.Boot", fmt.Errorf("boot_function_id %s is not in manifest.allowed_boot_ids", req.BootFunctionID))
	}

	env := ctxprovider.Env{UserID: req.UserID, TenantID: req.TenantID, SigningKey: l.SigningKey, PublicKey: l.PublicKey}
	kernelCtx := ctxprovider.New(l.Store, env)

	fn, err := kernelCtx.GetLatest(ctx, req.BootFunctionID)
	if err != nil {
		return Result{}, ledgererr.NotFound("Loader.Boot", ledgererr.ErrFunctionNotFound)
	}
	if fn.EntityType != "function" {
		return Result{}, ledgererr.Validation("Loader.Boot", ledgererr.ErrInvalidTarget)
	}

	if fn.CurrHash != "" || fn.Signature != "" {
		ok, err := fn.Verify()
		if err != nil {
			return Result{}, ledgererr.Integrity("Loader.Boot", err)
		}
		if !ok {
			return Result{}, ledgererr.Integrity("Loader.Boot", ledgererr.ErrSignatureInvalid)
		}
	}

	bootEventInput, _ := json.Marshal(map[string]string{
		"boot_function_id": req.BootFunctionID,
		"user_id":          req.UserID,
		"tenant_id":        req.TenantID,
	})
	bootEvent := &ledger.Record{
		ID:         kernelCtx.Crypto().RandomUUID(),
		EntityType: "boot_event",
		Who:        "edge:stage0",
		Did:        "booted",
		This:       "stage0",
		Status:     "complete",
		RelatedTo:  []string{req.BootFunctionID},
		OwnerID:    req.UserID,
		TenantID:   req.TenantID,
		Visibility: ledger.VisibilityTenant,
		Input:      bootEventInput,
		TraceID:    req.TraceID,
	}
	if l.SigningKey != "" {
		if err := bootEvent.Sign(l.SigningKey, l.PublicKey); err != nil {
			return Result{}, ledgererr.Internal("Loader.Boot", err)
		}
	}
	if err := kernelCtx.InsertRecord(ctx, bootEvent); err != nil {
		return Result{}, err
	}

	sandboxResult := sandbox.Run(ctx, sandbox.Request{
		Script:     fn.Code,
		EntryPoint: "main",
		Input:      bindCtx(kernelCtx),
		Timeout:    5 * time.Second,
	})

	result := Result{BootEventID: bootEvent.ID, FunctionID: fn.ID, DurationMs: time.Since(started).Milliseconds()}
	if sandboxResult.Failure != nil {
		result.Execution = ExecutionSummary{Status: "error"}
		return result, nil
	}
	result.Execution = ExecutionSummary{Status: "complete", Output: sandboxResult.Output}
	return result, nil
}

// bindCtx adapts the Go-side ctxprovider.Ctx into the plain-value bindings
// map the sandbox exposes to script globals (§4.3 capability surface).
func bindCtx(c *ctxprovider.Ctx) map[string]any {
	return map[string]any{
		"now": func() string { return c.Now().Format(time.RFC3339Nano) },
		"env": map[string]any{"user_id": c.Env().UserID, "tenant_id": c.Env().TenantID},
		"crypto": map[string]any{
			"randomUUID": c.Crypto().RandomUUID,
		},
	}
}
