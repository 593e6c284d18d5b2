// Package runcode implements run_code_kernel: executes one function record
// referenced by a span id, subject to a per-tenant daily quota and a
// per-record advisory lock (§4.5).
package runcode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/internal/sandbox"
)

// Outcome reports what happened for a single invocation, for callers (tests,
// the request-worker kernel) that want to observe the result without
// re-querying the ledger.
type Outcome string

const (
	OutcomeExecuted       Outcome = "executed"
	OutcomeQuotaViolation Outcome = "quota_violation"
	OutcomeLockContended  Outcome = "lock_contended"
	OutcomeThrottleBusy   Outcome = "throttle_busy"
)

// Run executes the function at spanID under ctx, following §4.5's algorithm
// exactly: tenant quota guard, per-record lock, sandboxed execution, signed
// execution record, optional slow status_patch / policy_violation.
func Run(ctx context.Context, kctx *ctxprovider.Ctx, m manifest.Manifest, spanID string) (Outcome, error) {
	target, err := kctx.GetLatest(ctx, spanID)
	if err != nil {
		return "", ledgererr.NotFound("runcode.Run", fmt.Errorf("span %s: %w", spanID, err))
	}
	if target.EntityType != "function" {
		return "", ledgererr.Validation("runcode.Run", ledgererr.ErrInvalidTarget)
	}
	if target.TenantID != "" && target.TenantID != kctx.Identity().TenantID {
		return "", ledgererr.Authorization("runcode.Run", ledgererr.ErrTenantMismatch)
	}

	throttleKey := "throttle:" + target.TenantID
	locked, unlockThrottle, err := kctx.TryLock(ctx, throttleKey)
	if err != nil {
		return "", ledgererr.Transient("runcode.Run", err)
	}
	if !locked {
		time.Sleep(100 * time.Millisecond)
		return OutcomeThrottleBusy, nil
	}

	quotaExceeded, quotaErr := func() (bool, error) {
		defer unlockThrottle()
		count, err := kctx.CountExecutionsToday(ctx, target.TenantID)
		if err != nil {
			return false, err
		}
		return count >= m.Throttle.PerTenantDailyExecLimit, nil
	}()
	if quotaErr != nil {
		return "", ledgererr.Transient("runcode.Run", quotaErr)
	}

	if quotaExceeded && !hasValidOverride(target, m) {
		violation := &ledger.Record{
			ID:         kctx.Crypto().RandomUUID(),
			EntityType: "policy_violation",
			Who:        "kernel:run_code",
			Did:        "quota_exceeded",
			This:       spanID,
			ParentID:   target.ID,
			RelatedTo:  []string{target.ID},
			OwnerID:    kctx.Identity().UserID,
			TenantID:   target.TenantID,
			Visibility: ledger.VisibilityTenant,
		}
		if err := signIfKeyed(kctx, violation); err != nil {
			return "", err
		}
		if err := kctx.InsertRecord(ctx, violation); err != nil {
			return "", err
		}
		return OutcomeQuotaViolation, nil
	}

	locked, unlockRecord, err := kctx.TryLock(ctx, target.ID)
	if err != nil {
		return "", ledgererr.Transient("runcode.Run", err)
	}
	if !locked {
		return OutcomeLockContended, nil
	}
	defer unlockRecord()

	slowMs := m.Policy.SlowMs
	if slowMs <= 0 {
		slowMs = 5000
	}
	result := sandbox.Run(ctx, sandbox.Request{
		Script:     target.Code,
		EntryPoint: "main",
		Input:      decodeInput(target.Input),
		Timeout:    time.Duration(slowMs) * time.Millisecond,
	})

	execution := &ledger.Record{
		ID:         kctx.Crypto().RandomUUID(),
		EntityType: "execution",
		Who:        "kernel:run_code",
		Did:        "executed",
		This:       spanID,
		ParentID:   target.ID,
		RelatedTo:  []string{target.ID},
		OwnerID:    kctx.Identity().UserID,
		TenantID:   target.TenantID,
		Visibility: ledger.VisibilityTenant,
		Input:      target.Input,
		DurationMs: result.DurationMs,
		TraceID:    target.TraceID,
	}

	if result.Failure != nil {
		execution.Status = "error"
		detail := result.Failure.Detail
		if result.Failure.Kind == sandbox.ErrorKindTimeout {
			detail = "timeout"
		}
		errPayload, _ := json.Marshal(map[string]string{"message": detail})
		execution.Error = errPayload
	} else {
		execution.Status = "complete"
		outPayload, merr := json.Marshal(result.Output)
		if merr == nil {
			execution.Output = outPayload
		}
		if result.DurationMs > int64(slowMs) {
			patch := &ledger.Record{
				ID:         kctx.Crypto().RandomUUID(),
				EntityType: "status_patch",
				Who:        "kernel:run_code",
				Did:        "marked_slow",
				This:       spanID,
				ParentID:   target.ID,
				RelatedTo:  []string{target.ID},
				OwnerID:    kctx.Identity().UserID,
				TenantID:   target.TenantID,
				Visibility: ledger.VisibilityTenant,
				Metadata:   mustJSON(map[string]string{"status": "slow"}),
			}
			if err := signIfKeyed(kctx, patch); err != nil {
				return "", err
			}
			if err := kctx.InsertRecord(ctx, patch); err != nil {
				return "", err
			}
		}
	}

	if err := signIfKeyed(kctx, execution); err != nil {
		return "", err
	}
	if err := kctx.InsertRecord(ctx, execution); err != nil {
		return "", err
	}
	return OutcomeExecuted, nil
}

// hasValidOverride implements the signed-override bypass in §4.5 step 2:
// target.metadata.force == true AND target.public_key equals
// manifest.override_pubkey_hex, case-insensitively.
func hasValidOverride(target *ledger.Record, m manifest.Manifest) bool {
	if len(target.Metadata) == 0 {
		return false
	}
	var meta struct {
		Force bool `json:"force"`
	}
	if err := json.Unmarshal(target.Metadata, &meta); err != nil {
		return false
	}
	if !meta.Force {
		return false
	}
	return m.IsOverridePublicKey(target.PublicKey)
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func signIfKeyed(kctx *ctxprovider.Ctx, rec *ledger.Record) error {
	if kctx.Env().SigningKey == "" {
		return nil
	}
	if err := rec.Sign(kctx.Env().SigningKey, kctx.Env().PublicKey); err != nil {
		return ledgererr.Internal("runcode.signIfKeyed", err)
	}
	return nil
}
