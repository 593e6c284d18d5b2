// Package observer implements observer_bot_kernel: a cron-driven sweep that
// turns scheduled function records into scheduled request records (§4.6).
package observer

import (
	"context"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
)

const batchSize = 16

// RunOnce performs one observer sweep (§4.6 steps 1-5). It returns the
// number of request records it successfully scheduled; duplicate-schedule
// Conflict errors from the partial unique index are swallowed as no-ops
// (§7 "treat as a no-op success at the observer layer"), matching R2's
// idempotency requirement.
func RunOnce(ctx context.Context, kctx *ctxprovider.Ctx, m manifest.Manifest) (scheduled int, err error) {
	candidates, err := kctx.Query(ctx, ledger.QueryOptions{EntityType: "function", Status: "scheduled", Limit: batchSize})
	if err != nil {
		return 0, err
	}

	for _, fn := range candidates {
		ok, unlock, lockErr := kctx.TryLock(ctx, fn.ID)
		if lockErr != nil {
			return scheduled, ledgererr.Transient("observer.RunOnce", lockErr)
		}
		if !ok {
			continue
		}

		didSchedule, stepErr := scheduleOne(ctx, kctx, m, &fn)
		unlock()
		if stepErr != nil {
			return scheduled, stepErr
		}
		if didSchedule {
			scheduled++
		}
	}
	return scheduled, nil
}

func scheduleOne(ctx context.Context, kctx *ctxprovider.Ctx, m manifest.Manifest, fn *ledger.Record) (bool, error) {
	count, err := kctx.CountExecutionsToday(ctx, fn.TenantID)
	if err != nil {
		return false, ledgererr.Transient("observer.scheduleOne", err)
	}
	if count >= m.Throttle.PerTenantDailyExecLimit {
		violation := &ledger.Record{
			ID:         kctx.Crypto().RandomUUID(),
			EntityType: "policy_violation",
			Who:        "kernel:observer",
			Did:        "quota_exceeded",
			This:       fn.ID,
			ParentID:   fn.ID,
			RelatedTo:  []string{fn.ID},
			OwnerID:    kctx.Identity().UserID,
			TenantID:   fn.TenantID,
			Visibility: ledger.VisibilityTenant,
		}
		if err := signIfKeyed(kctx, violation); err != nil {
			return false, err
		}
		if err := kctx.InsertRecord(ctx, violation); err != nil {
			return false, err
		}
		return false, nil
	}

	request := &ledger.Record{
		ID:         kctx.Crypto().RandomUUID(),
		EntityType: "request",
		Who:        "kernel:observer",
		Did:        "scheduled",
		This:       "run_code",
		ParentID:   fn.ID,
		RelatedTo:  []string{fn.ID},
		OwnerID:    kctx.Identity().UserID,
		TenantID:   fn.TenantID,
		Visibility: ledger.VisibilityTenant,
		Status:     "scheduled",
		TraceID:    kctx.Crypto().RandomUUID(),
	}
	if err := signIfKeyed(kctx, request); err != nil {
		return false, err
	}
	if err := kctx.InsertRecord(ctx, request); err != nil {
		if ledgererr.KindOf(err) == ledgererr.KindConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func signIfKeyed(kctx *ctxprovider.Ctx, rec *ledger.Record) error {
	if kctx.Env().SigningKey == "" {
		return nil
	}
	if err := rec.Sign(kctx.Env().SigningKey, kctx.Env().PublicKey); err != nil {
		return ledgererr.Internal("observer.signIfKeyed", err)
	}
	return nil
}
