// Package policyagent implements policy_agent_kernel: evaluates every active
// policy record against new visible records since that policy's cursor, and
// dispatches the resulting actions (§4.8).
package policyagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/sandbox"
)

const (
	candidateBatchSize = 500
	evalTimeout        = 3 * time.Second
)

// action is the recognized shape a policy's code may return: either
// { run: 'run_code', span_id } or { emit_span: {...} } (§4.8's action
// table). A run_code action with a span_id is dispatched as a run even if
// emit_span is also present; otherwise an emit_span is dispatched; anything
// else is a policy_error.
type action struct {
	Run      string           `json:"run,omitempty"`
	SpanID   string           `json:"span_id,omitempty"`
	EmitSpan *json.RawMessage `json:"emit_span,omitempty"`
}

// RunOnce evaluates every active policy against its pending candidates and
// returns the number of actions dispatched across all policies.
func RunOnce(ctx context.Context, kctx *ctxprovider.Ctx) (dispatched int, err error) {
	policies, err := kctx.Query(ctx, ledger.QueryOptions{EntityType: "policy", Status: "active", Limit: candidateBatchSize})
	if err != nil {
		return 0, err
	}

	for _, p := range policies {
		n, err := runPolicy(ctx, kctx, &p)
		if err != nil {
			return dispatched, err
		}
		dispatched += n
	}
	return dispatched, nil
}

func runPolicy(ctx context.Context, kctx *ctxprovider.Ctx, policy *ledger.Record) (int, error) {
	cursor, err := latestCursor(ctx, kctx, policy.ID)
	if err != nil {
		return 0, err
	}

	candidates, err := kctx.Query(ctx, ledger.QueryOptions{
		TenantID:  policy.TenantID,
		After:     &cursor,
		Ascending: true,
		Limit:     candidateBatchSize,
	})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	var newest time.Time
	processedAny := false
	for _, s := range candidates {
		processedAny = true
		if s.At.After(newest) {
			newest = s.At
		}

		result := sandbox.Run(ctx, sandbox.Request{
			Script:     policy.Code,
			EntryPoint: "main",
			Input:      decodeInput(s),
			Timeout:    evalTimeout,
		})
		if result.Failure != nil {
			if err := emitPolicyError(ctx, kctx, policy, &s, result.Failure.Detail); err != nil {
				return dispatched, err
			}
			continue
		}

		actions := decodeActions(result.Output)
		for _, a := range actions {
			if err := dispatchAction(ctx, kctx, policy, a); err != nil {
				// An unrecognized or malformed action is the policy's own
				// defect, not the agent's: record it and keep walking
				// (§4.8 "additional actions are out of scope").
				if ledgererr.KindOf(err) == ledgererr.KindValidation {
					if emitErr := emitPolicyError(ctx, kctx, policy, &s, err.Error()); emitErr != nil {
						return dispatched, emitErr
					}
					continue
				}
				return dispatched, err
			}
			dispatched++
		}
	}

	if processedAny {
		if err := emitCursor(ctx, kctx, policy, newest); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func latestCursor(ctx context.Context, kctx *ctxprovider.Ctx, policyID string) (time.Time, error) {
	cursors, err := kctx.Query(ctx, ledger.QueryOptions{EntityType: "policy_cursor", Limit: 100})
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, c := range cursors {
		related := false
		for _, r := range c.RelatedTo {
			if r == policyID {
				related = true
				break
			}
		}
		if !related {
			continue
		}
		if c.At.After(latest) {
			latest = c.At
		}
	}
	return latest, nil
}

func decodeInput(rec ledger.Record) any {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}

func decodeActions(output any) []action {
	b, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	var actions []action
	if err := json.Unmarshal(b, &actions); err != nil {
		return nil
	}
	return actions
}

func dispatchAction(ctx context.Context, kctx *ctxprovider.Ctx, policy *ledger.Record, a action) error {
	switch {
	case a.Run == "run_code" && a.SpanID != "":
		rec := &ledger.Record{
			ID:         kctx.Crypto().RandomUUID(),
			EntityType: "request",
			Who:        "kernel:policy_agent",
			Did:        "scheduled",
			This:       "run_code",
			ParentID:   a.SpanID,
			RelatedTo:  []string{a.SpanID, policy.ID},
			OwnerID:    kctx.Identity().UserID,
			TenantID:   policy.TenantID,
			Visibility: ledger.VisibilityTenant,
			Status:     "scheduled",
		}
		return signAndInsert(ctx, kctx, rec)
	case a.EmitSpan != nil:
		// entity_type is required on every emit_span action (§4.8's action
		// table); checked with gjson ahead of the full unmarshal so a
		// malformed action is rejected without constructing a zero-value
		// Record first.
		if !gjson.GetBytes(*a.EmitSpan, "entity_type").Exists() {
			return ledgererr.Validation("policyagent.dispatchAction", fmt.Errorf("%w: emit_span missing entity_type", ledgererr.ErrInvariantViolation))
		}
		var rec ledger.Record
		if err := json.Unmarshal(*a.EmitSpan, &rec); err != nil {
			return ledgererr.Validation("policyagent.dispatchAction", err)
		}
		rec.ID = kctx.Crypto().RandomUUID()
		rec.Seq = 0
		rec.At = time.Time{}
		rec.OwnerID = kctx.Identity().UserID
		if rec.TenantID == "" {
			rec.TenantID = policy.TenantID
		}
		if rec.RelatedTo == nil {
			rec.RelatedTo = []string{policy.ID}
		}
		return signAndInsert(ctx, kctx, &rec)
	default:
		return ledgererr.Validation("policyagent.dispatchAction", ledgererr.ErrInvariantViolation)
	}
}

func emitPolicyError(ctx context.Context, kctx *ctxprovider.Ctx, policy *ledger.Record, s *ledger.Record, detail string) error {
	payload, _ := json.Marshal(map[string]string{"message": detail})
	rec := &ledger.Record{
		ID:         kctx.Crypto().RandomUUID(),
		EntityType: "policy_error",
		Who:        "kernel:policy_agent",
		Did:        "evaluation_failed",
		This:       policy.ID,
		ParentID:   policy.ID,
		RelatedTo:  []string{policy.ID, s.ID},
		OwnerID:    kctx.Identity().UserID,
		TenantID:   policy.TenantID,
		Visibility: ledger.VisibilityTenant,
		Error:      payload,
	}
	return signAndInsert(ctx, kctx, rec)
}

func emitCursor(ctx context.Context, kctx *ctxprovider.Ctx, policy *ledger.Record, lastAt time.Time) error {
	metadata, _ := json.Marshal(map[string]string{"last_at": lastAt.Format(time.RFC3339Nano)})
	rec := &ledger.Record{
		ID:         kctx.Crypto().RandomUUID(),
		EntityType: "policy_cursor",
		Who:        "kernel:policy_agent",
		Did:        "cursor_advanced",
		This:       policy.ID,
		RelatedTo:  []string{policy.ID},
		OwnerID:    kctx.Identity().UserID,
		TenantID:   policy.TenantID,
		Visibility: ledger.VisibilityTenant,
		Metadata:   metadata,
	}
	return signAndInsert(ctx, kctx, rec)
}

func signAndInsert(ctx context.Context, kctx *ctxprovider.Ctx, rec *ledger.Record) error {
	if kctx.Env().SigningKey != "" {
		if err := rec.Sign(kctx.Env().SigningKey, kctx.Env().PublicKey); err != nil {
			return ledgererr.Internal("policyagent.signAndInsert", err)
		}
	}
	return kctx.InsertRecord(ctx, rec)
}
