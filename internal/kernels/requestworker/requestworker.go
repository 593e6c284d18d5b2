// Package requestworker implements request_worker_kernel: pulls scheduled
// request records and invokes run_code_kernel on each request's parent
// function (§4.7).
package requestworker

import (
	"context"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/kernels/runcode"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
)

const batchSize = 8

// RunOnce performs one worker sweep (§4.7 steps 2-5). The loaded run_code
// code id (step 1, "load latest run_code_kernel code from the ledger") is
// resolved by the caller via m.Kernels.RunCode and passed in as
// runCodeKernelID so this package stays a pure scheduler: the actual
// function body executes through runcode.Run, the same sandboxed path
// run_code invocations always take, rather than re-interpreting the kernel's
// own code a second time.
func RunOnce(ctx context.Context, kctx *ctxprovider.Ctx, m manifest.Manifest, runCodeKernelID string) (invoked int, err error) {
	if runCodeKernelID == "" {
		return 0, ledgererr.Configuration("requestworker.RunOnce", ledgererr.ErrFunctionNotFound)
	}
	if _, err := kctx.GetLatest(ctx, runCodeKernelID); err != nil {
		return 0, ledgererr.Configuration("requestworker.RunOnce", err)
	}

	requests, err := kctx.Query(ctx, ledger.QueryOptions{EntityType: "request", Status: "scheduled", Limit: batchSize})
	if err != nil {
		return 0, err
	}

	for _, req := range requests {
		spanID := req.ParentID
		if spanID == "" {
			continue
		}
		// runcode.Run takes its own per-record advisory lock on spanID
		// (§4.5 step 3); a second lock here on the same key from this
		// process would only ever contend with itself, so the worker
		// relies on that inner lock rather than taking a redundant outer
		// one (§4.7 step 3's lock and §4.5 step 3's lock are the same
		// advisory key).
		outcome, runErr := runcode.Run(ctx, kctx, m, spanID)
		if runErr != nil {
			return invoked, runErr
		}
		if outcome == runcode.OutcomeExecuted || outcome == runcode.OutcomeQuotaViolation {
			invoked++
		}
	}
	return invoked, nil
}
