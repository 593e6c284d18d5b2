// Package kernelrunner drives the three periodic kernels — observer,
// request-worker, policy-agent — on cron schedules (§4.6, §4.7, §4.8).
// Grounded on the teacher's go.mod choice of github.com/robfig/cron/v3 for
// tick-driven background work (the pack's only cron dependency); no
// teacher package in the retrieval set wires it, so the scheduling shape
// here follows cron's own documented AddFunc convention directly.
package kernelrunner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/kernels/observer"
	"github.com/loglineos/core/internal/kernels/policyagent"
	"github.com/loglineos/core/internal/kernels/requestworker"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/pkg/logger"
	"github.com/loglineos/core/pkg/metrics"
)

// Runner owns the cron scheduler and the store/manifest the kernels run
// against, under a fixed operator-level session identity (the kernels
// themselves act as "who", e.g. "kernel:observer", on the records they
// emit; this identity is only the session installed on the connection).
type Runner struct {
	Store    *ledger.Store
	Manifest *manifest.Loader
	Identity ctxprovider.Env
	Log      *logger.Logger

	cron *cron.Cron
}

// Schedules are the default cron expressions for each periodic kernel:
// observer and request-worker tick every 5 seconds worth of ledger
// throughput (cron's seconds field requires the cron.WithSeconds parser
// option), policy-agent every 30 seconds since its batch is larger (500
// candidates vs 16/8) and less latency-sensitive.
const (
	ObserverSchedule      = "@every 5s"
	RequestWorkerSchedule = "@every 5s"
	PolicyAgentSchedule   = "@every 30s"
)

// New builds a Runner with the three kernels registered on their default
// schedules. Start/Stop control the underlying cron scheduler's goroutine.
func New(r *Runner) (*Runner, error) {
	if r.Log == nil {
		r.Log = logger.NewDefault("kernelrunner")
	}
	r.cron = cron.New()

	if _, err := r.cron.AddFunc(ObserverSchedule, r.runObserver); err != nil {
		return nil, fmt.Errorf("kernelrunner: schedule observer: %w", err)
	}
	if _, err := r.cron.AddFunc(RequestWorkerSchedule, r.runRequestWorker); err != nil {
		return nil, fmt.Errorf("kernelrunner: schedule request_worker: %w", err)
	}
	if _, err := r.cron.AddFunc(PolicyAgentSchedule, r.runPolicyAgent); err != nil {
		return nil, fmt.Errorf("kernelrunner: schedule policy_agent: %w", err)
	}
	return r, nil
}

// Start runs the scheduler in its own goroutine.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight tick to finish.
func (r *Runner) Stop() context.Context { return r.cron.Stop() }

// kctxFor builds a capability bundle scoped to one tenant's session identity
// (§4.3 session identity), carrying the runner's own signing key so emitted
// records are signed under the same envelope as every other kernel.
func (r *Runner) kctxFor(tenantID string) *ctxprovider.Ctx {
	env := r.Identity
	env.TenantID = tenantID
	return ctxprovider.New(r.Store, env)
}

func (r *Runner) currentManifest(ctx context.Context) (manifest.Manifest, bool) {
	m, err := r.Manifest.Current(ctx)
	if err != nil {
		r.Log.Component("kernelrunner").WithError(err).Warn("manifest unavailable, skipping tick")
		return manifest.Manifest{}, false
	}
	return m, true
}

// tenants enumerates every tenant with ledger activity, the sweep scope for
// each periodic kernel (§4.6-§4.8: each kernel acts across all tenants, not
// one session's visible slice — see Store.ListActiveTenants).
func (r *Runner) tenants(ctx context.Context) []string {
	ids, err := r.Store.ListActiveTenants(ctx)
	if err != nil {
		r.Log.Component("kernelrunner").WithError(err).Warn("list active tenants failed, skipping tick")
		return nil
	}
	return ids
}

func (r *Runner) runObserver() {
	ctx := context.Background()
	m, ok := r.currentManifest(ctx)
	if !ok {
		return
	}
	total := 0
	for _, tenantID := range r.tenants(ctx) {
		n, err := observer.RunOnce(ctx, r.kctxFor(tenantID), m)
		if err != nil {
			metrics.ObserveKernelInvocation("observer", "error")
			r.Log.Component("observer").WithField("tenant_id", tenantID).WithError(err).Error("observer tick failed")
			continue
		}
		total += n
	}
	metrics.ObserveKernelInvocation("observer", "ok")
	r.Log.Component("observer").WithField("scheduled", total).Debug("observer tick complete")
}

func (r *Runner) runRequestWorker() {
	ctx := context.Background()
	m, ok := r.currentManifest(ctx)
	if !ok {
		return
	}
	total := 0
	for _, tenantID := range r.tenants(ctx) {
		n, err := requestworker.RunOnce(ctx, r.kctxFor(tenantID), m, m.Kernels.RunCode)
		if err != nil {
			metrics.ObserveKernelInvocation("request_worker", "error")
			r.Log.Component("request_worker").WithField("tenant_id", tenantID).WithError(err).Error("request_worker tick failed")
			continue
		}
		total += n
	}
	metrics.ObserveKernelInvocation("request_worker", "ok")
	r.Log.Component("request_worker").WithField("invoked", total).Debug("request_worker tick complete")
}

func (r *Runner) runPolicyAgent() {
	ctx := context.Background()
	if _, ok := r.currentManifest(ctx); !ok {
		return
	}
	total := 0
	for _, tenantID := range r.tenants(ctx) {
		n, err := policyagent.RunOnce(ctx, r.kctxFor(tenantID))
		if err != nil {
			metrics.ObserveKernelInvocation("policy_agent", "error")
			r.Log.Component("policy_agent").WithField("tenant_id", tenantID).WithError(err).Error("policy_agent tick failed")
			continue
		}
		total += n
	}
	metrics.ObserveKernelInvocation("policy_agent", "ok")
	r.Log.Component("policy_agent").WithField("dispatched", total).Debug("policy_agent tick complete")
}
