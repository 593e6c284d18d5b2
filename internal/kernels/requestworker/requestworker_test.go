package requestworker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
)

var recordColumns = []string{
	"id", "seq", "entity_type", "who", "did", "this", "at", "parent_id", "related_to",
	"owner_id", "tenant_id", "visibility", "status", "is_deleted",
	"name", "description", "code", "language", "runtime",
	"input", "output", "error", "duration_ms", "trace_id",
	"prev_hash", "curr_hash", "signature", "public_key", "metadata",
}

func TestRunOnceRejectsEmptyKernelID(t *testing.T) {
	kctx := ctxprovider.New(ledger.New(nil), ctxprovider.Env{UserID: "kernel:worker"})
	_, err := RunOnce(context.Background(), kctx, manifest.Manifest{}, "")
	require.Error(t, err)
	require.Equal(t, ledgererr.KindConfiguration, ledgererr.KindOf(err))
}

func TestRunOnceFailsClosedWhenRunCodeKernelMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnError(ledgererr.NotFound("x", context.DeadlineExceeded))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "kernel:worker"})
	_, err = RunOnce(context.Background(), kctx, manifest.Manifest{}, "run-code-id")
	require.Error(t, err)
	require.Equal(t, ledgererr.KindConfiguration, ledgererr.KindOf(err))
}

func TestRunOnceDispatchesScheduledRequestToRunCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// GetLatest(runCodeKernelID) existence check.
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
		"run-code-id", int64(0), "function", "u1", "defined", "run_code_kernel", now, "", "{}",
		"u1", "", "public", "active", false,
		"run_code_kernel", "", "function main(i){return i;}", "javascript", "",
		nil, nil, nil, int64(0), "",
		"", "", "", "", nil,
	))

	// Query scheduled requests.
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
		"req1", int64(0), "request", "kernel:observer", "scheduled", "run_code", now, "fn1", "{}",
		"u1", "t1", "tenant", "scheduled", false,
		"", "", "", "", "",
		nil, nil, nil, int64(0), "",
		"", "", "", "", nil,
	))

	// runcode.Run(ctx, kctx, m, "fn1"): GetLatest(fn1).
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
		"fn1", int64(0), "function", "u1", "defined", "double", now, "", "{}",
		"u1", "t1", "tenant", "active", false,
		"double", "", "function main(input){ return input; }", "javascript", "",
		nil, nil, nil, int64(0), "",
		"", "", "", "", nil,
	))

	// throttle lock.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM registry").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	// per-record lock.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))

	// execution insert.
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO registry").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	m := manifest.Manifest{Throttle: manifest.Throttle{PerTenantDailyExecLimit: 10}, Policy: manifest.Policy{SlowMs: 5000}}

	invoked, err := RunOnce(context.Background(), kctx, m, "run-code-id")
	require.NoError(t, err)
	require.Equal(t, 1, invoked)
}

func TestRunOnceSkipsRequestsWithoutParent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
		"run-code-id", int64(0), "function", "u1", "defined", "run_code_kernel", now, "", "{}",
		"u1", "", "public", "active", false,
		"", "", "", "javascript", "",
		nil, nil, nil, int64(0), "",
		"", "", "", "", nil,
	))

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
		"req1", int64(0), "request", "kernel:observer", "scheduled", "run_code", now, "", "{}",
		"u1", "t1", "tenant", "scheduled", false,
		"", "", "", "", "",
		nil, nil, nil, int64(0), "",
		"", "", "", "", nil,
	))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	invoked, err := RunOnce(context.Background(), kctx, manifest.Manifest{}, "run-code-id")
	require.NoError(t, err)
	require.Equal(t, 0, invoked)
}
