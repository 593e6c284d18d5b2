package runcode

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
)

func TestHasValidOverrideRequiresForceAndMatchingKey(t *testing.T) {
	m := manifest.Manifest{OverridePubkeyHex: "ABCD"}

	forced, _ := json.Marshal(map[string]any{"force": true})
	target := &ledger.Record{Metadata: forced, PublicKey: "abcd"}
	require.True(t, hasValidOverride(target, m))

	wrongKey := &ledger.Record{Metadata: forced, PublicKey: "ffff"}
	require.False(t, hasValidOverride(wrongKey, m))

	notForced, _ := json.Marshal(map[string]any{"force": false})
	notForcedTarget := &ledger.Record{Metadata: notForced, PublicKey: "abcd"}
	require.False(t, hasValidOverride(notForcedTarget, m))

	require.False(t, hasValidOverride(&ledger.Record{}, m))
}

func TestDecodeInputHandlesEmptyAndPopulated(t *testing.T) {
	require.Nil(t, decodeInput(nil))

	raw, _ := json.Marshal(map[string]any{"a": 1})
	got := decodeInput(raw)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, m["a"])
}

func TestDecodeInputReturnsNilOnMalformedJSON(t *testing.T) {
	require.Nil(t, decodeInput(json.RawMessage(`{not json`)))
}

var recordColumns = []string{
	"id", "seq", "entity_type", "who", "did", "this", "at", "parent_id", "related_to",
	"owner_id", "tenant_id", "visibility", "status", "is_deleted",
	"name", "description", "code", "language", "runtime",
	"input", "output", "error", "duration_ms", "trace_id",
	"prev_hash", "curr_hash", "signature", "public_key", "metadata",
}

type targetOpts struct {
	entityType string
	tenantID   string
	code       string
	metadata   []byte
	publicKey  string
}

func targetRow(id string, o targetOpts) []driver.Value {
	if o.entityType == "" {
		o.entityType = "function"
	}
	var meta any
	if o.metadata != nil {
		meta = o.metadata
	}
	return []driver.Value{
		id, int64(0), o.entityType, "u1", "defined", "fn", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil, "{}",
		"u1", o.tenantID, "tenant", "active", false,
		"fn", "", o.code, "javascript", "",
		nil, nil, nil, int64(0), "",
		"", "", "", o.publicKey, meta,
	}
}

func expectGetLatest(mock sqlmock.Sqlmock, row []driver.Value) {
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM visible_timeline").WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(row...))
}

func expectQuotaCheck(mock sqlmock.Sqlmock, count int) {
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM registry").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO registry").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func testManifest(limit, slowMs int) manifest.Manifest {
	return manifest.Manifest{
		Throttle: manifest.Throttle{PerTenantDailyExecLimit: limit},
		Policy:   manifest.Policy{SlowMs: slowMs},
	}
}

// Happy path: quota clear, locks acquired, code runs, one execution row.
func TestRunExecutesTargetAndRecordsExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t1", code: `function main(input) { return {ok: true}; }`}))
	expectQuotaCheck(mock, 0)
	// per-record lock
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	// execution record
	expectInsert(mock)
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S2: at the quota with no override, a policy_violation is recorded and no
// execution happens.
func TestRunRecordsPolicyViolationWhenQuotaTripped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t1", code: `function main(input) { return 1; }`}))
	expectQuotaCheck(mock, 10)
	// policy_violation record
	expectInsert(mock)

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeQuotaViolation, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S3: over quota but carrying a signed override keyed to the manifest's
// override key, the execution proceeds.
func TestRunHonorsSignedOverrideOverQuota(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	forced, _ := json.Marshal(map[string]any{"force": true})
	expectGetLatest(mock, targetRow("fn1", targetOpts{
		tenantID:  "t1",
		code:      `function main(input) { return 1; }`,
		metadata:  forced,
		publicKey: "AABB",
	}))
	expectQuotaCheck(mock, 10)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	expectInsert(mock)
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	m := testManifest(10, 5000)
	m.OverridePubkeyHex = "aabb"

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, m, "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Whoever loses the per-record advisory lock returns without side effect.
func TestRunReturnsWithoutSideEffectWhenRecordLockHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t1", code: `function main(input) { return 1; }`}))
	expectQuotaCheck(mock, 0)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeLockContended, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A contended tenant throttle lock yields cooperatively for re-drive.
func TestRunYieldsWhenThrottleLockContended(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t1", code: `function main(input) { return 1; }`}))
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeThrottleBusy, outcome)
}

// S4: code that overruns slow_ms is hard-terminated; the execution records
// status=error with error.message=timeout, and no slow status_patch appears
// (exactly one insert is expected).
func TestRunRecordsTimeoutAsErrorExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t1", code: `function main(input) { while (true) {} }`}))
	expectQuotaCheck(mock, 0)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	// only the execution record; a timed-out run never emits a slow patch
	expectInsert(mock)
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	outcome, err := Run(context.Background(), kctx, testManifest(10, 50), "fn1")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Non-function targets are refused outright.
func TestRunRefusesNonFunctionTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{entityType: "execution", tenantID: "t1"}))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	_, err = Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.Error(t, err)
	require.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
}

// Cross-tenant execution is refused before any lock or quota work.
func TestRunRefusesCrossTenantTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectGetLatest(mock, targetRow("fn1", targetOpts{tenantID: "t2", code: `function main(input) { return 1; }`}))

	kctx := ctxprovider.New(ledger.New(db), ctxprovider.Env{UserID: "u1", TenantID: "t1"})
	_, err = Run(context.Background(), kctx, testManifest(10, 5000), "fn1")
	require.Error(t, err)
	require.Equal(t, ledgererr.KindAuthorization, ledgererr.KindOf(err))
}
