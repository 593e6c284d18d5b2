package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/loglineos/core/internal/ledgererr"
)

func TestAdvisoryKeyIsDeterministic(t *testing.T) {
	require.Equal(t, advisoryKey("abc"), advisoryKey("abc"))
	require.NotEqual(t, advisoryKey("abc"), advisoryKey("xyz"))
}

func TestIsUniqueViolationMatchesPostgresMessage(t *testing.T) {
	require.True(t, isUniqueViolation(errString("pq: duplicate key value violates unique constraint \"registry_request_idempotency\"")))
	require.False(t, isUniqueViolation(errString("pq: connection refused")))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestInsertRecordRejectsOwnerMismatch(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "someone-else", Visibility: VisibilityPrivate}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindAuthorization, ledgererr.KindOf(err))
}

func TestInsertRecordRejectsTenantMismatch(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", TenantID: "other-tenant", Visibility: VisibilityTenant}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindAuthorization, ledgererr.KindOf(err))
}

func TestInsertRecordRejectsInvalidVisibility(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", Visibility: "nonsense"}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
}

func TestInsertRecordRejectsNegativeSeq(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", Visibility: VisibilityPrivate, Seq: -1}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
}

func TestInsertRecordHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO registry").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", TenantID: "t1", EntityType: "function", Visibility: VisibilityTenant}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1", TenantID: "t1"}, rec)
	require.NoError(t, err)
	require.False(t, rec.At.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRecordTranslatesUniqueViolationToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO registry").
		WillReturnError(errString(`pq: duplicate key value violates unique constraint "registry_request_idempotency"`))
	mock.ExpectRollback()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", Visibility: VisibilityPrivate}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindConflict, ledgererr.KindOf(err))
}

func TestHealthReportsTransientOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT 1").WillReturnError(errString("connection reset"))

	store := New(db)
	err = store.Health(context.Background())
	require.Error(t, err)
	require.Equal(t, ledgererr.KindTransient, ledgererr.KindOf(err))
}

func TestGetLatestManifestReturnsNotFoundOnNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM registry").WillReturnError(sql.ErrNoRows)

	store := New(db)
	_, err = store.GetLatestManifest(context.Background())
	require.Error(t, err)
	require.Equal(t, ledgererr.KindNotFound, ledgererr.KindOf(err))
}

func TestListActiveTenantsReturnsDistinctIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT DISTINCT tenant_id").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1").AddRow("t2"))

	store := New(db)
	ids, err := store.ListActiveTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids)
}

func TestTryLockReleasesOnUnlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	ok, unlock, err := store.TryLock(context.Background(), "span:r1")
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
	unlock() // idempotent: a second call must not re-issue pg_advisory_unlock
}

// A signed record whose seq would be silently reallocated must be refused:
// the signature covers the seq the caller hashed, not the one the store
// would pick.
func TestInsertRecordRefusesSeqReallocationForSignedRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectRollback()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", Visibility: VisibilityPrivate, CurrHash: "aa", Signature: "bb", PublicKey: "cc"}
	err = store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec)
	require.Error(t, err)
	require.Equal(t, ledgererr.KindConflict, ledgererr.KindOf(err))
}

// An unsigned revision of an existing id picks up MAX(seq)+1.
func TestInsertRecordAllocatesNextSeqForRevisions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT set_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\)").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO registry").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	store := New(db)
	rec := &Record{ID: "r1", OwnerID: "u1", Visibility: VisibilityPrivate, Status: "archived", IsDeleted: true}
	require.NoError(t, store.InsertRecord(context.Background(), Identity{UserID: "u1"}, rec))
	require.EqualValues(t, 3, rec.Seq)
}
