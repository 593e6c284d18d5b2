package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/loglineos/core/internal/ledgererr"
)

// Identity is the session identity installed on every connection the store
// uses: who is reading or writing, and under which tenant (§4.3, I5/I6).
type Identity struct {
	UserID   string
	TenantID string
}

// Store is the registry: the single append-only table plus the operations
// the ctx provider exposes to kernels (§4.1). Grounded on the teacher's
// internal/app/storage/postgres.Store: a thin struct over *sql.DB with one
// method per operation, named-parameter binding via sqlx, and session
// variables set per-connection.
type Store struct {
	db *sqlx.DB
}

// New wraps an established *sql.DB as a registry Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Health probes store connectivity per the /health contract (§6.2).
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return ledgererr.Transient("Store.Health", err)
	}
	return nil
}

// withIdentity runs fn on a single connection with app.user_id / app.tenant_id
// set as session-local settings for the duration of the connection, binding
// I5/I6 at the store boundary the way the store contract (§6.1) requires.
func (s *Store) withIdentity(ctx context.Context, id Identity, fn func(*sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return ledgererr.Transient("Store.withIdentity", fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT set_config('app.user_id', $1, false), set_config('app.tenant_id', $2, false)`, id.UserID, id.TenantID); err != nil {
		return ledgererr.Transient("Store.withIdentity", fmt.Errorf("install session identity: %w", err))
	}
	return fn(conn)
}

// InsertRecord inserts one record under the session identity (§4.1
// insertRecord, I6). seq is allocated gap-free as MAX(seq)+1 for the logical
// id, serialized by a per-id advisory lock held for the duration of the
// insert.
func (s *Store) InsertRecord(ctx context.Context, id Identity, rec *Record) error {
	if rec.OwnerID == "" {
		rec.OwnerID = id.UserID
	}
	if rec.OwnerID != id.UserID {
		return ledgererr.Authorization("Store.InsertRecord", ledgererr.ErrVisibilityMismatch)
	}
	if rec.TenantID == "" {
		rec.TenantID = id.TenantID
	}
	if rec.TenantID != "" && rec.TenantID != id.TenantID {
		return ledgererr.Authorization("Store.InsertRecord", ledgererr.ErrTenantMismatch)
	}
	if !rec.Visibility.Valid() {
		return ledgererr.Validation("Store.InsertRecord", fmt.Errorf("%w: visibility %q", ledgererr.ErrInvariantViolation, rec.Visibility))
	}
	if rec.Seq < 0 {
		return ledgererr.Validation("Store.InsertRecord", fmt.Errorf("%w: seq must be >= 0", ledgererr.ErrInvariantViolation))
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	return s.withIdentity(ctx, id, func(conn *sqlx.Conn) error {
		lockKey := advisoryKey(rec.ID)
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
			return ledgererr.Transient("Store.InsertRecord", fmt.Errorf("acquire id lock: %w", err))
		}

		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return ledgererr.Transient("Store.InsertRecord", fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback()

		if rec.Seq == 0 {
			var maxSeq sql.NullInt64
			if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM registry WHERE id = $1`, rec.ID); err != nil {
				return ledgererr.Transient("Store.InsertRecord", fmt.Errorf("read max seq: %w", err))
			}
			if maxSeq.Valid {
				// A signed record's curr_hash covers seq; silently
				// reallocating it here would store an envelope that can
				// never verify again. Revisions of signed records must
				// carry their seq explicitly so the caller signs the seq
				// that is actually stored.
				if rec.Signature != "" {
					return ledgererr.Conflict("Store.InsertRecord", fmt.Errorf("id %s already exists; signed revisions must set seq explicitly", rec.ID))
				}
				rec.Seq = maxSeq.Int64 + 1
			}
		}

		const insertSQL = `
			INSERT INTO registry (
				id, seq, entity_type, who, did, this, at, parent_id, related_to,
				owner_id, tenant_id, visibility, status, is_deleted,
				name, description, code, language, runtime,
				input, output, error, duration_ms, trace_id,
				prev_hash, curr_hash, signature, public_key, metadata
			) VALUES (
				:id, :seq, :entity_type, :who, :did, :this, :at, :parent_id, :related_to,
				:owner_id, :tenant_id, :visibility, :status, :is_deleted,
				:name, :description, :code, :language, :runtime,
				:input, :output, :error, :duration_ms, :trace_id,
				:prev_hash, :curr_hash, :signature, :public_key, :metadata
			)`
		if _, err := tx.NamedExecContext(ctx, insertSQL, recordRowOf(rec)); err != nil {
			if isUniqueViolation(err) {
				return ledgererr.Conflict("Store.InsertRecord", err)
			}
			return ledgererr.Internal("Store.InsertRecord", fmt.Errorf("insert: %w", err))
		}

		payload, err := rec.ContentHash()
		if err == nil {
			_, _ = tx.ExecContext(ctx, `SELECT pg_notify('timeline_updates', $1)`, payload)
		}

		if err := tx.Commit(); err != nil {
			return ledgererr.Transient("Store.InsertRecord", fmt.Errorf("commit: %w", err))
		}
		return nil
	})
}

// QueryOptions shapes both the GET /records filter contract (§6.2) and the
// internal selections the kernels make over the visible timeline. After/
// Ascending are not part of the HTTP contract; kernels use them to walk the
// timeline forward from a cursor (§4.8 step 2b). MaxQueryLimit (§8 B1) is
// enforced by the HTTP layer, not here: an internal kernel batch such as the
// policy-agent's 500 is legitimately larger than the public page size.
type QueryOptions struct {
	EntityType string
	Status     string
	OwnerID    string
	TenantID   string
	Visibility string
	After      *time.Time
	Ascending  bool
	Limit      int
	Offset     int
}

// MaxQueryLimit is the public GET /records page size cap (§6.2, §8 B1).
const MaxQueryLimit = 100

// Query returns records from the visible_timeline view matching opts, scoped
// by I5 for the given identity.
func (s *Store) Query(ctx context.Context, id Identity, opts QueryOptions) ([]Record, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	order := `"when" DESC`
	if opts.Ascending {
		order = `"when" ASC`
	}
	var after time.Time
	if opts.After != nil {
		after = *opts.After
	}

	var rows []recordRowScan
	err := s.withIdentity(ctx, id, func(conn *sqlx.Conn) error {
		q := `
			SELECT id, seq, entity_type, who, did, this, at, parent_id, related_to,
			       owner_id, tenant_id, visibility, status, is_deleted,
			       name, description, code, language, runtime,
			       input, output, error, duration_ms, trace_id,
			       prev_hash, curr_hash, signature, public_key, metadata
			FROM visible_timeline
			WHERE ($1 = '' OR entity_type = $1)
			  AND ($2 = '' OR status = $2)
			  AND ($3 = '' OR owner_id = $3)
			  AND ($4 = '' OR tenant_id = $4)
			  AND ($5 = '' OR visibility = $5)
			  AND ($6::timestamptz IS NULL OR "when" > $6)
			ORDER BY ` + order + `
			LIMIT $7 OFFSET $8`
		var afterArg any
		if opts.After != nil {
			afterArg = after
		}
		return conn.SelectContext(ctx, &rows, q,
			opts.EntityType, opts.Status, opts.OwnerID, opts.TenantID, opts.Visibility, afterArg, opts.Limit, opts.Offset)
	})
	if err != nil {
		return nil, ledgererr.Transient("Store.Query", err)
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// GetLatest loads the highest-seq visible row for a logical id.
func (s *Store) GetLatest(ctx context.Context, id Identity, recordID string) (*Record, error) {
	var row recordRowScan
	err := s.withIdentity(ctx, id, func(conn *sqlx.Conn) error {
		const q = `
			SELECT id, seq, entity_type, who, did, this, at, parent_id, related_to,
			       owner_id, tenant_id, visibility, status, is_deleted,
			       name, description, code, language, runtime,
			       input, output, error, duration_ms, trace_id,
			       prev_hash, curr_hash, signature, public_key, metadata
			FROM visible_timeline
			WHERE id = $1
			ORDER BY seq DESC
			LIMIT 1`
		return conn.GetContext(ctx, &row, q, recordID)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledgererr.NotFound("Store.GetLatest", fmt.Errorf("record %s", recordID))
		}
		return nil, ledgererr.Transient("Store.GetLatest", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// CountExecutionsToday counts entity_type='execution' rows for tenantID
// since UTC midnight, used by the tenant quota guard (§4.5 step 2).
func (s *Store) CountExecutionsToday(ctx context.Context, id Identity, tenantID string) (int, error) {
	var count int
	err := s.withIdentity(ctx, id, func(conn *sqlx.Conn) error {
		const q = `
			SELECT COUNT(*) FROM registry
			WHERE entity_type = 'execution'
			  AND tenant_id = $1
			  AND is_deleted = false
			  AND at >= date_trunc('day', now() AT TIME ZONE 'UTC')`
		return conn.GetContext(ctx, &count, q, tenantID)
	})
	if err != nil {
		return 0, ledgererr.Transient("Store.CountExecutionsToday", err)
	}
	return count, nil
}

// GetLatestManifest loads the current manifest (§3 "Current manifest": the
// single most recent entity_type='manifest' row), bypassing the visible-
// timeline's per-session I5 filter. Manifest records are system governance
// data that Stage-0 must be able to resolve before any session identity is
// established (§4.4 step 2) — the manifest itself is always written with
// visibility='public' by convention so kernels and non-admin readers can
// resolve it through the ordinary Query path too.
func (s *Store) GetLatestManifest(ctx context.Context) (*Record, error) {
	var row recordRowScan
	const q = `
		SELECT id, seq, entity_type, who, did, this, at, parent_id, related_to,
		       owner_id, tenant_id, visibility, status, is_deleted,
		       name, description, code, language, runtime,
		       input, output, error, duration_ms, trace_id,
		       prev_hash, curr_hash, signature, public_key, metadata
		FROM registry
		WHERE entity_type = 'manifest' AND is_deleted = false
		ORDER BY at DESC
		LIMIT 1`
	err := s.db.GetContext(ctx, &row, q)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledgererr.NotFound("Store.GetLatestManifest", fmt.Errorf("no manifest record present"))
		}
		return nil, ledgererr.Transient("Store.GetLatestManifest", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// ListActiveTenants returns the distinct, non-empty tenant ids with at least
// one non-deleted row, bypassing the per-session I5 filter the same way
// GetLatestManifest does. The periodic kernels (observer, request-worker,
// policy-agent) are trusted server-side components that must sweep every
// tenant's work, not just one session's visible slice; this is how the
// kernel-runner process (one privileged Go process, not itself a ledger
// session) enumerates the tenants to run each kernel's sweep against in
// turn, rather than needing an RLS bypass baked into the view itself.
func (s *Store) ListActiveTenants(ctx context.Context) ([]string, error) {
	var ids []string
	const q = `SELECT DISTINCT tenant_id FROM registry WHERE tenant_id IS NOT NULL AND tenant_id <> '' AND is_deleted = false ORDER BY tenant_id`
	if err := s.db.SelectContext(ctx, &ids, q); err != nil {
		return nil, ledgererr.Transient("Store.ListActiveTenants", err)
	}
	return ids, nil
}

// WithConnection exposes a session-bound connection to callers that need to
// run more than one statement under the same identity (the ctx provider's
// withDb capability, §4.3). The connection is released on every exit path.
func (s *Store) WithConnection(ctx context.Context, id Identity, fn func(*sqlx.Conn) error) error {
	return s.withIdentity(ctx, id, fn)
}

// TryLock attempts a session-scoped advisory lock (§4.1 tryLock, §5.3). The
// returned unlock function MUST be called exactly once, on every exit path,
// to release the lock and return the connection to the pool; ok is false if
// the lock is already held elsewhere.
func (s *Store) TryLock(ctx context.Context, key string) (ok bool, unlock func(), err error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return false, nil, ledgererr.Transient("Store.TryLock", err)
	}
	lockKey := advisoryKey(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
		conn.Close()
		return false, nil, ledgererr.Transient("Store.TryLock", err)
	}
	if !acquired {
		conn.Close()
		return false, func() {}, nil
	}
	released := false
	unlock = func() {
		if released {
			return
		}
		released = true
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey)
		conn.Close()
	}
	return true, unlock, nil
}

// advisoryKey derives the integer advisory-lock key for s client-side with
// 64-bit FNV-1a. It is not Postgres's hashtext(); keys agree only among
// processes that use this function.
func advisoryKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
