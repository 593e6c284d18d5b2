package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// nullableID adapts an optional id string to a nullable uuid column:
// the empty string binds as NULL and NULL scans back as "".
type nullableID string

func (n nullableID) Value() (driver.Value, error) {
	if n == "" {
		return nil, nil
	}
	return string(n), nil
}

func (n *nullableID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = ""
	case []byte:
		*n = nullableID(v)
	case string:
		*n = nullableID(v)
	default:
		*n = ""
	}
	return nil
}

// jsonColumn adapts json.RawMessage to database/sql.Scanner/driver.Valuer so
// it can be bound directly against jsonb columns through sqlx.
type jsonColumn json.RawMessage

func (j jsonColumn) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *jsonColumn) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		b := make([]byte, len(v))
		copy(b, v)
		*j = b
	case string:
		*j = []byte(v)
	default:
		*j = nil
	}
	return nil
}

// recordRow is the struct sqlx.NamedExecContext binds against for inserts;
// field order is irrelevant since binding is by `db` tag, but types must
// round-trip through the pq driver (string arrays, jsonb).
type recordRow struct {
	ID          string         `db:"id"`
	Seq         int64          `db:"seq"`
	EntityType  string         `db:"entity_type"`
	Who         string         `db:"who"`
	Did         string         `db:"did"`
	This        string         `db:"this"`
	At          time.Time      `db:"at"`
	ParentID    nullableID     `db:"parent_id"`
	RelatedTo   pq.StringArray `db:"related_to"`
	OwnerID     string         `db:"owner_id"`
	TenantID    string         `db:"tenant_id"`
	Visibility  string         `db:"visibility"`
	Status      string         `db:"status"`
	IsDeleted   bool           `db:"is_deleted"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Code        string         `db:"code"`
	Language    string         `db:"language"`
	Runtime     string         `db:"runtime"`
	Input       jsonColumn     `db:"input"`
	Output      jsonColumn     `db:"output"`
	Error       jsonColumn     `db:"error"`
	DurationMs  int64          `db:"duration_ms"`
	TraceID     string         `db:"trace_id"`
	PrevHash    string         `db:"prev_hash"`
	CurrHash    string         `db:"curr_hash"`
	Signature   string         `db:"signature"`
	PublicKey   string         `db:"public_key"`
	Metadata    jsonColumn     `db:"metadata"`
}

func recordRowOf(r *Record) recordRow {
	return recordRow{
		ID: r.ID, Seq: r.Seq, EntityType: r.EntityType, Who: r.Who, Did: r.Did, This: r.This,
		At: r.At, ParentID: nullableID(r.ParentID), RelatedTo: pq.StringArray(r.RelatedTo),
		OwnerID: r.OwnerID, TenantID: r.TenantID, Visibility: string(r.Visibility),
		Status: r.Status, IsDeleted: r.IsDeleted,
		Name: r.Name, Description: r.Description, Code: r.Code, Language: r.Language, Runtime: r.Runtime,
		Input: jsonColumn(r.Input), Output: jsonColumn(r.Output), Error: jsonColumn(r.Error),
		DurationMs: r.DurationMs, TraceID: r.TraceID,
		PrevHash: r.PrevHash, CurrHash: r.CurrHash, Signature: r.Signature, PublicKey: r.PublicKey,
		Metadata: jsonColumn(r.Metadata),
	}
}

// recordRowScan is the struct sqlx.GetContext/SelectContext scan into when
// reading rows back; identical shape to recordRow but kept distinct in case
// read and write projections diverge later.
type recordRowScan = recordRow

func (r recordRow) toRecord() Record {
	return Record{
		ID: r.ID, Seq: r.Seq, EntityType: r.EntityType, Who: r.Who, Did: r.Did, This: r.This,
		At: r.At, ParentID: string(r.ParentID), RelatedTo: []string(r.RelatedTo),
		OwnerID: r.OwnerID, TenantID: r.TenantID, Visibility: Visibility(r.Visibility),
		Status: r.Status, IsDeleted: r.IsDeleted,
		Name: r.Name, Description: r.Description, Code: r.Code, Language: r.Language, Runtime: r.Runtime,
		Input: json.RawMessage(r.Input), Output: json.RawMessage(r.Output), Error: json.RawMessage(r.Error),
		DurationMs: r.DurationMs, TraceID: r.TraceID,
		PrevHash: r.PrevHash, CurrHash: r.CurrHash, Signature: r.Signature, PublicKey: r.PublicKey,
		Metadata: json.RawMessage(r.Metadata),
	}
}
