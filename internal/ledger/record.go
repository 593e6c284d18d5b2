// Package ledger implements the registry: the single append-only table that
// holds every record ("span") in the system, plus the store operations
// exposed to the ctx provider and kernels.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loglineos/core/internal/cryptocore"
)

// Visibility is one of the three row-level visibility levels (I4).
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTenant  Visibility = "tenant"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTenant, VisibilityPublic:
		return true
	default:
		return false
	}
}

// Record is one immutable row of the registry (§3). JSON tags match the
// column names verbatim. Canonical hashing does not use this shape directly
// but hashableView below, which drops signature and curr_hash and carries at
// as a UTC string.
type Record struct {
	ID   string `json:"id"`
	Seq  int64  `json:"seq"`

	EntityType string `json:"entity_type"`
	Who        string `json:"who"`
	Did        string `json:"did"`
	This       string `json:"this"`

	At time.Time `json:"at"`

	ParentID   string   `json:"parent_id,omitempty"`
	RelatedTo  []string `json:"related_to,omitempty"`

	OwnerID    string     `json:"owner_id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Visibility Visibility `json:"visibility"`

	Status    string `json:"status,omitempty"`
	IsDeleted bool   `json:"is_deleted"`

	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Language    string `json:"language,omitempty"`
	Runtime     string `json:"runtime,omitempty"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	DurationMs int64  `json:"duration_ms,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`

	PrevHash  string `json:"prev_hash,omitempty"`
	CurrHash  string `json:"curr_hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// hashableView is Record with the proof fields that must not participate in
// their own hash (signature, curr_hash) removed, per §4.2: "The signature and
// curr_hash fields are stripped before serialization for signing." At is
// carried as a pre-formatted UTC string so the hashed bytes survive a store
// round trip: timestamptz reads come back in whatever zone the session uses,
// and time.Time's own JSON form would encode that zone offset into the hash.
type hashableView struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	EntityType string          `json:"entity_type"`
	Who        string          `json:"who"`
	Did        string          `json:"did"`
	This       string          `json:"this"`
	At         string          `json:"at"`
	ParentID   string          `json:"parent_id,omitempty"`
	RelatedTo  []string        `json:"related_to,omitempty"`
	OwnerID    string          `json:"owner_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Visibility Visibility      `json:"visibility"`
	Status     string          `json:"status,omitempty"`
	IsDeleted  bool            `json:"is_deleted"`
	Name       string          `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Code       string          `json:"code,omitempty"`
	Language   string          `json:"language,omitempty"`
	Runtime    string          `json:"runtime,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	PublicKey  string          `json:"public_key,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func (r *Record) hashableView() hashableView {
	return hashableView{
		ID: r.ID, Seq: r.Seq, EntityType: r.EntityType, Who: r.Who, Did: r.Did, This: r.This,
		At: r.At.UTC().Format(time.RFC3339Nano), ParentID: r.ParentID, RelatedTo: r.RelatedTo, OwnerID: r.OwnerID,
		TenantID: r.TenantID, Visibility: r.Visibility, Status: r.Status, IsDeleted: r.IsDeleted,
		Name: r.Name, Description: r.Description, Code: r.Code, Language: r.Language, Runtime: r.Runtime,
		Input: r.Input, Output: r.Output, Error: r.Error, DurationMs: r.DurationMs, TraceID: r.TraceID,
		PrevHash: r.PrevHash, PublicKey: r.PublicKey, Metadata: r.Metadata,
	}
}

// ContentHash computes the record's canonical content hash (curr_hash).
func (r *Record) ContentHash() (string, error) {
	return cryptocore.HashHex(r.hashableView())
}

// Sign computes curr_hash and signs it with privHex, setting CurrHash,
// Signature, and PublicKey on the record. A zero At is stamped here, before
// hashing: the store would otherwise assign it at insert time, after the
// signature was computed, and the stored row would never verify again.
// PublicKey is set before hashing as well, since curr_hash covers it.
func (r *Record) Sign(privHex, pubHex string) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC().Truncate(time.Millisecond)
	}
	r.PublicKey = pubHex
	sum, err := cryptocore.Hash(r.hashableView())
	if err != nil {
		return fmt.Errorf("ledger: hash record: %w", err)
	}
	sig, err := cryptocore.Sign(privHex, sum)
	if err != nil {
		return fmt.Errorf("ledger: sign record: %w", err)
	}
	r.CurrHash = hex.EncodeToString(sum[:])
	r.Signature = sig
	return nil
}

// Verify implements I3: if both curr_hash and signature are present, the
// recomputed hash must match curr_hash and the signature must verify. If
// neither is present, Verify returns true (no envelope to check). If exactly
// one is present, that is itself an invariant violation.
func (r *Record) Verify() (bool, error) {
	hasHash := r.CurrHash != ""
	hasSig := r.Signature != ""
	if !hasHash && !hasSig {
		return true, nil
	}
	if hasHash != hasSig {
		return false, fmt.Errorf("ledger: curr_hash and signature must be both present or both absent")
	}
	sum, err := cryptocore.Hash(r.hashableView())
	if err != nil {
		return false, fmt.Errorf("ledger: hash record: %w", err)
	}
	if hex.EncodeToString(sum[:]) != r.CurrHash {
		return false, nil
	}
	return cryptocore.Verify(r.PublicKey, sum, r.Signature), nil
}
