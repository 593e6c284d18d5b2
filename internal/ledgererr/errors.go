// Package ledgererr defines the error taxonomy shared by every component that
// touches the registry: storage, crypto, sandbox, kernels, and the HTTP edge.
// Kinds map to HTTP status codes at the edge (see httpapi) but are otherwise
// transport-agnostic.
package ledgererr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the error handling design.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthorization
	KindNotFound
	KindConflict
	KindTransient
	KindIntegrity
	KindConfiguration
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Error is a taxonomy-tagged error. Wrap with fmt.Errorf("...: %w", err) to
// add context while preserving errors.As/errors.Is behavior.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy error for operation op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error    { return New(KindValidation, op, err) }
func Authorization(op string, err error) *Error { return New(KindAuthorization, op, err) }
func NotFound(op string, err error) *Error      { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error      { return New(KindConflict, op, err) }
func Transient(op string, err error) *Error     { return New(KindTransient, op, err) }
func Integrity(op string, err error) *Error     { return New(KindIntegrity, op, err) }
func Configuration(op string, err error) *Error { return New(KindConfiguration, op, err) }
func Internal(op string, err error) *Error      { return New(KindInternal, op, err) }

// KindOf extracts the Kind of err, defaulting to KindInternal if err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for conditions checked with errors.Is rather than wrapped with a
// dynamic message.
var (
	ErrAppendOnlyViolation = errors.New("append-only violation: update or delete attempted on registry")
	ErrVisibilityMismatch  = errors.New("owner_id does not match session actor")
	ErrInvariantViolation  = errors.New("record violates a registry invariant")
	ErrHashMismatch        = errors.New("curr_hash does not match recomputed canonical hash")
	ErrSignatureInvalid    = errors.New("signature does not verify against public_key")
	ErrManifestUnavailable = errors.New("no manifest available and no cached manifest to fall back to")
	ErrFunctionNotFound    = errors.New("function record not found")
	ErrInvalidTarget       = errors.New("target record is not a function")
	ErrTenantMismatch      = errors.New("target tenant does not match session tenant")
	ErrUnsupportedProvider = errors.New("provider base_url does not match a supported shape")
	ErrMisconfigured       = errors.New("required configuration missing in production")
	ErrSandboxTimeout      = errors.New("sandbox execution exceeded its time budget")
)
