package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification carried by every
// user-visible failure.
type ErrorCode string

// Error codes.
const (
	CodeNotFound     ErrorCode = "not_found"
	CodeInvalidState ErrorCode = "invalid_state"
	CodeIntegrity    ErrorCode = "integrity_violation"
)

// NotFoundError reports an absent template, instance, workspace, version, or record.
type NotFoundError struct {
	Kind string // "template", "instance", "workspace", "version", "record"
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Code returns the machine-readable error code.
func (e NotFoundError) Code() ErrorCode { return CodeNotFound }

// InvalidStateError reports an operation applied to an entity whose current
// state forbids it, e.g. launching a template with no snapshot or completing
// an already-completed instance.
type InvalidStateError struct {
	Kind    string
	ID      string
	Message string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Message)
}

// Code returns the machine-readable error code.
func (e InvalidStateError) Code() ErrorCode { return CodeInvalidState }

// IntegrityError reports an unresolvable referential-integrity failure. It is
// fatal: the enclosing operation aborts and rolls back.
type IntegrityError struct {
	Message string
}

func (e IntegrityError) Error() string {
	return "integrity violation: " + e.Message
}

// Code returns the machine-readable error code.
func (e IntegrityError) Code() ErrorCode { return CodeIntegrity }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidState reports whether err is (or wraps) an InvalidStateError.
func IsInvalidState(err error) bool {
	var is InvalidStateError
	return errors.As(err, &is)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie IntegrityError
	return errors.As(err, &ie)
}

// CodeOf extracts the machine code from an error, defaulting to "" for
// unclassified errors.
func CodeOf(err error) ErrorCode {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// WarningCode classifies non-fatal conditions recorded during a restore.
type WarningCode string

// Warning codes. Warnings accompany a successful result; they are never
// silently dropped and never abort the operation on their own.
const (
	// WarnMissingParent marks a record skipped because its parent identifier
	// could not be resolved in this restore.
	WarnMissingParent WarningCode = "missing_parent"
	// WarnUnknownEntityType marks a document entity type absent from the
	// current graph model; all its records are skipped.
	WarnUnknownEntityType WarningCode = "unknown_entity_type"
	// WarnNoNaturalKey marks a record reconciled by insert because its type
	// declares no natural key or the record's key field is empty.
	WarnNoNaturalKey WarningCode = "no_natural_key"
	// WarnDanglingRemoved marks a target record deleted because its parent no
	// longer exists after reconciliation.
	WarnDanglingRemoved WarningCode = "dangling_removed"
)

// RestoreWarning is one non-fatal condition observed during a restore.
type RestoreWarning struct {
	Code     WarningCode `json:"code"`
	Entity   EntityType  `json:"entity,omitempty"`
	RecordID string      `json:"record_id,omitempty"`
	Message  string      `json:"message"`
}

// RestoreMode selects how identifiers are treated during materialization.
// There is deliberately no default: every restore call names its mode.
type RestoreMode string

// Restore modes.
const (
	// RestoreFresh mints a new identifier for every materialized record.
	RestoreFresh RestoreMode = "fresh"
	// RestoreReconcile preserves target identifiers, correlating records by
	// natural key and reconciling field-level differences.
	RestoreReconcile RestoreMode = "reconcile"
)

// RestoreReport describes what a restore did, including progress completed
// before a failure (the underlying state is rolled back on error; the counts
// are diagnostic only in that case).
type RestoreReport struct {
	Mode     RestoreMode        `json:"mode"`
	Inserted map[EntityType]int `json:"inserted,omitempty"`
	Updated  map[EntityType]int `json:"updated,omitempty"`
	Deleted  map[EntityType]int `json:"deleted,omitempty"`
	Warnings []RestoreWarning   `json:"warnings,omitempty"`
}

// NewRestoreReport initializes an empty report for the given mode.
func NewRestoreReport(mode RestoreMode) RestoreReport {
	return RestoreReport{
		Mode:     mode,
		Inserted: make(map[EntityType]int),
		Updated:  make(map[EntityType]int),
		Deleted:  make(map[EntityType]int),
	}
}

// Warn appends a warning to the report.
func (r *RestoreReport) Warn(w RestoreWarning) {
	r.Warnings = append(r.Warnings, w)
}

// Applied returns the total number of records inserted or updated.
func (r RestoreReport) Applied() int {
	total := 0
	for _, n := range r.Inserted {
		total += n
	}
	for _, n := range r.Updated {
		total += n
	}
	return total
}
