// Package common defines shared constants and errors used across
// client and server layers of apptsync. Sentinels are matched with errors.Is,
// typed errors with errors.As.
package common

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// ErrRecordNumberTaken is returned when a non-empty record number is
	// already owned by another live record.
	ErrRecordNumberTaken = errors.New("record number already taken")

	// ErrRecordInUse is returned when a record is retired while live events,
	// charge items or a note on the server still reference it.
	ErrRecordInUse = errors.New("record still referenced")

	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// VersionConflictReason is the wire discriminator of a rejected optimistic write.
const VersionConflictReason = "VERSION_CONFLICT"

// ConflictError reports that the submitted expected version did not match the
// stored one. Snapshot is the authoritative server copy.
type ConflictError struct {
	EntityType    models.EntityType
	EntityID      string
	ServerVersion int64
	Snapshot      *models.Envelope
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s/%s server version %d", VersionConflictReason, e.EntityType, e.EntityID, e.ServerVersion)
}

// Is lets errors.Is(err, ErrVersionConflict) match a *ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NetworkError wraps any transport failure, timeouts included.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a local-only rejection raised before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ReconcileError means a record relink could not be applied. Nothing was
// persisted when it is returned.
type ReconcileError struct {
	RecordID string
	Key      string
	Err      error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("identity reconciliation of record %s to key %q failed: %v", e.RecordID, e.Key, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
