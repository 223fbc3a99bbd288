package types

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel matched by errors.Is for any
// ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a malformed draft or record. It is never retried;
// the item is skipped and reported in the episode outcome.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PartitionMismatchError reports an operation that referenced elements from
// different partitions. Fatal for the specific operation only.
type PartitionMismatchError struct {
	Want string
	Got  string
}

func (e *PartitionMismatchError) Error() string {
	return fmt.Sprintf("partition mismatch: operation scoped to %q touched element in %q", e.Want, e.Got)
}

// IdentityCollisionError reports that the deterministic identity scheme
// produced the same UUID for two structurally different elements. It is not
// auto-resolved; both sides are attached for operator review.
type IdentityCollisionError struct {
	UUID     string
	Existing string
	Incoming string
}

func (e *IdentityCollisionError) Error() string {
	return fmt.Sprintf("identity collision on %s: existing %s vs incoming %s", e.UUID, e.Existing, e.Incoming)
}
