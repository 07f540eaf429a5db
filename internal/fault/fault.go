// Package fault defines the domain error taxonomy.
//
// All faults are recoverable, request-scoped values returned by the core
// operations; the API layer translates them 1:1 into 4xx responses with a
// {what, why} JSON body. Anything outside the taxonomy is an unexpected
// persistence failure and surfaces as a generic 5xx.
package fault

import (
	"errors"
	"fmt"
)

// Envelope is the wire shape of every domain error.
type Envelope struct {
	What string `json:"what"`
	Why  any    `json:"why"`
}

// Error is implemented by all taxonomy errors.
type Error interface {
	error
	Wire() Envelope
}

// AsEnvelope extracts the wire body from err if it belongs to the taxonomy.
func AsEnvelope(err error) (Envelope, bool) {
	var fe Error
	if errors.As(err, &fe) {
		return fe.Wire(), true
	}
	return Envelope{}, false
}

// SchemaViolation indicates malformed or missing input shape.
type SchemaViolation struct {
	Why string
}

func (e *SchemaViolation) Error() string { return "schema violation: " + e.Why }

func (e *SchemaViolation) Wire() Envelope {
	return Envelope{What: "SchemaViolation", Why: e.Why}
}

// ConstraintViolation indicates a breach of a local, single-field constraint
// (empty patch, stop before start, ...).
type ConstraintViolation struct {
	Why string
}

func (e *ConstraintViolation) Error() string { return "constraint violation: " + e.Why }

func (e *ConstraintViolation) Wire() Envelope {
	return Envelope{What: "ConstraintViolation", Why: e.Why}
}

// MachineNotFound indicates that the referenced machine does not exist.
type MachineNotFound struct {
	MachineID int64
}

func (e *MachineNotFound) Error() string {
	return fmt.Sprintf("machine %d not found", e.MachineID)
}

func (e *MachineNotFound) Wire() Envelope {
	return Envelope{
		What: "MachineNotFound",
		Why: struct {
			MachineID int64 `json:"machine_id"`
		}{MachineID: e.MachineID},
	}
}

// StateOverlap indicates that a proposed state interval conflicts with an
// existing, different interval of the same machine. Start and Stop are the
// bounds of the existing interval, not of the proposed one.
type StateOverlap struct {
	MachineID int64
	Start     int64
	Stop      int64
}

func (e *StateOverlap) Error() string {
	return fmt.Sprintf(
		"state overlaps existing [%d, %d) of machine %d", e.Start, e.Stop, e.MachineID)
}

func (e *StateOverlap) Wire() Envelope {
	return Envelope{
		What: "StateOverlap",
		Why: struct {
			Start     int64 `json:"start"`
			Stop      int64 `json:"stop"`
			MachineID int64 `json:"machine_id"`
		}{Start: e.Start, Stop: e.Stop, MachineID: e.MachineID},
	}
}

// ConditionChanged indicates an attempt to change the immutable condition of
// an existing state identified by (machine_id, start).
type ConditionChanged struct {
	Old string
	New string
}

func (e *ConditionChanged) Error() string {
	return fmt.Sprintf("condition of an existing state must not change: %s -> %s", e.Old, e.New)
}

func (e *ConditionChanged) Wire() Envelope {
	return Envelope{
		What: "ConditionChanged",
		Why: struct {
			Old string `json:"old"`
			New string `json:"new"`
		}{Old: e.Old, New: e.New},
	}
}
