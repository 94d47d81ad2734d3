// Package storage defines the persistence contracts consumed by the
// progression engine: entity state, auxiliary records, step-flow state, and
// the governance violation audit log.
//
// Mutating entity methods require the governance authority handle so every
// write crosses the monitor's authorization boundary exactly once.
package storage

import (
	"context"
	"time"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// RecordSpec describes one auxiliary record to create in a commit batch.
type RecordSpec struct {
	Kind     sheet.RecordKind
	SourceID string
}

// EntityStore owns committed entity state and its auxiliary records.
//
// ApplyBatch must apply all fields as one logical write: no partial-field
// application may be visible to subsequent reads. CreateRecords and
// DeleteRecords are single batched calls. Recompute recalculates derived
// totals from committed base fields and must be safe to call at most once
// per commit.
type EntityStore interface {
	GetEntity(ctx context.Context, entityID string) (*sheet.Entity, error)
	CreateEntity(ctx context.Context, e *sheet.Entity) error

	ApplyBatch(ctx context.Context, auth *governance.Authority, entityID string, updates []FieldUpdate) error
	CreateRecords(ctx context.Context, auth *governance.Authority, entityID string, specs []RecordSpec) ([]sheet.Record, error)
	DeleteRecords(ctx context.Context, auth *governance.Authority, entityID string, refs []string) error
	Recompute(ctx context.Context, auth *governance.Authority, entityID string) error
}

// FieldUpdate is one entry of the flattened key-path update map.
type FieldUpdate struct {
	Path  string
	Value any
}

// FlowState is the step controller's persisted position for one entity and
// mode, so an interrupted session can resume.
type FlowState struct {
	EntityID  string
	Mode      string
	Current   string
	Completed []string
	UpdatedAt time.Time
}

// FlowStateStore persists step controller positions.
type FlowStateStore interface {
	SaveFlowState(ctx context.Context, state FlowState) error
	GetFlowState(ctx context.Context, entityID, mode string) (FlowState, error)
}

// ViolationStore persists the governance violation audit log. Appends are
// unbounded; only an explicit clear removes entries.
type ViolationStore interface {
	AppendViolation(ctx context.Context, v governance.Violation) error
	ListViolations(ctx context.Context, subjectRef string) ([]governance.Violation, error)
	ClearViolations(ctx context.Context) error
}
