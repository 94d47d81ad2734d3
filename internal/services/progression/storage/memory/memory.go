// Package memory provides in-memory stores backing tests and ephemeral runs.
// Every governed write announces itself to the monitor before touching state,
// so the authorization boundary behaves identically to the durable store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/platform/id"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/storage"
)

const sourceMemoryStore = "storage/memory"

// Store is a mutexed in-memory implementation of the storage contracts.
type Store struct {
	mu         sync.Mutex
	monitor    *governance.Monitor
	clock      func() time.Time
	newID      func() (string, error)
	entities   map[string]*sheet.Entity
	flowStates map[string]storage.FlowState
	violations []governance.Violation

	// Failure hooks let tests simulate partial commit failures. Each is
	// consulted before the corresponding write executes.
	FailApplyBatch    error
	FailCreateRecords error
	FailDeleteRecords error
	FailRecompute     error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the record timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithIDGenerator overrides record ref generation for tests.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore returns an empty store wired to the given governance monitor.
func NewStore(monitor *governance.Monitor, opts ...Option) *Store {
	s := &Store{
		monitor:    monitor,
		clock:      time.Now,
		newID:      id.NewID,
		entities:   make(map[string]*sheet.Entity),
		flowStates: make(map[string]storage.FlowState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close satisfies the durable-store contract; nothing to release.
func (s *Store) Close() error {
	return nil
}

// GetEntity returns a deep copy of the committed entity state.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*sheet.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

// CreateEntity registers a new entity. Creation happens before any session
// opens, so it is not a governed mutation.
func (s *Store) CreateEntity(ctx context.Context, e *sheet.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[e.ID]; exists {
		return apperrors.WithMetadata(apperrors.CodeSheetInvalidValue,
			fmt.Sprintf("entity %q already exists", e.ID),
			map[string]string{"entity_id": e.ID})
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

// ApplyBatch applies the flattened field updates as one logical write. The
// whole batch is staged on a clone first: a bad path or value leaves
// committed state untouched.
func (s *Store) ApplyBatch(ctx context.Context, auth *governance.Authority, entityID string, updates []storage.FieldUpdate) error {
	if s.FailApplyBatch != nil {
		return s.FailApplyBatch
	}
	// Authorization runs before the store lock: the monitor's violation
	// publish path may fan out to listeners that call back into this store.
	for _, update := range updates {
		if err := s.monitor.AuthorizeWrite(auth, entityID, update.Path, sourceMemoryStore); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return storage.ErrNotFound
	}
	staged := e.Clone()
	for _, update := range updates {
		if err := sheet.ApplyField(staged, update.Path, update.Value); err != nil {
			return err
		}
	}
	s.entities[entityID] = staged
	return nil
}

// CreateRecords mints auxiliary records and attaches them to the entity.
func (s *Store) CreateRecords(ctx context.Context, auth *governance.Authority, entityID string, specs []storage.RecordSpec) ([]sheet.Record, error) {
	if s.FailCreateRecords != nil {
		return nil, s.FailCreateRecords
	}
	if err := s.monitor.AuthorizeWrite(auth, entityID, "records_create", sourceMemoryStore); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	created := make([]sheet.Record, 0, len(specs))
	for _, spec := range specs {
		ref, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate record ref: %w", err)
		}
		created = append(created, sheet.Record{
			Ref:       ref,
			Kind:      spec.Kind,
			SourceID:  spec.SourceID,
			CreatedAt: s.clock().UTC(),
		})
	}
	e.Records = append(e.Records, created...)
	return created, nil
}

// DeleteRecords removes auxiliary records by ref. Unknown refs fail the
// whole batch without removing anything.
func (s *Store) DeleteRecords(ctx context.Context, auth *governance.Authority, entityID string, refs []string) error {
	if s.FailDeleteRecords != nil {
		return s.FailDeleteRecords
	}
	if err := s.monitor.AuthorizeWrite(auth, entityID, "records_delete", sourceMemoryStore); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return storage.ErrNotFound
	}
	byRef := make(map[string]bool, len(refs))
	for _, ref := range refs {
		byRef[ref] = true
	}
	kept := make([]sheet.Record, 0, len(e.Records))
	removed := 0
	for _, rec := range e.Records {
		if byRef[rec.Ref] {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed != len(byRef) {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			"record deletion batch referenced unknown records",
			map[string]string{"entity_id": entityID})
	}
	e.Records = kept
	return nil
}

// Recompute recalculates derived totals from committed base fields.
func (s *Store) Recompute(ctx context.Context, auth *governance.Authority, entityID string) error {
	if s.FailRecompute != nil {
		return s.FailRecompute
	}
	if err := s.monitor.AuthorizeWrite(auth, entityID, "derived_totals", sourceMemoryStore); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return storage.ErrNotFound
	}
	sheet.DeriveTotals(e)
	return nil
}

// SaveFlowState upserts one controller position.
func (s *Store) SaveFlowState(ctx context.Context, state storage.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[flowKey(state.EntityID, state.Mode)] = state
	return nil
}

// GetFlowState returns the persisted controller position.
func (s *Store) GetFlowState(ctx context.Context, entityID, mode string) (storage.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.flowStates[flowKey(entityID, mode)]
	if !ok {
		return storage.FlowState{}, storage.ErrNotFound
	}
	return state, nil
}

// AppendViolation records one governance violation. The log is append-only.
func (s *Store) AppendViolation(ctx context.Context, v governance.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return nil
}

// ListViolations returns violations for one subject, or all when subjectRef
// is empty.
func (s *Store) ListViolations(ctx context.Context, subjectRef string) ([]governance.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]governance.Violation, 0, len(s.violations))
	for _, v := range s.violations {
		if subjectRef != "" && v.SubjectRef != subjectRef {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ClearViolations empties the violation log.
func (s *Store) ClearViolations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = nil
	return nil
}

func flowKey(entityID, mode string) string {
	return entityID + "/" + mode
}
