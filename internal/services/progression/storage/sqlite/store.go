// Package sqlite provides the SQLite-backed progression storage
// implementation: committed entity state, auxiliary records, flow controller
// positions, and the governance violation audit log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/platform/id"
	sqlitemigrate "github.com/sagaforge/progression/internal/platform/storage/sqlitemigrate"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/storage"
	"github.com/sagaforge/progression/internal/services/progression/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const sourceSQLiteStore = "storage/sqlite"

// Set kinds persisted in entity_set_members.
const (
	setTrainedSkill = "trained_skill"
	setFeat         = "feat"
	setTalent       = "talent"
	setStartingFeat = "starting_feat"
)

// Store persists progression state in SQLite. Every governed entity write
// announces itself to the monitor before touching the database, so the
// authorization boundary matches the in-memory store's.
type Store struct {
	sqlDB   *sql.DB
	monitor *governance.Monitor
	clock   func() time.Time
	newID   func() (string, error)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite progression store and applies embedded migrations.
func Open(path string, monitor *governance.Monitor) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("governance monitor is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{
		sqlDB:   sqlDB,
		monitor: monitor,
		clock:   time.Now,
		newID:   id.NewID,
	}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetEntity assembles one committed entity from its tables.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*sheet.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := sheet.NewEntity(entityID, "")
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, species_id, background_id, ability_method,
		        hp_max, hp_current, fortitude, reflex, will,
		        feat_budget, talent_budget
		   FROM entities WHERE id = ?`, entityID)
	err := row.Scan(
		&e.Name,
		&e.Progression.SpeciesID,
		&e.Progression.BackgroundID,
		&e.Progression.AbilityMethod,
		&e.HP.Max,
		&e.HP.Current,
		&e.Derived.Fortitude,
		&e.Derived.Reflex,
		&e.Derived.Will,
		&e.Progression.FeatBudget,
		&e.Progression.TalentBudget,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}

	if err := s.loadAbilities(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadClassLevels(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadSets(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadAbilityIncreases(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadRecords(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateEntity inserts a new entity with all of its child rows. Creation
// happens before any session opens, so it is not a governed mutation.
func (s *Store) CreateEntity(ctx context.Context, e *sheet.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create entity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.clock())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (
		   id, name, species_id, background_id, ability_method,
		   hp_max, hp_current, fortitude, reflex, will,
		   feat_budget, talent_budget, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name,
		e.Progression.SpeciesID, e.Progression.BackgroundID, e.Progression.AbilityMethod,
		e.HP.Max, e.HP.Current,
		e.Derived.Fortitude, e.Derived.Reflex, e.Derived.Will,
		e.Progression.FeatBudget, e.Progression.TalentBudget,
		now, now)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	if err := writeChildren(ctx, tx, e); err != nil {
		return err
	}
	if err := writeRecords(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create entity: %w", err)
	}
	return nil
}

// ApplyBatch applies the flattened field updates as one logical write: the
// batch is staged against an in-memory copy first and saved inside a single
// database transaction, so a bad path or value leaves committed state
// untouched and no partial-key application is ever visible.
func (s *Store) ApplyBatch(ctx context.Context, auth *governance.Authority, entityID string, updates []storage.FieldUpdate) error {
	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := s.monitor.AuthorizeWrite(auth, entityID, update.Path, sourceSQLiteStore); err != nil {
			return err
		}
	}
	for _, update := range updates {
		if err := sheet.ApplyField(e, update.Path, update.Value); err != nil {
			return err
		}
	}
	return s.saveEntity(ctx, e)
}

// CreateRecords mints auxiliary records in one batched insert.
func (s *Store) CreateRecords(ctx context.Context, auth *governance.Authority, entityID string, specs []storage.RecordSpec) ([]sheet.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.monitor.AuthorizeWrite(auth, entityID, "records_create", sourceSQLiteStore); err != nil {
		return nil, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create records: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := make([]sheet.Record, 0, len(specs))
	for _, spec := range specs {
		ref, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate record ref: %w", err)
		}
		rec := sheet.Record{
			Ref:       ref,
			Kind:      spec.Kind,
			SourceID:  spec.SourceID,
			CreatedAt: s.clock().UTC(),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entity_records (ref, entity_id, kind, source_id, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Ref, entityID, string(rec.Kind), rec.SourceID, toMillis(rec.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("create record: %w", err)
		}
		created = append(created, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create records: %w", err)
	}
	return created, nil
}

// DeleteRecords removes auxiliary records by ref. A ref that matches no
// row fails the whole batch.
func (s *Store) DeleteRecords(ctx context.Context, auth *governance.Authority, entityID string, refs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.monitor.AuthorizeWrite(auth, entityID, "records_delete", sourceSQLiteStore); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete records: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ref := range refs {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entity_records WHERE ref = ? AND entity_id = ?`, ref, entityID)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete record result: %w", err)
		}
		if affected == 0 {
			return apperrors.WithMetadata(apperrors.CodeNotFound,
				"record deletion batch referenced unknown records",
				map[string]string{"entity_id": entityID, "record_ref": ref})
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete records: %w", err)
	}
	return nil
}

// Recompute recalculates derived totals from committed base fields.
func (s *Store) Recompute(ctx context.Context, auth *governance.Authority, entityID string) error {
	if err := s.monitor.AuthorizeWrite(auth, entityID, "derived_totals", sourceSQLiteStore); err != nil {
		return err
	}
	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	sheet.DeriveTotals(e)
	return s.saveEntity(ctx, e)
}

// SaveFlowState upserts one step controller position.
func (s *Store) SaveFlowState(ctx context.Context, state storage.FlowState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	completed, err := json.Marshal(state.Completed)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO flow_states (entity_id, mode, current, completed_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id, mode) DO UPDATE SET
		   current = excluded.current,
		   completed_json = excluded.completed_json,
		   updated_at = excluded.updated_at`,
		state.EntityID, state.Mode, state.Current, string(completed), toMillis(s.clock()))
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

// GetFlowState returns the persisted step controller position.
func (s *Store) GetFlowState(ctx context.Context, entityID, mode string) (storage.FlowState, error) {
	if err := ctx.Err(); err != nil {
		return storage.FlowState{}, err
	}
	var (
		state     = storage.FlowState{EntityID: entityID, Mode: mode}
		completed string
		updatedAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT current, completed_json, updated_at FROM flow_states
		  WHERE entity_id = ? AND mode = ?`, entityID, mode)
	if err := row.Scan(&state.Current, &completed, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.FlowState{}, storage.ErrNotFound
		}
		return storage.FlowState{}, fmt.Errorf("get flow state: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &state.Completed); err != nil {
		return storage.FlowState{}, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

// AppendViolation records one governance violation. The log is append-only
// with no automatic pruning.
func (s *Store) AppendViolation(ctx context.Context, v governance.Violation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO governance_violations (subject_ref, violation_type, caller, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.SubjectRef, v.Type, v.Caller, v.Detail, toMillis(v.Timestamp))
	if err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// ListViolations returns violations for one subject, or every violation
// when subjectRef is empty.
func (s *Store) ListViolations(ctx context.Context, subjectRef string) ([]governance.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `SELECT subject_ref, violation_type, caller, detail, created_at
	            FROM governance_violations`
	args := []any{}
	if subjectRef != "" {
		query += ` WHERE subject_ref = ?`
		args = append(args, subjectRef)
	}
	query += ` ORDER BY id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []governance.Violation
	for rows.Next() {
		var (
			v         governance.Violation
			createdAt int64
		)
		if err := rows.Scan(&v.SubjectRef, &v.Type, &v.Caller, &v.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Timestamp = fromMillis(createdAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// ClearViolations empties the violation log.
func (s *Store) ClearViolations(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM governance_violations`); err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}
	return nil
}

// saveEntity rewrites the entity row and its child rows in one transaction.
func (s *Store) saveEntity(ctx context.Context, e *sheet.Entity) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save entity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET
		   name = ?, species_id = ?, background_id = ?, ability_method = ?,
		   hp_max = ?, hp_current = ?, fortitude = ?, reflex = ?, will = ?,
		   feat_budget = ?, talent_budget = ?, updated_at = ?
		 WHERE id = ?`,
		e.Name,
		e.Progression.SpeciesID, e.Progression.BackgroundID, e.Progression.AbilityMethod,
		e.HP.Max, e.HP.Current,
		e.Derived.Fortitude, e.Derived.Reflex, e.Derived.Will,
		e.Progression.FeatBudget, e.Progression.TalentBudget,
		toMillis(s.clock()), e.ID)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save entity result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	for _, table := range []string{"entity_abilities", "entity_class_levels", "entity_set_members", "entity_ability_increases"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_id = ?`, e.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := writeChildren(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save entity: %w", err)
	}
	return nil
}

func writeChildren(ctx context.Context, tx *sql.Tx, e *sheet.Entity) error {
	for _, ab := range sheet.AbilityOrder {
		score := e.Abilities[ab]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_abilities (entity_id, ability, base, species_mod, increases, total, mod)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(ab), score.Base, score.SpeciesMod, score.Increases, score.Total, score.Mod)
		if err != nil {
			return fmt.Errorf("save ability %s: %w", ab, err)
		}
	}

	for i, entry := range e.Progression.ClassLevels {
		choices := entry.Choices
		if choices == nil {
			choices = map[string]string{}
		}
		encoded, err := json.Marshal(choices)
		if err != nil {
			return fmt.Errorf("marshal level choices: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entity_class_levels (entity_id, position, class_id, level_in_class, choices_json)
			 VALUES (?, ?, ?, ?, ?)`,
			e.ID, i, entry.ClassID, entry.LevelInClass, string(encoded))
		if err != nil {
			return fmt.Errorf("save class level: %w", err)
		}
	}

	sets := map[string]map[string]bool{
		setTrainedSkill: e.Progression.TrainedSkills,
		setFeat:         e.Progression.Feats,
		setTalent:       e.Progression.Talents,
		setStartingFeat: e.Progression.StartingFeats,
	}
	for kind, set := range sets {
		for _, member := range sheet.SortedSet(set) {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_set_members (entity_id, set_kind, member) VALUES (?, ?, ?)`,
				e.ID, kind, member)
			if err != nil {
				return fmt.Errorf("save %s member: %w", kind, err)
			}
		}
	}

	for _, ab := range sheet.AbilityOrder {
		points, ok := e.Progression.AbilityIncreases[ab]
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_ability_increases (entity_id, ability, points) VALUES (?, ?, ?)`,
			e.ID, string(ab), points)
		if err != nil {
			return fmt.Errorf("save ability increase: %w", err)
		}
	}
	return nil
}

func writeRecords(ctx context.Context, tx *sql.Tx, e *sheet.Entity) error {
	for _, rec := range e.Records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_records (ref, entity_id, kind, source_id, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Ref, e.ID, string(rec.Kind), rec.SourceID, toMillis(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("save record: %w", err)
		}
	}
	return nil
}

func (s *Store) loadAbilities(ctx context.Context, e *sheet.Entity) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT ability, base, species_mod, increases, total, mod
		   FROM entity_abilities WHERE entity_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("load abilities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			score sheet.AbilityScore
		)
		if err := rows.Scan(&key, &score.Base, &score.SpeciesMod, &score.Increases, &score.Total, &score.Mod); err != nil {
			return fmt.Errorf("scan ability: %w", err)
		}
		ab, err := sheet.ParseAbility(key)
		if err != nil {
			return err
		}
		e.Abilities[ab] = score
	}
	return rows.Err()
}

func (s *Store) loadClassLevels(ctx context.Context, e *sheet.Entity) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT class_id, level_in_class, choices_json
		   FROM entity_class_levels WHERE entity_id = ? ORDER BY position`, e.ID)
	if err != nil {
		return fmt.Errorf("load class levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entry   sheet.ClassLevelEntry
			choices string
		)
		if err := rows.Scan(&entry.ClassID, &entry.LevelInClass, &choices); err != nil {
			return fmt.Errorf("scan class level: %w", err)
		}
		if err := json.Unmarshal([]byte(choices), &entry.Choices); err != nil {
			return fmt.Errorf("unmarshal level choices: %w", err)
		}
		if len(entry.Choices) == 0 {
			entry.Choices = nil
		}
		e.Progression.ClassLevels = append(e.Progression.ClassLevels, entry)
	}
	return rows.Err()
}

func (s *Store) loadSets(ctx context.Context, e *sheet.Entity) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT set_kind, member FROM entity_set_members WHERE entity_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("load set members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, member string
		if err := rows.Scan(&kind, &member); err != nil {
			return fmt.Errorf("scan set member: %w", err)
		}
		switch kind {
		case setTrainedSkill:
			e.Progression.TrainedSkills[member] = true
		case setFeat:
			e.Progression.Feats[member] = true
		case setTalent:
			e.Progression.Talents[member] = true
		case setStartingFeat:
			e.Progression.StartingFeats[member] = true
		}
	}
	return rows.Err()
}

func (s *Store) loadAbilityIncreases(ctx context.Context, e *sheet.Entity) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT ability, points FROM entity_ability_increases WHERE entity_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("load ability increases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key    string
			points int
		)
		if err := rows.Scan(&key, &points); err != nil {
			return fmt.Errorf("scan ability increase: %w", err)
		}
		ab, err := sheet.ParseAbility(key)
		if err != nil {
			return err
		}
		e.Progression.AbilityIncreases[ab] = points
	}
	return rows.Err()
}

func (s *Store) loadRecords(ctx context.Context, e *sheet.Entity) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT ref, kind, source_id, created_at
		   FROM entity_records WHERE entity_id = ? ORDER BY created_at, ref`, e.ID)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec       sheet.Record
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&rec.Ref, &kind, &rec.SourceID, &createdAt); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = sheet.RecordKind(kind)
		rec.CreatedAt = fromMillis(createdAt)
		e.Records = append(e.Records, rec)
	}
	return rows.Err()
}
