package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/storage"
)

func openTestStore(t *testing.T) (*Store, *governance.Authority) {
	t.Helper()
	monitor := governance.NewMonitor()
	auth, err := monitor.IssueAuthority()
	if err != nil {
		t.Fatalf("issue authority: %v", err)
	}
	store, err := Open(filepath.Join(t.TempDir(), "progression.db"), monitor)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, auth
}

func TestEntityRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	e := sheet.NewEntity("ent-1", "Rook")
	e.Progression.SpeciesID = "human"
	e.Progression.ClassLevels = []sheet.ClassLevelEntry{
		{ClassID: "soldier", LevelInClass: 1, Choices: map[string]string{"talent": "devastating_attack"}},
		{ClassID: "soldier", LevelInClass: 2},
	}
	e.Progression.TrainedSkills["perception"] = true
	e.Progression.Feats["point_blank_shot"] = true
	e.Progression.StartingFeats["armor_proficiency_light"] = true
	e.Progression.AbilityIncreases[sheet.AbilityStr] = 1
	e.Progression.FeatBudget = 2
	e.HP.Max = 31
	e.HP.Current = 28
	score := e.Abilities[sheet.AbilityStr]
	score.Base = 14
	score.Increases = 1
	e.Abilities[sheet.AbilityStr] = score

	if err := store.CreateEntity(ctx, e); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	got, err := store.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.Name != "Rook" || got.Progression.SpeciesID != "human" {
		t.Fatalf("entity = %+v", got)
	}
	if len(got.Progression.ClassLevels) != 2 {
		t.Fatalf("class levels = %d, want 2", len(got.Progression.ClassLevels))
	}
	if got.Progression.ClassLevels[0].Choices["talent"] != "devastating_attack" {
		t.Fatalf("choices = %+v", got.Progression.ClassLevels[0].Choices)
	}
	if !got.Progression.TrainedSkills["perception"] || !got.Progression.Feats["point_blank_shot"] {
		t.Fatal("set members lost in round trip")
	}
	if got.Progression.AbilityIncreases[sheet.AbilityStr] != 1 {
		t.Fatal("ability increase ledger lost in round trip")
	}
	if got.Abilities[sheet.AbilityStr].Base != 14 {
		t.Fatalf("str base = %d, want 14", got.Abilities[sheet.AbilityStr].Base)
	}
	if got.HP.Max != 31 || got.HP.Current != 28 {
		t.Fatalf("hp = %+v", got.HP)
	}
}

func TestGetEntityMissing(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.GetEntity(context.Background(), "nope")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeNotFound)
	}
}

func TestApplyBatchIsAtomic(t *testing.T) {
	store, auth := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateEntity(ctx, sheet.NewEntity("ent-1", "Rook")); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	// A bad path after a good one must leave the good one unapplied.
	err := store.ApplyBatch(ctx, auth, "ent-1", []storage.FieldUpdate{
		{Path: sheet.PathSpecies, Value: "human"},
		{Path: "no.such.path", Value: 1},
	})
	if !apperrors.IsCode(err, apperrors.CodeSheetUnknownPath) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeSheetUnknownPath)
	}
	e, getErr := store.GetEntity(ctx, "ent-1")
	if getErr != nil {
		t.Fatalf("get entity: %v", getErr)
	}
	if e.Progression.SpeciesID != "" {
		t.Fatal("partial batch application visible after failure")
	}

	if err := store.ApplyBatch(ctx, auth, "ent-1", []storage.FieldUpdate{
		{Path: sheet.PathSpecies, Value: "human"},
		{Path: sheet.PathFeatBudget, Value: 2},
	}); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	e, getErr = store.GetEntity(ctx, "ent-1")
	if getErr != nil {
		t.Fatalf("get entity: %v", getErr)
	}
	if e.Progression.SpeciesID != "human" || e.Progression.FeatBudget != 2 {
		t.Fatalf("batch not applied: %+v", e.Progression)
	}
}

func TestApplyBatchRequiresAuthority(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateEntity(ctx, sheet.NewEntity("ent-1", "Rook")); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	err := store.ApplyBatch(ctx, nil, "ent-1", []storage.FieldUpdate{
		{Path: sheet.PathSpecies, Value: "human"},
	})
	if !apperrors.IsCode(err, apperrors.CodeMutationUnauthorized) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeMutationUnauthorized)
	}
}

func TestRecordBatches(t *testing.T) {
	store, auth := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateEntity(ctx, sheet.NewEntity("ent-1", "Rook")); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	created, err := store.CreateRecords(ctx, auth, "ent-1", []storage.RecordSpec{
		{Kind: sheet.RecordKindFeat, SourceID: "quick_draw"},
		{Kind: sheet.RecordKindTalent, SourceID: "devastating_attack"},
	})
	if err != nil {
		t.Fatalf("create records: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d, want 2", len(created))
	}

	if err := store.DeleteRecords(ctx, auth, "ent-1", []string{created[0].Ref}); err != nil {
		t.Fatalf("delete records: %v", err)
	}
	e, getErr := store.GetEntity(ctx, "ent-1")
	if getErr != nil {
		t.Fatalf("get entity: %v", getErr)
	}
	if len(e.Records) != 1 || e.Records[0].SourceID != "devastating_attack" {
		t.Fatalf("records = %+v", e.Records)
	}

	err = store.DeleteRecords(ctx, auth, "ent-1", []string{"missing-ref"})
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeNotFound)
	}
}

func TestRecomputeWritesDerivedTotals(t *testing.T) {
	store, auth := openTestStore(t)
	ctx := context.Background()

	e := sheet.NewEntity("ent-1", "Rook")
	e.Progression.ClassLevels = []sheet.ClassLevelEntry{{ClassID: "soldier", LevelInClass: 1}}
	score := e.Abilities[sheet.AbilityCon]
	score.Base = 14
	e.Abilities[sheet.AbilityCon] = score
	if err := store.CreateEntity(ctx, e); err != nil {
		t.Fatalf("create entity: %v", err)
	}

	if err := store.Recompute(ctx, auth, "ent-1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	got, err := store.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.Abilities[sheet.AbilityCon].Mod != 2 {
		t.Fatalf("con mod = %d, want 2", got.Abilities[sheet.AbilityCon].Mod)
	}
	if got.Derived.Fortitude != 13 {
		t.Fatalf("fortitude = %d, want 10 + 1 level + 2 con", got.Derived.Fortitude)
	}
}

func TestFlowStateRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	state := storage.FlowState{
		EntityID:  "ent-1",
		Mode:      "creation",
		Current:   "abilities",
		Completed: []string{"species", "background"},
	}
	if err := store.SaveFlowState(ctx, state); err != nil {
		t.Fatalf("save flow state: %v", err)
	}
	// Upsert replaces.
	state.Current = "class"
	state.Completed = append(state.Completed, "abilities")
	if err := store.SaveFlowState(ctx, state); err != nil {
		t.Fatalf("save flow state again: %v", err)
	}

	got, err := store.GetFlowState(ctx, "ent-1", "creation")
	if err != nil {
		t.Fatalf("get flow state: %v", err)
	}
	if got.Current != "class" || len(got.Completed) != 3 {
		t.Fatalf("flow state = %+v", got)
	}

	_, err = store.GetFlowState(ctx, "ent-1", "advancement")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeNotFound)
	}
}

func TestViolationLog(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	v := governance.Violation{
		SubjectRef: "ent-1",
		Type:       governance.ViolationUnauthorizedWrite,
		Caller:     "rogue",
		Detail:     "write without authority",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.AppendViolation(ctx, v); err != nil {
		t.Fatalf("append violation: %v", err)
	}
	if err := store.AppendViolation(ctx, governance.Violation{SubjectRef: "ent-2", Type: "other", Timestamp: v.Timestamp}); err != nil {
		t.Fatalf("append violation: %v", err)
	}

	got, err := store.ListViolations(ctx, "ent-1")
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(got) != 1 || got[0].Caller != "rogue" || !got[0].Timestamp.Equal(v.Timestamp) {
		t.Fatalf("violations = %+v", got)
	}

	all, err := store.ListViolations(ctx, "")
	if err != nil {
		t.Fatalf("list all violations: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all violations = %d, want 2", len(all))
	}

	if err := store.ClearViolations(ctx); err != nil {
		t.Fatalf("clear violations: %v", err)
	}
	all, err = store.ListViolations(ctx, "")
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(all) != 0 {
		t.Fatal("violation log not cleared")
	}
}
