package session

import (
	"context"
	"errors"
	"reflect"
	"testing"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/apply"
	"github.com/sagaforge/progression/internal/services/progression/domain/content"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/domain/steps"
	"github.com/sagaforge/progression/internal/services/progression/domain/validate"
	"github.com/sagaforge/progression/internal/services/progression/events"
	"github.com/sagaforge/progression/internal/services/progression/storage/memory"
)

type fixture struct {
	provider *content.CoreProvider
	monitor  *governance.Monitor
	store    *memory.Store
	applier  *apply.Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	monitor := governance.NewMonitor()
	store := memory.NewStore(monitor)
	applier, err := apply.New(monitor, store)
	if err != nil {
		t.Fatalf("new applier: %v", err)
	}
	return &fixture{
		provider: content.NewCoreProvider(),
		monitor:  monitor,
		store:    store,
		applier:  applier,
	}
}

func (f *fixture) freshEntity(t *testing.T, entityID string) *sheet.Entity {
	t.Helper()
	e := sheet.NewEntity(entityID, "Test Subject")
	if err := f.store.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return e
}

// levelThreeEntity persists a soldier already at character level 3.
func (f *fixture) levelThreeEntity(t *testing.T, entityID string) *sheet.Entity {
	t.Helper()
	e := sheet.NewEntity(entityID, "Veteran")
	e.Progression.ClassLevels = []sheet.ClassLevelEntry{
		{ClassID: content.ClassSoldier, LevelInClass: 1},
		{ClassID: content.ClassSoldier, LevelInClass: 2},
		{ClassID: content.ClassSoldier, LevelInClass: 3},
	}
	e.Progression.FeatBudget = 3
	e.Progression.TalentBudget = 2
	if err := f.store.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return e
}

func stageCreationBuild(t *testing.T, s *Session) {
	t.Helper()
	if err := s.StageSpecies(content.SpeciesHuman); err != nil {
		t.Fatalf("stage species: %v", err)
	}
	if err := s.StageAbilityMethod(AbilityMethodPointBuy); err != nil {
		t.Fatalf("stage ability method: %v", err)
	}
	if err := s.StageAbilityScores(map[sheet.Ability]int{
		sheet.AbilityStr: 13, sheet.AbilityDex: 12, sheet.AbilityCon: 12,
		sheet.AbilityInt: 10, sheet.AbilityWis: 10, sheet.AbilityCha: 8,
	}); err != nil {
		t.Fatalf("stage ability scores: %v", err)
	}
	if err := s.StageClassLevel(content.ClassSoldier); err != nil {
		t.Fatalf("stage class level: %v", err)
	}
}

func TestScenarioFreshHumanSoldier(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-a")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)

	p, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Valid {
		t.Fatalf("preview invalid: %v", p.Issues)
	}
	if p.FeatBudget != 2 {
		t.Fatalf("feat budget = %d, want 2 (1 base + 1 human bonus)", p.FeatBudget)
	}
	if p.TalentBudget != 0 {
		t.Fatalf("talent budget = %d, want 0 at level 1", p.TalentBudget)
	}

	res, err := s.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.NewLevel != 1 {
		t.Fatalf("new level = %d, want 1", res.NewLevel)
	}

	committed, err := f.store.GetEntity(ctx, "ent-a")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if committed.Progression.SpeciesID != content.SpeciesHuman {
		t.Fatalf("species = %q, want human", committed.Progression.SpeciesID)
	}
	if committed.Progression.FeatBudget != 2 {
		t.Fatalf("committed feat budget = %d, want 2", committed.Progression.FeatBudget)
	}
	if committed.HP.Max == 0 {
		t.Fatal("hit points not applied at first level")
	}
	// Starting feats became auxiliary records.
	if len(committed.Records) == 0 {
		t.Fatal("expected auxiliary records for starting feats")
	}
}

func TestScenarioAbilityIncreaseAtLevelFour(t *testing.T) {
	f := newFixture(t)
	e := f.levelThreeEntity(t, "ent-b")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	if err := s.StageClassLevel(content.ClassSoldier); err != nil {
		t.Fatalf("stage class level: %v", err)
	}

	p, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Grants.AbilityIncreaseGranted != 2 {
		t.Fatalf("ability increase granted = %d, want 2 at level 4", p.Grants.AbilityIncreaseGranted)
	}

	// Three staged points exceed the two granted.
	if err := s.StageAbilityIncrease(sheet.AbilityStr, 2); err != nil {
		t.Fatalf("stage increase: %v", err)
	}
	if err := s.StageAbilityIncrease(sheet.AbilityCon, 1); err != nil {
		t.Fatalf("stage increase: %v", err)
	}
	p, err = s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Valid {
		t.Fatal("preview should reject three staged ability points")
	}
	found := false
	for _, issue := range p.Issues {
		if issue.Code == string(apperrors.CodeBuildAbilityOverSpend) {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want too-many-ability-points", p.Issues)
	}

	// Exactly two staged points are fine.
	if err := s.StageAbilityIncrease(sheet.AbilityCon, 0); err != nil {
		t.Fatalf("unstage increase: %v", err)
	}
	p, err = s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Valid {
		t.Fatalf("preview invalid with exactly two points: %v", p.Issues)
	}
}

func TestScenarioDoubleCommitRejected(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-c")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	if _, err := s.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	_, err := s.Commit(ctx)
	if !apperrors.IsCode(err, apperrors.CodeSessionAlreadyCommitted) {
		t.Fatalf("second commit error = %v, want code %s", err, apperrors.CodeSessionAlreadyCommitted)
	}

	committed, getErr := f.store.GetEntity(ctx, "ent-c")
	if getErr != nil {
		t.Fatalf("get entity: %v", getErr)
	}
	if got := committed.CharacterLevel(); got != 1 {
		t.Fatalf("level = %d, want only the first commit applied", got)
	}
}

func TestScenarioPartialApplierFailure(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-d")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	f.store.FailCreateRecords = errors.New("record backend down")

	_, err := s.Commit(ctx)
	if !apperrors.IsCode(err, apperrors.CodeApplyPartialFailure) {
		t.Fatalf("commit error = %v, want code %s", err, apperrors.CodeApplyPartialFailure)
	}

	committed, getErr := f.store.GetEntity(ctx, "ent-d")
	if getErr != nil {
		t.Fatalf("get entity: %v", getErr)
	}
	if committed.Progression.SpeciesID != content.SpeciesHuman {
		t.Fatal("root update fields should remain applied")
	}
	if len(committed.Records) != 0 {
		t.Fatal("no auxiliary records should exist after creation failure")
	}
}

func TestPreviewIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-e")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	s.StageFeat("point_blank_shot")

	first, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := s.Preview(ctx)
		if err != nil {
			t.Fatalf("preview %d: %v", i, err)
		}
		if next.Valid != first.Valid ||
			!reflect.DeepEqual(next.Issues, first.Issues) ||
			!reflect.DeepEqual(next.Grants, first.Grants) ||
			next.FeatBudget != first.FeatBudget ||
			next.TalentBudget != first.TalentBudget ||
			!reflect.DeepEqual(next.Simulated, first.Simulated) {
			t.Fatalf("preview %d differs from first", i)
		}
	}
}

func TestNoLeakageBeforeCommit(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-f")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	before, err := f.store.GetEntity(ctx, "ent-f")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}

	stageCreationBuild(t, s)
	s.StageFeat("quick_draw")
	s.StageTrainedSkills([]string{"perception"})
	if _, err := s.Preview(ctx); err != nil {
		t.Fatalf("preview: %v", err)
	}

	after, err := f.store.GetEntity(ctx, "ent-f")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatal("staging and preview must not touch committed state")
	}
}

func TestBudgetEnforcementOnTalents(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-g")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	s.StageTalent("devastating_attack")

	p, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Valid {
		t.Fatal("level 1 grants no talent slots; staged talent must fail")
	}

	_, err = s.Commit(ctx)
	if !apperrors.IsCode(err, apperrors.CodeBuildValidationFailed) {
		t.Fatalf("commit error = %v, want code %s", err, apperrors.CodeBuildValidationFailed)
	}
}

func TestBudgetEnforcementOnFeats(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-h")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	// Budget is 2 (base + human); three staged feats overflow it.
	s.StageFeat("quick_draw")
	s.StageFeat("toughness")
	s.StageFeat("skill_focus")

	p, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Valid {
		t.Fatal("three staged feats exceed the budget of two")
	}

	s.UnstageFeat("skill_focus")
	p, err = s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Valid {
		t.Fatalf("two staged feats within budget, got issues: %v", p.Issues)
	}
}

func TestPointBuyPoolEnforced(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-i")
	s := New(e, f.provider, f.applier, WithPointBuyPool(10))
	ctx := context.Background()

	if err := s.StageAbilityMethod(AbilityMethodPointBuy); err != nil {
		t.Fatalf("stage method: %v", err)
	}
	if err := s.StageAbilityScores(map[sheet.Ability]int{
		sheet.AbilityStr: 16, sheet.AbilityDex: 14,
	}); err != nil {
		t.Fatalf("stage scores: %v", err)
	}
	if err := s.StageClassLevel(content.ClassScout); err != nil {
		t.Fatalf("stage class: %v", err)
	}

	p, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Valid {
		t.Fatal("16 points spent should exceed a pool of 10")
	}
}

func TestCommitWithNothingStagedFails(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-j")
	s := New(e, f.provider, f.applier)

	_, err := s.Commit(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeSessionNoChanges) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeSessionNoChanges)
	}
}

func TestRollbackDiscardsStagedChanges(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-k")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// Idempotent on repeat.
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("second rollback: %v", err)
	}

	_, err := s.Commit(ctx)
	if !apperrors.IsCode(err, apperrors.CodeSessionRolledBack) {
		t.Fatalf("commit after rollback error = %v, want code %s", err, apperrors.CodeSessionRolledBack)
	}
}

func TestRollbackAfterCommitFails(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-l")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	if _, err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := s.Rollback(ctx)
	if !apperrors.IsCode(err, apperrors.CodeSessionAlreadyCommitted) {
		t.Fatalf("error = %v, want code %s", err, apperrors.CodeSessionAlreadyCommitted)
	}
}

func TestCommitRetryAfterApplierFailure(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-m")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	f.store.FailApplyBatch = errors.New("transient outage")
	if _, err := s.Commit(ctx); err == nil {
		t.Fatal("expected commit failure")
	}

	// The in-flight flag cleared, so a retry can succeed.
	f.store.FailApplyBatch = nil
	if _, err := s.Commit(ctx); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
}

func TestTrainedSkillBudgetEnforced(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-m4")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	// Human soldier, int 10: 3 class skills + 0 int mod + 1 species bonus.
	stageCreationBuild(t, s)
	s.StageTrainedSkills([]string{"athletics", "endurance", "initiative", "perception", "stealth"})

	pv, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Valid {
		t.Fatal("expected invalid preview with five trained skills")
	}
	if !hasIssue(pv.Issues, string(apperrors.CodeBuildSkillOverBudget)) {
		t.Fatalf("issues = %+v, want %s", pv.Issues, apperrors.CodeBuildSkillOverBudget)
	}

	s.StageTrainedSkills([]string{"athletics", "endurance", "initiative", "perception"})
	pv, err = s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !pv.Valid {
		t.Fatalf("preview invalid with four trained skills: %+v", pv.Issues)
	}

	// The background's signature skill trains for free.
	if err := s.StageBackground(content.BackgroundOutlaw); err != nil {
		t.Fatalf("stage background: %v", err)
	}
	s.StageTrainedSkills([]string{"athletics", "deception", "endurance", "initiative", "perception"})
	pv, err = s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !pv.Valid {
		t.Fatalf("preview invalid with background skill included: %+v", pv.Issues)
	}
}

func hasIssue(issues []validate.Issue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestRemoveStagedClassLevelClearsForceTrigger(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-m3")
	flow, err := steps.NewController("ent-m3", steps.ModeCreation, f.store, nil)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	s := New(e, f.provider, f.applier, WithFlow(flow))

	if err := s.StageClassLevel(content.ClassJedi); err != nil {
		t.Fatalf("stage class level: %v", err)
	}
	if !hasStep(flow, steps.StepForceTechniques) {
		t.Fatal("expected force techniques step after staging jedi")
	}

	if !s.RemoveStagedClassLevel() {
		t.Fatal("expected removal")
	}
	if hasStep(flow, steps.StepForceTechniques) {
		t.Fatal("force techniques step still visible after backing out jedi level")
	}

	// Committed force-sensitive levels keep the step even after removal.
	e.Progression.ClassLevels = []sheet.ClassLevelEntry{
		{ClassID: content.ClassJedi, LevelInClass: 1},
	}
	s2 := New(e, f.provider, f.applier, WithFlow(flow))
	if err := s2.StageClassLevel(content.ClassJedi); err != nil {
		t.Fatalf("stage class level: %v", err)
	}
	s2.RemoveStagedClassLevel()
	if !hasStep(flow, steps.StepForceTechniques) {
		t.Fatal("force techniques step dropped despite committed jedi level")
	}
}

func hasStep(flow *steps.Controller, stepID string) bool {
	for _, step := range flow.AvailableSteps() {
		if step.ID == stepID {
			return true
		}
	}
	return false
}

func TestCommitRetryAfterPartialFailureKeepsHitPoints(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-m2")
	s := New(e, f.provider, f.applier)
	ctx := context.Background()

	stageCreationBuild(t, s)
	pv, err := s.Preview(ctx)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	wantHP := pv.Simulated.HP.Max

	// Root batch lands, then the creation batch fails. The session must
	// stay retryable without the retried root batch stacking hit points.
	f.store.FailCreateRecords = errors.New("transient outage")
	_, err = s.Commit(ctx)
	if !apperrors.IsCode(err, apperrors.CodeApplyPartialFailure) {
		t.Fatalf("first commit error = %v, want code %s", err, apperrors.CodeApplyPartialFailure)
	}

	f.store.FailCreateRecords = nil
	if _, err := s.Commit(ctx); err != nil {
		t.Fatalf("retry commit: %v", err)
	}

	committed, err := f.store.GetEntity(ctx, "ent-m2")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if committed.HP.Max != wantHP {
		t.Fatalf("hp max = %d after retry, want %d", committed.HP.Max, wantHP)
	}
	if committed.HP.Current != wantHP {
		t.Fatalf("hp current = %d after retry, want %d", committed.HP.Current, wantHP)
	}
}

func TestCommitPublishesCompletionEvent(t *testing.T) {
	f := newFixture(t)
	e := f.freshEntity(t, "ent-n")
	bus := events.NewBus()

	var got *CompletedEvent
	bus.Subscribe(events.TopicProgressionCompleted, func(topic string, payload any) error {
		evt, ok := payload.(CompletedEvent)
		if !ok {
			t.Fatalf("payload = %T, want CompletedEvent", payload)
		}
		got = &evt
		return nil
	})

	s := New(e, f.provider, f.applier, WithBus(bus))
	stageCreationBuild(t, s)
	if _, err := s.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got == nil {
		t.Fatal("completion event not published")
	}
	if got.EntityID != "ent-n" || got.NewLevel != 1 {
		t.Fatalf("event = %+v", got)
	}
	if len(got.Changes.ClassLevels) != 1 {
		t.Fatal("completion event should carry the staged changes")
	}
}

func TestAdvancementLevelsStackInClass(t *testing.T) {
	f := newFixture(t)
	e := f.levelThreeEntity(t, "ent-o")
	s := New(e, f.provider, f.applier)

	if err := s.StageClassLevel(content.ClassSoldier); err != nil {
		t.Fatalf("stage class: %v", err)
	}
	if err := s.StageClassLevel(content.ClassScout); err != nil {
		t.Fatalf("stage class: %v", err)
	}

	p, err := s.Preview(context.Background())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	levels := p.Simulated.Progression.ClassLevels
	if len(levels) != 5 {
		t.Fatalf("class levels = %d, want 5", len(levels))
	}
	if levels[3].LevelInClass != 4 {
		t.Fatalf("soldier level in class = %d, want 4", levels[3].LevelInClass)
	}
	if levels[4].ClassID != content.ClassScout || levels[4].LevelInClass != 1 {
		t.Fatalf("scout entry = %+v, want first scout level", levels[4])
	}
}
