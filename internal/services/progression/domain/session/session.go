// Package session implements the staging session, the transaction buffer
// that isolates in-progress build choices from committed entity state.
//
// A session takes an immutable snapshot of the entity at start. Stage calls
// only touch the in-memory buffer; preview simulates the staged build
// against a clone of the snapshot; commit validates, flattens the buffer
// into one field-update map, and hands it to the atomic commit applier in a
// single call. Rollback discards the buffer without ever touching the
// entity.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/apply"
	"github.com/sagaforge/progression/internal/services/progression/domain/content"
	"github.com/sagaforge/progression/internal/services/progression/domain/grants"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/domain/steps"
	"github.com/sagaforge/progression/internal/services/progression/domain/validate"
	"github.com/sagaforge/progression/internal/services/progression/events"
	"github.com/sagaforge/progression/internal/services/progression/storage"
)

var tracer = otel.Tracer("progression/session")

// Ability score assignment methods.
const (
	AbilityMethodPointBuy = "point_buy"
	AbilityMethodManual   = "manual"
)

// defaultPointBuyPool is the point-buy budget when none is configured.
const defaultPointBuyPool = 25

// pointBuyBase is the score every ability starts from under point buy.
const pointBuyBase = 8

// pointBuyCost maps a bought score to its cumulative point cost.
var pointBuyCost = map[int]int{
	8: 0, 9: 1, 10: 2, 11: 3, 12: 4, 13: 5, 14: 6, 15: 8, 16: 10, 17: 13, 18: 16,
}

// StagedChanges is the session buffer. Selection fields are nil until
// staged; set and list fields accumulate. Nothing here is visible to the
// committed entity until commit succeeds.
type StagedChanges struct {
	Species          *string
	Background       *string
	AbilityMethod    *string
	AbilityBases     map[sheet.Ability]int
	ClassLevels      []sheet.ClassLevelEntry
	TrainedSkills    []string
	Feats            []string
	Talents          []string
	AbilityIncreases map[sheet.Ability]int
	DeleteRecordRefs []string
}

func emptyStagedChanges() StagedChanges {
	return StagedChanges{
		AbilityBases:     make(map[sheet.Ability]int),
		AbilityIncreases: make(map[sheet.Ability]int),
	}
}

// isEmpty reports whether nothing has been staged.
func (sc StagedChanges) isEmpty() bool {
	return sc.Species == nil && sc.Background == nil && sc.AbilityMethod == nil &&
		len(sc.AbilityBases) == 0 && len(sc.ClassLevels) == 0 &&
		len(sc.TrainedSkills) == 0 && len(sc.Feats) == 0 && len(sc.Talents) == 0 &&
		len(sc.AbilityIncreases) == 0 && len(sc.DeleteRecordRefs) == 0
}

// Preview is the read-only simulation of the staged build.
type Preview struct {
	Valid        bool
	Issues       []validate.Issue
	Simulated    *sheet.Entity
	NewLevel     int
	Grants       grants.Summary
	FeatBudget   int
	TalentBudget int
}

// CommitResult reports a successful commit.
type CommitResult struct {
	NewLevel       int
	CreatedRecords []sheet.Record
}

// CompletedEvent is published after a successful commit so listeners can
// record history. It carries the full staged change set.
type CompletedEvent struct {
	EntityID string
	NewLevel int
	Changes  StagedChanges
}

// Session accumulates staged choices for one entity. Not safe for
// concurrent use; callers serialize access per entity.
type Session struct {
	entityID string
	snapshot *sheet.Entity
	staged   StagedChanges

	provider   content.Provider
	applier    *apply.Applier
	validators validate.Chain
	bus        *events.Bus
	flow       *steps.Controller

	pointBuyPool int

	isCommitting bool
	isCommitted  bool
	isRolledBack bool
}

// Option configures a Session.
type Option func(*Session)

// WithValidators appends pluggable validators run during preview, after the
// built-in budget checks.
func WithValidators(chain validate.Chain) Option {
	return func(s *Session) { s.validators = chain }
}

// WithBus sets the fire-and-forget event bus for completion notifications.
func WithBus(bus *events.Bus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithFlow attaches a step flow controller. Staging a force-sensitive class
// sets the force-techniques trigger; a full rollback resets the flow.
func WithFlow(flow *steps.Controller) Option {
	return func(s *Session) { s.flow = flow }
}

// WithPointBuyPool overrides the point-buy budget.
func WithPointBuyPool(pool int) Option {
	return func(s *Session) { s.pointBuyPool = pool }
}

// New opens a staging session against the entity's current state. The
// snapshot taken here is immutable for the session's lifetime: previews
// simulate against clones of it and never read the live entity again.
func New(entity *sheet.Entity, provider content.Provider, applier *apply.Applier, opts ...Option) *Session {
	s := &Session{
		entityID:     entity.ID,
		snapshot:     entity.Clone(),
		staged:       emptyStagedChanges(),
		provider:     provider,
		applier:      applier,
		pointBuyPool: defaultPointBuyPool,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the session's immutable starting state.
func (s *Session) Snapshot() *sheet.Entity {
	return s.snapshot.Clone()
}

// StageSpecies stages a species selection, replacing any prior one.
func (s *Session) StageSpecies(speciesID string) error {
	if _, ok := s.provider.SpeciesData(speciesID); !ok {
		return apperrors.WithMetadata(apperrors.CodeContentUnknownSpecies,
			fmt.Sprintf("unknown species %q", speciesID),
			map[string]string{"species_id": speciesID})
	}
	s.staged.Species = &speciesID
	return nil
}

// StageBackground stages a background selection, replacing any prior one.
func (s *Session) StageBackground(backgroundID string) error {
	if _, ok := s.provider.BackgroundData(backgroundID); !ok {
		return apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("unknown background %q", backgroundID),
			map[string]string{"background_id": backgroundID})
	}
	s.staged.Background = &backgroundID
	return nil
}

// StageAbilityMethod stages how ability scores are assigned.
func (s *Session) StageAbilityMethod(method string) error {
	if method != AbilityMethodPointBuy && method != AbilityMethodManual {
		return apperrors.WithMetadata(apperrors.CodeSheetInvalidValue,
			fmt.Sprintf("unknown ability method %q", method),
			map[string]string{"method": method})
	}
	s.staged.AbilityMethod = &method
	return nil
}

// StageAbilityScores stages base scores for the given abilities, replacing
// prior staged values per ability. Point-buy budget enforcement happens in
// preview, not here.
func (s *Session) StageAbilityScores(bases map[sheet.Ability]int) error {
	for ab := range bases {
		if _, err := sheet.ParseAbility(string(ab)); err != nil {
			return err
		}
	}
	for ab, base := range bases {
		s.staged.AbilityBases[ab] = base
	}
	return nil
}

// StageClassLevel appends one proposed class level. The level-in-class is
// derived from the snapshot plus already-staged levels of the same class.
func (s *Session) StageClassLevel(classID string) error {
	class, ok := s.provider.ClassData(classID)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeContentUnknownClass,
			fmt.Sprintf("unknown class %q", classID),
			map[string]string{"class_id": classID})
	}
	levelInClass := s.snapshot.LevelsInClass(classID)
	for _, entry := range s.staged.ClassLevels {
		if entry.ClassID == classID {
			levelInClass++
		}
	}
	s.staged.ClassLevels = append(s.staged.ClassLevels, sheet.ClassLevelEntry{
		ClassID:      classID,
		LevelInClass: levelInClass + 1,
	})
	if class.ForceSensitive && s.flow != nil {
		s.flow.SetTrigger(steps.StepForceTechniques, true)
	}
	return nil
}

// RemoveStagedClassLevel removes the most recently staged class level,
// supporting back-tracking without touching committed state.
func (s *Session) RemoveStagedClassLevel() bool {
	if len(s.staged.ClassLevels) == 0 {
		return false
	}
	s.staged.ClassLevels = s.staged.ClassLevels[:len(s.staged.ClassLevels)-1]
	if s.flow != nil && !s.anyForceSensitiveLevel() {
		s.flow.SetTrigger(steps.StepForceTechniques, false)
	}
	return true
}

// anyForceSensitiveLevel reports whether any committed or still-staged class
// level belongs to a force-sensitive class.
func (s *Session) anyForceSensitiveLevel() bool {
	check := func(entries []sheet.ClassLevelEntry) bool {
		for _, entry := range entries {
			if class, ok := s.provider.ClassData(entry.ClassID); ok && class.ForceSensitive {
				return true
			}
		}
		return false
	}
	return check(s.snapshot.Progression.ClassLevels) || check(s.staged.ClassLevels)
}

// StageTrainedSkills replaces the staged trained-skill proposals.
func (s *Session) StageTrainedSkills(skillIDs []string) {
	s.staged.TrainedSkills = append([]string(nil), skillIDs...)
}

// StageFeat stages one feat proposal; duplicates are ignored.
func (s *Session) StageFeat(featID string) {
	for _, id := range s.staged.Feats {
		if id == featID {
			return
		}
	}
	s.staged.Feats = append(s.staged.Feats, featID)
}

// UnstageFeat removes one staged feat proposal.
func (s *Session) UnstageFeat(featID string) {
	kept := s.staged.Feats[:0]
	for _, id := range s.staged.Feats {
		if id != featID {
			kept = append(kept, id)
		}
	}
	s.staged.Feats = kept
}

// StageTalent stages one talent proposal; duplicates are ignored.
func (s *Session) StageTalent(talentID string) {
	for _, id := range s.staged.Talents {
		if id == talentID {
			return
		}
	}
	s.staged.Talents = append(s.staged.Talents, talentID)
}

// StageAbilityIncrease stages freely assigned increase points for one
// ability, replacing any prior staged value for that ability.
func (s *Session) StageAbilityIncrease(ab sheet.Ability, points int) error {
	if _, err := sheet.ParseAbility(string(ab)); err != nil {
		return err
	}
	if points <= 0 {
		delete(s.staged.AbilityIncreases, ab)
		return nil
	}
	s.staged.AbilityIncreases[ab] = points
	return nil
}

// StageRecordRemoval stages an auxiliary record for deletion at commit.
func (s *Session) StageRecordRemoval(recordRef string) {
	for _, ref := range s.staged.DeleteRecordRefs {
		if ref == recordRef {
			return
		}
	}
	s.staged.DeleteRecordRefs = append(s.staged.DeleteRecordRefs, recordRef)
}

// Preview simulates the staged build against a clone of the snapshot and
// runs full validation. It has no observable effect on committed state or
// on subsequent calls; with no intervening stage calls, repeated previews
// return identical results.
func (s *Session) Preview(ctx context.Context) (Preview, error) {
	ctx, span := tracer.Start(ctx, "session.Preview")
	defer span.End()
	span.SetAttributes(attribute.String("entity.id", s.entityID))

	summary, err := s.computeGrants()
	if err != nil {
		return Preview{}, err
	}

	updates, err := s.flatten(summary)
	if err != nil {
		return Preview{}, err
	}

	sim := s.snapshot.Clone()
	for _, update := range updates {
		if err := sheet.ApplyField(sim, update.Path, update.Value); err != nil {
			return Preview{}, err
		}
	}
	sheet.DeriveTotals(sim)

	p := Preview{
		Simulated:    sim,
		NewLevel:     sim.CharacterLevel(),
		Grants:       summary,
		FeatBudget:   s.snapshot.Progression.FeatBudget + summary.BonusFeatsGranted,
		TalentBudget: s.snapshot.Progression.TalentBudget + summary.TalentsGranted,
	}
	p.Issues = s.validateBudgets(sim, summary, p.FeatBudget, p.TalentBudget)
	p.Issues = append(p.Issues, s.validators.Check(ctx, validate.Build{
		Simulated: sim,
		NewLevel:  p.NewLevel,
		Grants:    summary,
	})...)
	p.Valid = len(p.Issues) == 0
	return p, nil
}

// Commit validates the staged build one final time and applies it through
// the atomic commit applier as one batched update.
//
// The three guard flags make commit single-shot: a commit already in
// flight, an already-committed session, and a rolled-back session all fail
// fast with named errors. Any failure clears the in-flight flag so a retry
// is possible; the entity is only ever touched through the applier's single
// batched call.
func (s *Session) Commit(ctx context.Context) (CommitResult, error) {
	ctx, span := tracer.Start(ctx, "session.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("entity.id", s.entityID))

	switch {
	case s.isCommitting:
		return CommitResult{}, apperrors.New(apperrors.CodeSessionCommitInProgress,
			"commit already in progress for this session")
	case s.isCommitted:
		return CommitResult{}, apperrors.New(apperrors.CodeSessionAlreadyCommitted,
			"session already committed")
	case s.isRolledBack:
		return CommitResult{}, apperrors.New(apperrors.CodeSessionRolledBack,
			"session was rolled back")
	}
	if s.staged.isEmpty() {
		return CommitResult{}, apperrors.New(apperrors.CodeSessionNoChanges,
			"nothing staged to commit")
	}

	s.isCommitting = true
	defer func() { s.isCommitting = false }()

	p, err := s.Preview(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	if !p.Valid {
		messages := make([]string, len(p.Issues))
		for i, issue := range p.Issues {
			messages[i] = issue.Message
		}
		return CommitResult{}, apperrors.WithMetadata(apperrors.CodeBuildValidationFailed,
			"staged build failed validation: "+strings.Join(messages, "; "),
			map[string]string{"entity_id": s.entityID, "issues": strings.Join(messages, "; ")})
	}

	updates, err := s.flatten(p.Grants)
	if err != nil {
		return CommitResult{}, err
	}

	res, err := s.applier.Apply(ctx, apply.Request{
		EntityID:    s.entityID,
		Updates:     updates,
		DeleteRefs:  append([]string(nil), s.staged.DeleteRecordRefs...),
		CreateSpecs: s.recordSpecs(),
	})
	if err != nil {
		return CommitResult{}, err
	}

	s.isCommitted = true
	s.bus.Publish(events.TopicProgressionCompleted, CompletedEvent{
		EntityID: s.entityID,
		NewLevel: p.NewLevel,
		Changes:  s.staged,
	})
	return CommitResult{NewLevel: p.NewLevel, CreatedRecords: res.Created}, nil
}

// Rollback discards the staged buffer without touching the entity. It is
// the cooperative cancellation of a not-yet-committed session: it fails
// after a successful commit and during an in-flight one, and is idempotent
// when repeated.
func (s *Session) Rollback(ctx context.Context) error {
	if s.isCommitted {
		return apperrors.New(apperrors.CodeSessionAlreadyCommitted,
			"cannot roll back a committed session")
	}
	if s.isCommitting {
		return apperrors.New(apperrors.CodeSessionCommitInProgress,
			"cannot roll back while a commit is in flight")
	}
	s.staged = emptyStagedChanges()
	s.isRolledBack = true
	if s.flow != nil {
		return s.flow.Reset(ctx)
	}
	return nil
}

// computeGrants runs the pure grant calculator for the staged level batch.
func (s *Session) computeGrants() (grants.Summary, error) {
	speciesBonusFeat := false
	speciesID := s.snapshot.Progression.SpeciesID
	if s.staged.Species != nil {
		speciesID = *s.staged.Species
	}
	if speciesID != "" {
		if data, ok := s.provider.SpeciesData(speciesID); ok {
			speciesBonusFeat = data.BonusFeat
		}
	}
	return grants.Compute(s.snapshot.CharacterLevel(), s.staged.ClassLevels, speciesBonusFeat, s.provider)
}

// validateBudgets runs the built-in budget checks against the simulation.
func (s *Session) validateBudgets(sim *sheet.Entity, summary grants.Summary, featBudget, talentBudget int) []validate.Issue {
	var issues []validate.Issue

	talentCount := len(sim.Progression.Talents)
	if talentCount > talentBudget {
		issues = append(issues, validate.Issue{
			Code: string(apperrors.CodeBuildTalentOverBudget),
			Message: fmt.Sprintf("too many talents: %d staged, budget allows %d",
				talentCount, talentBudget),
		})
	}

	featCount := len(sim.Progression.Feats) - len(sim.Progression.StartingFeats)
	if featCount > featBudget {
		issues = append(issues, validate.Issue{
			Code: string(apperrors.CodeBuildFeatOverBudget),
			Message: fmt.Sprintf("too many feats: %d staged, budget allows %d",
				featCount, featBudget),
		})
	}

	stagedPoints := 0
	for _, points := range s.staged.AbilityIncreases {
		stagedPoints += points
	}
	if stagedPoints > summary.AbilityIncreaseGranted {
		issues = append(issues, validate.Issue{
			Code: string(apperrors.CodeBuildAbilityOverSpend),
			Message: fmt.Sprintf("too many ability points: %d staged, %d granted",
				stagedPoints, summary.AbilityIncreaseGranted),
		})
	}

	if s.staged.AbilityMethod != nil && *s.staged.AbilityMethod == AbilityMethodPointBuy {
		if issue := s.validatePointBuy(); issue != nil {
			issues = append(issues, *issue)
		}
	}

	if skillBudget, ok := s.skillBudget(sim); ok {
		trained := len(sim.Progression.TrainedSkills)
		if bg, ok := s.provider.BackgroundData(sim.Progression.BackgroundID); ok && sim.Progression.TrainedSkills[bg.SkillBonus] {
			// The background's signature skill trains for free.
			trained--
		}
		if trained > skillBudget {
			issues = append(issues, validate.Issue{
				Code: string(apperrors.CodeBuildSkillOverBudget),
				Message: fmt.Sprintf("too many trained skills: %d staged, budget allows %d",
					trained, skillBudget),
			})
		}
	}
	return issues
}

// skillBudget derives the trained-skill allowance: the first class's skill
// points plus the intelligence modifier, with one extra training for species
// that grant a bonus skill. A class always trains at least one skill.
func (s *Session) skillBudget(sim *sheet.Entity) (int, bool) {
	if len(sim.Progression.ClassLevels) == 0 {
		return 0, false
	}
	class, ok := s.provider.ClassData(sim.Progression.ClassLevels[0].ClassID)
	if !ok {
		return 0, false
	}
	budget := class.SkillPoints + sim.Abilities[sheet.AbilityInt].Mod
	if species, ok := s.provider.SpeciesData(sim.Progression.SpeciesID); ok && species.BonusSkill {
		budget++
	}
	if budget < 1 {
		budget = 1
	}
	return budget, true
}

// validatePointBuy checks staged base scores against the point-buy pool.
func (s *Session) validatePointBuy() *validate.Issue {
	spent := 0
	for _, ab := range sheet.AbilityOrder {
		base, staged := s.staged.AbilityBases[ab]
		if !staged {
			continue
		}
		cost, known := pointBuyCost[base]
		if !known {
			return &validate.Issue{
				Code: string(apperrors.CodeBuildPointBuyExceeded),
				Message: fmt.Sprintf("ability score %d for %s is outside the point-buy range %d-18",
					base, ab, pointBuyBase),
			}
		}
		spent += cost
	}
	if spent > s.pointBuyPool {
		return &validate.Issue{
			Code: string(apperrors.CodeBuildPointBuyExceeded),
			Message: fmt.Sprintf("point buy spends %d points, pool allows %d",
				spent, s.pointBuyPool),
		}
	}
	return nil
}

// flatten converts the staged buffer into the ordered key-path update map.
// Preview and commit both flow through here so simulation equals
// application.
func (s *Session) flatten(summary grants.Summary) ([]storage.FieldUpdate, error) {
	var updates []storage.FieldUpdate
	snap := s.snapshot.Progression

	if s.staged.Species != nil {
		updates = append(updates, storage.FieldUpdate{Path: sheet.PathSpecies, Value: *s.staged.Species})
		species, ok := s.provider.SpeciesData(*s.staged.Species)
		if !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeContentUnknownSpecies,
				fmt.Sprintf("unknown species %q", *s.staged.Species),
				map[string]string{"species_id": *s.staged.Species})
		}
		for _, ab := range sheet.AbilityOrder {
			updates = append(updates, storage.FieldUpdate{
				Path:  sheet.AbilitySpeciesModPath(ab),
				Value: species.AbilityMods[ab],
			})
		}
	}
	if s.staged.Background != nil {
		updates = append(updates, storage.FieldUpdate{Path: sheet.PathBackground, Value: *s.staged.Background})
	}
	if s.staged.AbilityMethod != nil {
		updates = append(updates, storage.FieldUpdate{Path: sheet.PathAbilityMethod, Value: *s.staged.AbilityMethod})
	}
	for _, ab := range sheet.AbilityOrder {
		if base, staged := s.staged.AbilityBases[ab]; staged {
			updates = append(updates, storage.FieldUpdate{Path: sheet.AbilityBasePath(ab), Value: base})
		}
	}

	if len(s.staged.ClassLevels) > 0 {
		combined := append(append([]sheet.ClassLevelEntry(nil), snap.ClassLevels...), s.staged.ClassLevels...)
		updates = append(updates, storage.FieldUpdate{Path: sheet.PathClassLevels, Value: combined})
	}

	if len(s.staged.TrainedSkills) > 0 {
		updates = append(updates, storage.FieldUpdate{
			Path:  sheet.PathTrainedSkills,
			Value: unionSorted(snap.TrainedSkills, s.staged.TrainedSkills),
		})
	}

	if len(s.staged.Feats) > 0 || len(summary.StartingFeats) > 0 {
		staged := append(append([]string(nil), s.staged.Feats...), summary.StartingFeats...)
		updates = append(updates, storage.FieldUpdate{
			Path:  sheet.PathFeats,
			Value: unionSorted(snap.Feats, staged),
		})
	}
	if len(summary.StartingFeats) > 0 {
		updates = append(updates, storage.FieldUpdate{
			Path:  sheet.PathStartingFeats,
			Value: unionSorted(snap.StartingFeats, summary.StartingFeats),
		})
	}
	if len(s.staged.Talents) > 0 {
		updates = append(updates, storage.FieldUpdate{
			Path:  sheet.PathTalents,
			Value: unionSorted(snap.Talents, s.staged.Talents),
		})
	}

	if len(s.staged.AbilityIncreases) > 0 {
		ledger := make(map[sheet.Ability]int, len(snap.AbilityIncreases)+len(s.staged.AbilityIncreases))
		for ab, points := range snap.AbilityIncreases {
			ledger[ab] = points
		}
		for ab, points := range s.staged.AbilityIncreases {
			ledger[ab] += points
		}
		updates = append(updates, storage.FieldUpdate{Path: sheet.PathAbilityIncreases, Value: ledger})
		for _, ab := range sheet.AbilityOrder {
			if points, ok := ledger[ab]; ok {
				updates = append(updates, storage.FieldUpdate{Path: sheet.AbilityIncreasesPath(ab), Value: points})
			}
		}
	}

	if len(s.staged.ClassLevels) > 0 {
		updates = append(updates,
			storage.FieldUpdate{Path: sheet.PathFeatBudget, Value: snap.FeatBudget + summary.BonusFeatsGranted},
			storage.FieldUpdate{Path: sheet.PathTalentBudget, Value: snap.TalentBudget + summary.TalentsGranted},
		)
		hpDelta, err := s.hitPointDelta()
		if err != nil {
			return nil, err
		}
		if hpDelta != 0 {
			// Absolute target computed from the snapshot, like the budget
			// fields above, so a re-sent batch cannot stack hit points.
			updates = append(updates, storage.FieldUpdate{Path: sheet.PathHPMax, Value: s.snapshot.HP.Max + hpDelta})
		}
	}
	return updates, nil
}

// hitPointDelta sums hit points gained from the staged class levels. The
// first character level grants tripled class hit points; every level adds
// the constitution modifier computed from the staged ability scores.
func (s *Session) hitPointDelta() (int, error) {
	conMod := s.simulatedConMod()
	delta := 0
	currentLevel := s.snapshot.CharacterLevel()
	for i, entry := range s.staged.ClassLevels {
		class, ok := s.provider.ClassData(entry.ClassID)
		if !ok {
			return 0, apperrors.WithMetadata(apperrors.CodeContentUnknownClass,
				fmt.Sprintf("unknown class %q", entry.ClassID),
				map[string]string{"class_id": entry.ClassID})
		}
		gained := class.HitPointsPerLevel
		if currentLevel+i+1 == 1 {
			gained *= 3
		}
		delta += gained + conMod
	}
	return delta, nil
}

// simulatedConMod computes the constitution modifier with staged bases,
// species modifier, and increases folded in.
func (s *Session) simulatedConMod() int {
	score := s.snapshot.Abilities[sheet.AbilityCon]
	base := score.Base
	if staged, ok := s.staged.AbilityBases[sheet.AbilityCon]; ok {
		base = staged
	}
	speciesMod := score.SpeciesMod
	if s.staged.Species != nil {
		if species, ok := s.provider.SpeciesData(*s.staged.Species); ok {
			speciesMod = species.AbilityMods[sheet.AbilityCon]
		}
	}
	increases := score.Increases + s.staged.AbilityIncreases[sheet.AbilityCon]
	return sheet.Modifier(base + speciesMod + increases)
}

// recordSpecs lists auxiliary records to create: staged feats and talents
// not already present as records on the snapshot. Starting feats granted by
// a first class level get records too.
func (s *Session) recordSpecs() []storage.RecordSpec {
	existing := make(map[string]bool, len(s.snapshot.Records))
	for _, rec := range s.snapshot.Records {
		existing[string(rec.Kind)+"/"+rec.SourceID] = true
	}

	var specs []storage.RecordSpec
	addFeat := func(id string) {
		key := string(sheet.RecordKindFeat) + "/" + id
		if existing[key] {
			return
		}
		existing[key] = true
		specs = append(specs, storage.RecordSpec{Kind: sheet.RecordKindFeat, SourceID: id})
	}
	for _, id := range s.staged.Feats {
		addFeat(id)
	}
	if summary, err := s.computeGrants(); err == nil {
		for _, id := range summary.StartingFeats {
			addFeat(id)
		}
	}
	for _, id := range s.staged.Talents {
		key := string(sheet.RecordKindTalent) + "/" + id
		if existing[key] {
			continue
		}
		existing[key] = true
		specs = append(specs, storage.RecordSpec{Kind: sheet.RecordKindTalent, SourceID: id})
	}
	return specs
}

// unionSorted merges a committed set with staged additions into a sorted
// member list, keeping flattened values deterministic across previews.
func unionSorted(committed map[string]bool, staged []string) []string {
	merged := make(map[string]bool, len(committed)+len(staged))
	for member := range committed {
		merged[member] = true
	}
	for _, member := range staged {
		merged[member] = true
	}
	return sheet.SortedSet(merged)
}
