// Package main runs a character build plan through the progression engine:
// it loads or creates an entity, stages the plan's choices in a session,
// previews, commits, and prints the resulting sheet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sagaforge/progression/internal/platform/config"
	"github.com/sagaforge/progression/internal/platform/otel"
	"github.com/sagaforge/progression/internal/services/progression/app"
	"github.com/sagaforge/progression/internal/services/progression/domain/session"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/domain/steps"
)

// buildPlan is the JSON input describing one staged build.
type buildPlan struct {
	Species          string         `json:"species,omitempty"`
	Background       string         `json:"background,omitempty"`
	AbilityMethod    string         `json:"ability_method,omitempty"`
	Abilities        map[string]int `json:"abilities,omitempty"`
	Classes          []string       `json:"classes,omitempty"`
	Skills           []string       `json:"skills,omitempty"`
	Feats            []string       `json:"feats,omitempty"`
	Talents          []string       `json:"talents,omitempty"`
	AbilityIncreases map[string]int `json:"ability_increases,omitempty"`
}

func main() {
	entityID := flag.String("entity", "", "entity id to load or create")
	name := flag.String("name", "", "entity name when creating")
	mode := flag.String("mode", string(steps.ModeCreation), "creation or advancement")
	planPath := flag.String("plan", "", "path to a JSON build plan")
	dryRun := flag.Bool("dry-run", false, "preview only, do not commit")
	flag.Parse()

	if *entityID == "" {
		config.Exitf("usage: progression -entity <id> -plan <plan.json> [-mode creation|advancement] [-dry-run]")
	}
	if *planPath == "" {
		config.Exitf("a -plan file is required")
	}

	log.SetPrefix("[PROGRESSION] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "progression")
	if err != nil {
		config.Exitf("setup tracing: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := app.LoadConfig()
	if err != nil {
		config.Exitf("load config: %v", err)
	}
	if err := run(ctx, cfg, *entityID, *name, steps.Mode(*mode), *planPath, *dryRun); err != nil {
		config.Exitf("progression failed: %v", err)
	}
}

func run(ctx context.Context, cfg app.Config, entityID, name string, mode steps.Mode, planPath string, dryRun bool) error {
	raw, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var plan buildPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}

	engine, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	if _, err := engine.GetOrCreateEntity(ctx, entityID, name); err != nil {
		return err
	}
	s, flow, err := engine.OpenSession(ctx, entityID, mode)
	if err != nil {
		return err
	}

	if err := stagePlan(s, plan); err != nil {
		return err
	}

	p, err := s.Preview(ctx)
	if err != nil {
		return err
	}
	if !p.Valid {
		for _, issue := range p.Issues {
			log.Printf("invalid: %s", issue.Message)
		}
		return fmt.Errorf("plan failed validation with %d issue(s)", len(p.Issues))
	}
	log.Printf("preview ok: level %d, feat budget %d, talent budget %d",
		p.NewLevel, p.FeatBudget, p.TalentBudget)

	if dryRun {
		return printSheet(p.Simulated)
	}

	res, err := s.Commit(ctx)
	if err != nil {
		return err
	}
	for _, step := range flow.AvailableSteps() {
		if err := flow.Complete(ctx, step.ID); err != nil {
			return err
		}
	}
	log.Printf("committed: level %d, %d auxiliary record(s) created", res.NewLevel, len(res.CreatedRecords))

	committed, err := engine.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	return printSheet(committed)
}

func stagePlan(s *session.Session, plan buildPlan) error {
	if plan.Species != "" {
		if err := s.StageSpecies(plan.Species); err != nil {
			return err
		}
	}
	if plan.Background != "" {
		if err := s.StageBackground(plan.Background); err != nil {
			return err
		}
	}
	if plan.AbilityMethod != "" {
		if err := s.StageAbilityMethod(plan.AbilityMethod); err != nil {
			return err
		}
	}
	if len(plan.Abilities) > 0 {
		bases := make(map[sheet.Ability]int, len(plan.Abilities))
		for key, base := range plan.Abilities {
			ab, err := sheet.ParseAbility(key)
			if err != nil {
				return err
			}
			bases[ab] = base
		}
		if err := s.StageAbilityScores(bases); err != nil {
			return err
		}
	}
	for _, classID := range plan.Classes {
		if err := s.StageClassLevel(classID); err != nil {
			return err
		}
	}
	if len(plan.Skills) > 0 {
		s.StageTrainedSkills(plan.Skills)
	}
	for _, id := range plan.Feats {
		s.StageFeat(id)
	}
	for _, id := range plan.Talents {
		s.StageTalent(id)
	}
	for key, points := range plan.AbilityIncreases {
		ab, err := sheet.ParseAbility(key)
		if err != nil {
			return err
		}
		if err := s.StageAbilityIncrease(ab, points); err != nil {
			return err
		}
	}
	return nil
}

func printSheet(e *sheet.Entity) error {
	out := map[string]any{
		"id":             e.ID,
		"name":           e.Name,
		"level":          e.CharacterLevel(),
		"species":        e.Progression.SpeciesID,
		"background":     e.Progression.BackgroundID,
		"class_levels":   e.Progression.ClassLevels,
		"trained_skills": sheet.SortedSet(e.Progression.TrainedSkills),
		"feats":          sheet.SortedSet(e.Progression.Feats),
		"talents":        sheet.SortedSet(e.Progression.Talents),
		"feat_budget":    e.Progression.FeatBudget,
		"talent_budget":  e.Progression.TalentBudget,
		"hp":             e.HP,
		"defenses":       e.Derived,
	}
	abilities := make(map[string]sheet.AbilityScore, len(e.Abilities))
	for ab, score := range e.Abilities {
		abilities[string(ab)] = score
	}
	out["abilities"] = abilities

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sheet: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
