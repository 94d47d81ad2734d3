// Package content defines the static rule-table lookup contract consumed by
// the progression engine: species, background, and class definitions with
// per-level feature tables.
//
// Providers must be idempotent and side-effect-free; the engine calls them
// repeatedly during preview simulation.
package content

import "github.com/sagaforge/progression/internal/services/progression/domain/sheet"

// LevelFeatures describes what one specific class level grants.
// Entitlements attach to the level being taken, never retroactively.
type LevelFeatures struct {
	Features    []string
	BonusFeat   bool
	Talent      bool
	ForcePoints int
}

// ClassData is the rule-table definition for one class.
type ClassData struct {
	ID                string
	Name              string
	HitPointsPerLevel int
	SkillPoints       int
	StartingFeats     []string
	ForceSensitive    bool
	LevelProgression  map[int]LevelFeatures
}

// SpeciesData is the rule-table definition for one species.
type SpeciesData struct {
	ID          string
	Name        string
	AbilityMods map[sheet.Ability]int
	BonusFeat   bool
	BonusSkill  bool
}

// BackgroundData is the rule-table definition for one background.
type BackgroundData struct {
	ID         string
	Name       string
	SkillBonus string
}

// Provider looks up static rule tables.
type Provider interface {
	ClassData(id string) (ClassData, bool)
	SpeciesData(id string) (SpeciesData, bool)
	BackgroundData(id string) (BackgroundData, bool)
	Skills() []string
}
