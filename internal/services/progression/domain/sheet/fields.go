package sheet

import (
	"fmt"
	"strings"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
)

// Field paths accepted by ApplyField. The flattened update map produced at
// commit time is an ordered list of these paths with typed values.
const (
	PathName             = "name"
	PathSpecies          = "progression.species"
	PathBackground       = "progression.background"
	PathAbilityMethod    = "progression.ability_method"
	PathClassLevels      = "progression.class_levels"
	PathTrainedSkills    = "progression.trained_skills"
	PathFeats            = "progression.feats"
	PathTalents          = "progression.talents"
	PathStartingFeats    = "progression.starting_feats"
	PathAbilityIncreases = "progression.ability_increases"
	PathFeatBudget       = "progression.feat_budget"
	PathTalentBudget     = "progression.talent_budget"
	PathHPMax            = "hp.max"

	abilityPathPrefix = "abilities."
)

// AbilityBasePath returns the update path for one ability's base score.
func AbilityBasePath(ab Ability) string {
	return abilityPathPrefix + string(ab) + ".base"
}

// AbilitySpeciesModPath returns the update path for one ability's species modifier.
func AbilitySpeciesModPath(ab Ability) string {
	return abilityPathPrefix + string(ab) + ".species_mod"
}

// AbilityIncreasesPath returns the update path for one ability's increase total.
func AbilityIncreasesPath(ab Ability) string {
	return abilityPathPrefix + string(ab) + ".increases"
}

// ApplyField applies a single flattened field update to the entity.
//
// Paths are dispatched with an explicit switch so every writable field is
// visible in one place. Every path sets an absolute value, so re-applying
// the same batch is idempotent. Derived totals are never writable here.
func ApplyField(e *Entity, path string, value any) error {
	switch path {
	case PathName:
		s, err := asString(path, value)
		if err != nil {
			return err
		}
		e.Name = s
	case PathSpecies:
		s, err := asString(path, value)
		if err != nil {
			return err
		}
		e.Progression.SpeciesID = s
	case PathBackground:
		s, err := asString(path, value)
		if err != nil {
			return err
		}
		e.Progression.BackgroundID = s
	case PathAbilityMethod:
		s, err := asString(path, value)
		if err != nil {
			return err
		}
		e.Progression.AbilityMethod = s
	case PathClassLevels:
		entries, ok := value.([]ClassLevelEntry)
		if !ok {
			return invalidValue(path, value)
		}
		e.Progression.ClassLevels = append([]ClassLevelEntry(nil), entries...)
	case PathTrainedSkills:
		set, err := asSet(path, value)
		if err != nil {
			return err
		}
		e.Progression.TrainedSkills = set
	case PathFeats:
		set, err := asSet(path, value)
		if err != nil {
			return err
		}
		e.Progression.Feats = set
	case PathTalents:
		set, err := asSet(path, value)
		if err != nil {
			return err
		}
		e.Progression.Talents = set
	case PathStartingFeats:
		set, err := asSet(path, value)
		if err != nil {
			return err
		}
		e.Progression.StartingFeats = set
	case PathAbilityIncreases:
		ledger, ok := value.(map[Ability]int)
		if !ok {
			return invalidValue(path, value)
		}
		cloned := make(map[Ability]int, len(ledger))
		for ab, pts := range ledger {
			cloned[ab] = pts
		}
		e.Progression.AbilityIncreases = cloned
	case PathFeatBudget:
		n, err := asInt(path, value)
		if err != nil {
			return err
		}
		e.Progression.FeatBudget = n
	case PathTalentBudget:
		n, err := asInt(path, value)
		if err != nil {
			return err
		}
		e.Progression.TalentBudget = n
	case PathHPMax:
		n, err := asInt(path, value)
		if err != nil {
			return err
		}
		e.HP.Current += n - e.HP.Max
		e.HP.Max = n
	default:
		if strings.HasPrefix(path, abilityPathPrefix) {
			return applyAbilityField(e, path, value)
		}
		return apperrors.WithMetadata(apperrors.CodeSheetUnknownPath,
			fmt.Sprintf("unknown sheet field path %q", path),
			map[string]string{"path": path})
	}
	return nil
}

func applyAbilityField(e *Entity, path string, value any) error {
	rest := strings.TrimPrefix(path, abilityPathPrefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return apperrors.WithMetadata(apperrors.CodeSheetUnknownPath,
			fmt.Sprintf("unknown sheet field path %q", path),
			map[string]string{"path": path})
	}
	ab, err := ParseAbility(parts[0])
	if err != nil {
		return err
	}
	n, err := asInt(path, value)
	if err != nil {
		return err
	}
	score := e.Abilities[ab]
	switch parts[1] {
	case "base":
		score.Base = n
	case "species_mod":
		score.SpeciesMod = n
	case "increases":
		score.Increases = n
	default:
		return apperrors.WithMetadata(apperrors.CodeSheetUnknownPath,
			fmt.Sprintf("unknown sheet field path %q", path),
			map[string]string{"path": path})
	}
	e.Abilities[ab] = score
	return nil
}

func invalidValue(path string, value any) error {
	return apperrors.WithMetadata(apperrors.CodeSheetInvalidValue,
		fmt.Sprintf("invalid value type %T for sheet field %q", value, path),
		map[string]string{"path": path})
}

func asString(path string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", invalidValue(path, value)
	}
	return s, nil
}

func asInt(path string, value any) (int, error) {
	n, ok := value.(int)
	if !ok {
		return 0, invalidValue(path, value)
	}
	return n, nil
}

func asSet(path string, value any) (map[string]bool, error) {
	members, ok := value.([]string)
	if !ok {
		return nil, invalidValue(path, value)
	}
	set := make(map[string]bool, len(members))
	for _, member := range members {
		set[member] = true
	}
	return set, nil
}
