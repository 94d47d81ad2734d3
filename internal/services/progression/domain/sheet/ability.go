package sheet

import apperrors "github.com/sagaforge/progression/internal/platform/errors"

// Ability identifies one of the six core abilities.
type Ability string

const (
	AbilityStr Ability = "str"
	AbilityDex Ability = "dex"
	AbilityCon Ability = "con"
	AbilityInt Ability = "int"
	AbilityWis Ability = "wis"
	AbilityCha Ability = "cha"
)

// AbilityOrder lists abilities in canonical sheet order.
var AbilityOrder = []Ability{AbilityStr, AbilityDex, AbilityCon, AbilityInt, AbilityWis, AbilityCha}

// ErrUnknownAbility indicates an ability key outside the six core abilities.
var ErrUnknownAbility = apperrors.New(apperrors.CodeSheetUnknownAbility, "unknown ability")

// ParseAbility normalizes an ability key.
func ParseAbility(value string) (Ability, error) {
	switch Ability(value) {
	case AbilityStr, AbilityDex, AbilityCon, AbilityInt, AbilityWis, AbilityCha:
		return Ability(value), nil
	}
	return "", ErrUnknownAbility
}

// AbilityScore tracks the components of one ability.
// Total and Mod are derived and only written by recomputation.
type AbilityScore struct {
	Base       int
	SpeciesMod int
	Increases  int
	Total      int
	Mod        int
}

// Modifier returns the ability modifier for a total score, rounding down.
func Modifier(total int) int {
	d := total - 10
	if d < 0 {
		return (d - 1) / 2
	}
	return d / 2
}
