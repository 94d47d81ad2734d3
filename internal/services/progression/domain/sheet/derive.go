package sheet

// Defense base value before level and ability contributions.
const defenseBase = 10

// DeriveTotals recomputes every derived field from committed base fields:
// ability totals and modifiers, then level- and ability-driven defenses.
// It is the downstream recomputation triggered exactly once per commit.
func DeriveTotals(e *Entity) {
	for ab, score := range e.Abilities {
		score.Total = score.Base + score.SpeciesMod + score.Increases
		score.Mod = Modifier(score.Total)
		e.Abilities[ab] = score
	}

	level := e.CharacterLevel()
	e.Derived.Fortitude = defenseBase + level + e.Abilities[AbilityCon].Mod
	e.Derived.Reflex = defenseBase + level + e.Abilities[AbilityDex].Mod
	e.Derived.Will = defenseBase + level + e.Abilities[AbilityWis].Mod

	if e.HP.Current > e.HP.Max {
		e.HP.Current = e.HP.Max
	}
}
