package content

import "github.com/sagaforge/progression/internal/services/progression/domain/sheet"

// Core set identifiers.
const (
	ClassSoldier   = "soldier"
	ClassScout     = "scout"
	ClassScoundrel = "scoundrel"
	ClassJedi      = "jedi"

	SpeciesHuman  = "human"
	SpeciesTwilek = "twilek"
	SpeciesZabrak = "zabrak"
	SpeciesBothan = "bothan"

	BackgroundOutlaw  = "outlaw"
	BackgroundVeteran = "veteran"
	BackgroundDrifter = "drifter"
)

const maxLevel = 20

// CoreProvider serves the built-in core rule set from in-memory tables.
type CoreProvider struct {
	classes     map[string]ClassData
	species     map[string]SpeciesData
	backgrounds map[string]BackgroundData
	skills      []string
}

// NewCoreProvider builds the core rule-set provider.
func NewCoreProvider() *CoreProvider {
	p := &CoreProvider{
		classes:     make(map[string]ClassData),
		species:     make(map[string]SpeciesData),
		backgrounds: make(map[string]BackgroundData),
		skills: []string{
			"acrobatics", "athletics", "deception", "endurance", "initiative",
			"mechanics", "perception", "persuasion", "pilot", "stealth",
			"survival", "use_computer", "use_the_force",
		},
	}

	p.classes[ClassSoldier] = ClassData{
		ID:                ClassSoldier,
		Name:              "Soldier",
		HitPointsPerLevel: 10,
		SkillPoints:       3,
		StartingFeats:     []string{"armor_proficiency_light", "weapon_proficiency_rifles", "weapon_proficiency_pistols"},
		LevelProgression:  heroicProgression(talentsOddFromThree, bonusFeatsEven, nil),
	}
	p.classes[ClassScout] = ClassData{
		ID:                ClassScout,
		Name:              "Scout",
		HitPointsPerLevel: 8,
		SkillPoints:       5,
		StartingFeats:     []string{"shake_it_off", "weapon_proficiency_pistols", "weapon_proficiency_rifles"},
		LevelProgression:  heroicProgression(talentsOddFromThree, bonusFeatsAt(3, 7), nil),
	}
	p.classes[ClassScoundrel] = ClassData{
		ID:                ClassScoundrel,
		Name:              "Scoundrel",
		HitPointsPerLevel: 6,
		SkillPoints:       4,
		StartingFeats:     []string{"point_blank_shot", "weapon_proficiency_pistols"},
		LevelProgression:  heroicProgression(talentsOddFromThree, bonusFeatsEven, nil),
	}
	p.classes[ClassJedi] = ClassData{
		ID:                ClassJedi,
		Name:              "Jedi",
		HitPointsPerLevel: 10,
		SkillPoints:       2,
		StartingFeats:     []string{"force_sensitivity", "weapon_proficiency_lightsabers"},
		ForceSensitive:    true,
		LevelProgression:  heroicProgression(talentsOddFromThree, nil, forcePointsEveryLevel),
	}

	p.species[SpeciesHuman] = SpeciesData{
		ID:         SpeciesHuman,
		Name:       "Human",
		BonusFeat:  true,
		BonusSkill: true,
	}
	p.species[SpeciesTwilek] = SpeciesData{
		ID:   SpeciesTwilek,
		Name: "Twi'lek",
		AbilityMods: map[sheet.Ability]int{
			sheet.AbilityCha: 2, sheet.AbilityWis: -2,
		},
	}
	p.species[SpeciesZabrak] = SpeciesData{
		ID:   SpeciesZabrak,
		Name: "Zabrak",
		AbilityMods: map[sheet.Ability]int{
			sheet.AbilityCon: 2, sheet.AbilityCha: -2,
		},
	}
	p.species[SpeciesBothan] = SpeciesData{
		ID:   SpeciesBothan,
		Name: "Bothan",
		AbilityMods: map[sheet.Ability]int{
			sheet.AbilityDex: 2, sheet.AbilityCon: -2,
		},
	}

	p.backgrounds[BackgroundOutlaw] = BackgroundData{ID: BackgroundOutlaw, Name: "Outlaw", SkillBonus: "deception"}
	p.backgrounds[BackgroundVeteran] = BackgroundData{ID: BackgroundVeteran, Name: "Veteran", SkillBonus: "endurance"}
	p.backgrounds[BackgroundDrifter] = BackgroundData{ID: BackgroundDrifter, Name: "Drifter", SkillBonus: "survival"}

	return p
}

// ClassData returns the class definition for id.
func (p *CoreProvider) ClassData(classID string) (ClassData, bool) {
	data, ok := p.classes[classID]
	return data, ok
}

// SpeciesData returns the species definition for id.
func (p *CoreProvider) SpeciesData(speciesID string) (SpeciesData, bool) {
	data, ok := p.species[speciesID]
	return data, ok
}

// BackgroundData returns the background definition for id.
func (p *CoreProvider) BackgroundData(backgroundID string) (BackgroundData, bool) {
	data, ok := p.backgrounds[backgroundID]
	return data, ok
}

// Skills returns the trainable skill list.
func (p *CoreProvider) Skills() []string {
	return append([]string(nil), p.skills...)
}

func talentsOddFromThree(level int) bool {
	return level >= 3 && level%2 == 1
}

func bonusFeatsEven(level int) bool {
	return level%2 == 0
}

func bonusFeatsAt(levels ...int) func(int) bool {
	set := make(map[int]bool, len(levels))
	for _, l := range levels {
		set[l] = true
	}
	return func(level int) bool { return set[level] }
}

func forcePointsEveryLevel(level int) int {
	return 1
}

func heroicProgression(talent func(int) bool, bonusFeat func(int) bool, forcePoints func(int) int) map[int]LevelFeatures {
	table := make(map[int]LevelFeatures, maxLevel)
	for level := 1; level <= maxLevel; level++ {
		features := LevelFeatures{}
		if talent != nil && talent(level) {
			features.Talent = true
		}
		if bonusFeat != nil && bonusFeat(level) {
			features.BonusFeat = true
		}
		if forcePoints != nil {
			features.ForcePoints = forcePoints(level)
		}
		table[level] = features
	}
	return table
}
