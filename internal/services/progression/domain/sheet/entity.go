package sheet

import (
	"sort"
	"time"
)

// RecordKind distinguishes auxiliary grant records.
type RecordKind string

const (
	RecordKindFeat   RecordKind = "feat"
	RecordKindTalent RecordKind = "talent"
)

// Record is an auxiliary grant record attached to an entity, one per held
// feat or talent. Records are created and deleted only in commit batches.
type Record struct {
	Ref       string
	Kind      RecordKind
	SourceID  string
	CreatedAt time.Time
}

// ClassLevelEntry captures one taken class level and the choices bound to it.
type ClassLevelEntry struct {
	ClassID      string
	LevelInClass int
	Choices      map[string]string
}

// Progression is the persisted progression record: class history, trained
// skills, feat/talent sets, the ability-increase ledger, and entitlement
// budgets. It is mutated only via commit.
type Progression struct {
	SpeciesID        string
	BackgroundID     string
	AbilityMethod    string
	ClassLevels      []ClassLevelEntry
	TrainedSkills    map[string]bool
	Feats            map[string]bool
	Talents          map[string]bool
	StartingFeats    map[string]bool
	AbilityIncreases map[Ability]int
	FeatBudget       int
	TalentBudget     int
}

// HitPoints tracks committed hit point state.
type HitPoints struct {
	Max     int
	Current int
}

// Derived holds recomputed totals. Only the recompute step writes these.
type Derived struct {
	Fortitude int
	Reflex    int
	Will      int
}

// Entity is the subject being advanced.
type Entity struct {
	ID          string
	Name        string
	Abilities   map[Ability]AbilityScore
	HP          HitPoints
	Derived     Derived
	Records     []Record
	Progression Progression
}

// NewEntity returns an entity with empty progression and zeroed abilities.
func NewEntity(entityID, name string) *Entity {
	abilities := make(map[Ability]AbilityScore, len(AbilityOrder))
	for _, ab := range AbilityOrder {
		abilities[ab] = AbilityScore{Base: 10, Total: 10}
	}
	return &Entity{
		ID:        entityID,
		Name:      name,
		Abilities: abilities,
		Progression: Progression{
			TrainedSkills:    make(map[string]bool),
			Feats:            make(map[string]bool),
			Talents:          make(map[string]bool),
			StartingFeats:    make(map[string]bool),
			AbilityIncreases: make(map[Ability]int),
		},
	}
}

// CharacterLevel returns the total character level across all classes.
func (e *Entity) CharacterLevel() int {
	return len(e.Progression.ClassLevels)
}

// LevelsInClass returns how many levels the entity holds in one class.
func (e *Entity) LevelsInClass(classID string) int {
	count := 0
	for _, entry := range e.Progression.ClassLevels {
		if entry.ClassID == classID {
			count++
		}
	}
	return count
}

// Clone returns a deep copy of the entity. Sessions take one clone at start
// as the immutable snapshot used for preview simulation and rollback.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{
		ID:      e.ID,
		Name:    e.Name,
		HP:      e.HP,
		Derived: e.Derived,
	}
	out.Abilities = make(map[Ability]AbilityScore, len(e.Abilities))
	for ab, score := range e.Abilities {
		out.Abilities[ab] = score
	}
	out.Records = make([]Record, len(e.Records))
	copy(out.Records, e.Records)

	p := e.Progression
	out.Progression = Progression{
		SpeciesID:     p.SpeciesID,
		BackgroundID:  p.BackgroundID,
		AbilityMethod: p.AbilityMethod,
		FeatBudget:    p.FeatBudget,
		TalentBudget:  p.TalentBudget,
	}
	out.Progression.ClassLevels = make([]ClassLevelEntry, len(p.ClassLevels))
	for i, entry := range p.ClassLevels {
		cloned := ClassLevelEntry{ClassID: entry.ClassID, LevelInClass: entry.LevelInClass}
		if entry.Choices != nil {
			cloned.Choices = make(map[string]string, len(entry.Choices))
			for k, v := range entry.Choices {
				cloned.Choices[k] = v
			}
		}
		out.Progression.ClassLevels[i] = cloned
	}
	out.Progression.TrainedSkills = cloneStringSet(p.TrainedSkills)
	out.Progression.Feats = cloneStringSet(p.Feats)
	out.Progression.Talents = cloneStringSet(p.Talents)
	out.Progression.StartingFeats = cloneStringSet(p.StartingFeats)
	out.Progression.AbilityIncreases = make(map[Ability]int, len(p.AbilityIncreases))
	for ab, pts := range p.AbilityIncreases {
		out.Progression.AbilityIncreases[ab] = pts
	}
	return out
}

// SortedSet returns set members in sorted order for stable comparisons.
func SortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func cloneStringSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for member := range set {
		out[member] = true
	}
	return out
}
