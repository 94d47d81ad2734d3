// Package grants computes entitlement grants for proposed class levels.
//
// The calculator is pure: given the committed progression record and a
// proposed batch of class-level entries it returns the grants those specific
// levels produce. Entitlements attach to the level being taken, never
// retroactively to the whole build, so each entry drives its own per-level
// feature table lookup. Safe to call repeatedly during preview.
package grants

import (
	"fmt"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/content"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
)

// Ability-increase entitlements fire at every character level divisible by
// abilityIncreaseInterval, granting abilityIncreasePoints freely assignable
// points.
const (
	abilityIncreaseInterval = 4
	abilityIncreasePoints   = 2
)

// Summary is the result of computing grants for one proposed level batch.
type Summary struct {
	// TalentsGranted counts new talent slots from the proposed levels.
	TalentsGranted int
	// BonusFeatsGranted counts new feat slots: class bonus feats, the single
	// first-character-level feat, and a species bonus feat when applicable.
	BonusFeatsGranted int
	// ForcePointsGranted sums force points from the proposed levels.
	ForcePointsGranted int
	// AbilityIncreaseGranted is the number of freely assignable ability
	// points unlocked by the proposed levels.
	AbilityIncreaseGranted int
	// StartingFeats lists feats granted free by a first class level; they do
	// not consume feat budget.
	StartingFeats []string
	// Features lists named class features from the proposed levels.
	Features []string
}

// Compute returns the grants produced by taking the proposed class levels on
// top of the current character level.
//
// speciesBonusFeat applies only when the batch contains the first character
// level; it reflects the (possibly staged) species selection.
func Compute(currentLevel int, proposed []sheet.ClassLevelEntry, speciesBonusFeat bool, provider content.Provider) (Summary, error) {
	var out Summary
	for i, entry := range proposed {
		class, ok := provider.ClassData(entry.ClassID)
		if !ok {
			return Summary{}, apperrors.WithMetadata(apperrors.CodeContentUnknownClass,
				fmt.Sprintf("unknown class %q", entry.ClassID),
				map[string]string{"class_id": entry.ClassID})
		}

		features := class.LevelProgression[entry.LevelInClass]
		if features.Talent {
			out.TalentsGranted++
		}
		if features.BonusFeat {
			out.BonusFeatsGranted++
		}
		out.ForcePointsGranted += features.ForcePoints
		out.Features = append(out.Features, features.Features...)

		newLevel := currentLevel + i + 1
		if newLevel == 1 {
			// First character level always grants exactly one feat.
			out.BonusFeatsGranted++
			if speciesBonusFeat {
				out.BonusFeatsGranted++
			}
			out.StartingFeats = append(out.StartingFeats, class.StartingFeats...)
		}
		if newLevel > 0 && newLevel%abilityIncreaseInterval == 0 {
			out.AbilityIncreaseGranted += abilityIncreasePoints
		}
	}
	return out, nil
}
