package matching

import (
	"strings"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

const (
	weightCountry   = 3.0
	weightGender    = 2.0
	weightInterests = 4.0

	// NeutralScore is returned when no criterion applies.
	NeutralScore = 50.0
)

// Score rates how well two preference sets fit, from 0 to 100. It is pure
// and symmetric. A criterion only counts when both sides declared the
// fields it compares.
func Score(a, b models.Preferences) float64 {
	var achieved, applicable float64

	if a.Country != "" && b.Country != "" {
		applicable += weightCountry
		if strings.EqualFold(a.Country, b.Country) {
			achieved += weightCountry
		}
	}

	if ok, applies := genderFits(a.Gender, b.DesiredGender); applies {
		applicable += weightGender
		if ok {
			achieved += weightGender
		}
	}
	if ok, applies := genderFits(b.Gender, a.DesiredGender); applies {
		applicable += weightGender
		if ok {
			achieved += weightGender
		}
	}

	ia, ib := normalizeInterests(a.Interests), normalizeInterests(b.Interests)
	switch {
	case len(ia) == 0 && len(ib) == 0:
		applicable += weightInterests
		achieved += weightInterests / 2
	case len(ia) > 0 && len(ib) > 0:
		applicable += weightInterests
		achieved += weightInterests * overlap(ia, ib)
	}

	if applicable == 0 {
		return NeutralScore
	}
	return achieved / applicable * 100
}

// genderFits compares one side's gender with what the other side wants.
// "any" and "both" count as no preference.
func genderFits(gender, desired string) (ok, applies bool) {
	desired = strings.ToLower(strings.TrimSpace(desired))
	gender = strings.ToLower(strings.TrimSpace(gender))
	if gender == "" || desired == "" || desired == "any" || desired == "both" {
		return false, false
	}
	return gender == desired, true
}

func normalizeInterests(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// overlap is shared / max(len(a), len(b)).
func overlap(a, b map[string]struct{}) float64 {
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(a), len(b)))
}
