package matching

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

func TestScoreNothingDeclared(t *testing.T) {
	assert.Equal(t, 50.0, Score(models.Preferences{}, models.Preferences{}))
}

func TestScoreCountryAndInterests(t *testing.T) {
	a := models.Preferences{Country: "US", Interests: []string{"x", "y"}}
	b := models.Preferences{Country: "us", Interests: []string{"x", "z"}}
	// country 3/3 plus half the interests weight (2/4), out of 7.
	assert.InDelta(t, 5.0/7.0*100, Score(a, b), 1e-9)
	assert.Equal(t, Score(a, b), Score(b, a))
}

func TestScoreGender(t *testing.T) {
	a := models.Preferences{Gender: "male", DesiredGender: "female"}
	b := models.Preferences{Gender: "female", DesiredGender: "male"}
	// both gender criteria met, interests neutral: (2+2+2)/(2+2+4)
	assert.InDelta(t, 75.0, Score(a, b), 1e-9)

	c := models.Preferences{Gender: "male", DesiredGender: "male"}
	// a wants female, c is male: miss. c wants male, a is male: hit.
	assert.InDelta(t, 50.0, Score(a, c), 1e-9)

	anyone := models.Preferences{Gender: "female", DesiredGender: "any"}
	// anyone's wish is excluded; a wants female and gets one.
	assert.InDelta(t, (2.0+2.0)/(2.0+4.0)*100, Score(a, anyone), 1e-9)
}

func TestScoreOneSidedInterestsExcluded(t *testing.T) {
	a := models.Preferences{Country: "DE", Interests: []string{"chess"}}
	b := models.Preferences{Country: "DE"}
	assert.Equal(t, 100.0, Score(a, b))
}

func TestScoreAbsentFieldsNeverPenalize(t *testing.T) {
	a := models.Preferences{Country: "FR"}
	assert.Equal(t, 50.0, Score(a, models.Preferences{}))
}

func TestScoreInterestsNormalized(t *testing.T) {
	a := models.Preferences{Interests: []string{"Music", "music ", "art"}}
	b := models.Preferences{Interests: []string{"music", "ART"}}
	assert.Equal(t, 100.0, Score(a, b))
}

func TestScoreBounds(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	countries := []string{"", "US", "FR", "us"}
	genders := []string{"", "male", "female", "any"}
	interests := []string{"a", "b", "c", "d"}
	pick := func() models.Preferences {
		p := models.Preferences{
			Country:       countries[rnd.IntN(len(countries))],
			Gender:        genders[rnd.IntN(len(genders))],
			DesiredGender: genders[rnd.IntN(len(genders))],
		}
		for _, i := range interests {
			if rnd.IntN(2) == 0 {
				p.Interests = append(p.Interests, i)
			}
		}
		return p
	}
	for i := 0; i < 2000; i++ {
		a, b := pick(), pick()
		s := Score(a, b)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
	}
}
