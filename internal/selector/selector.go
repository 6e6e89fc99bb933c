// Package selector picks a game from a pool with weighted random sampling.
package selector

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"

	"bgg-roller/internal/models"
)

type Method string

const (
	MethodRandom   Method = "random"
	MethodRecency  Method = "recency"
	MethodUnplayed Method = "unplayed"
)

const (
	maxDays           = 365
	unknownDateDays   = 180
	recencyBase       = 1.05
	unplayedBase      = 1.03
	neverPlayedWeight = 10.0
	undatedPlayWeight = 2.0
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodRandom, MethodRecency, MethodUnplayed:
		return m, nil
	case "":
		return MethodRandom, nil
	default:
		return "", errors.Errorf("unknown weighting method %q", s)
	}
}

type RatingConfig struct {
	Enabled bool
}

// Selector draws from a uniform [0,1) source; inject one to make draws
// reproducible.
type Selector struct {
	rng func() float64
	now func() time.Time
}

func New(rng func() float64) *Selector {
	if rng == nil {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng = r.Float64
	}
	return &Selector{rng: rng, now: time.Now}
}

// WithClock sets the reference time used for days-since-played.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Select returns a pointer into items, or nil when items is empty.
func (s *Selector) Select(items []models.Game, method Method, rc RatingConfig) *models.Game {
	i := s.Pick(items, method, rc)
	if i < 0 {
		return nil
	}
	return &items[i]
}

// Pick returns the index of the chosen item, or -1 when items is empty.
func (s *Selector) Pick(items []models.Game, method Method, rc RatingConfig) int {
	if len(items) == 0 {
		return -1
	}
	if method == MethodRandom && !rc.Enabled {
		return s.uniform(len(items))
	}

	weights := s.Weights(items, method, rc)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return s.uniform(len(items))
	}

	r := s.rng() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	// float rounding can leave r a hair above zero
	return len(items) - 1
}

func (s *Selector) uniform(n int) int {
	i := int(math.Floor(s.rng() * float64(n)))
	if i >= n {
		i = n - 1
	}
	return i
}

func (s *Selector) Weights(items []models.Game, method Method, rc RatingConfig) []float64 {
	weights := make([]float64, len(items))
	for i := range items {
		weights[i] = s.Weight(items[i], method, rc)
	}
	return weights
}

// Weight is the relative selection weight of g.
func (s *Selector) Weight(g models.Game, method Method, rc RatingConfig) float64 {
	w := 1.0
	switch method {
	case MethodRecency:
		switch {
		case g.LastPlayed != nil:
			w = math.Pow(recencyBase, s.daysSince(*g.LastPlayed))
		case g.NumPlays == 0:
			w = math.Pow(recencyBase, maxDays)
		default:
			w = math.Pow(recencyBase, unknownDateDays)
		}
	case MethodUnplayed:
		switch {
		case g.NumPlays == 0:
			w = neverPlayedWeight
		case g.LastPlayed != nil:
			w = math.Pow(unplayedBase, s.daysSince(*g.LastPlayed))
		default:
			w = undatedPlayWeight
		}
	}

	if rc.Enabled && g.PersonalRating != nil {
		w *= RatingMultiplier(*g.PersonalRating)
	}
	return w
}

// Odds returns each item's weight and share of the total.
func (s *Selector) Odds(items []models.Game, method Method, rc RatingConfig) []models.GameOdds {
	weights := s.Weights(items, method, rc)
	total := 0.0
	for _, w := range weights {
		total += w
	}

	odds := make([]models.GameOdds, len(items))
	for i, g := range items {
		p := 0.0
		switch {
		case total > 0:
			p = weights[i] / total
		case len(items) > 0:
			p = 1 / float64(len(items))
		}
		odds[i] = models.GameOdds{ID: g.ID, Name: g.Name, Weight: weights[i], Probability: p}
	}
	return odds
}

// RatingMultiplier scales a weight by personal rating. Ratings that are not
// positive numbers leave the weight unchanged.
func RatingMultiplier(rating float64) float64 {
	switch {
	case math.IsNaN(rating) || rating <= 0:
		return 1
	case rating >= 9:
		return 3.0
	case rating >= 8:
		return 2.0
	case rating >= 7:
		return 1.5
	case rating >= 6:
		return 1.0
	case rating >= 5:
		return 0.7
	case rating >= 4:
		return 0.5
	default:
		return 0.3
	}
}

func (s *Selector) daysSince(t time.Time) float64 {
	days := math.Floor(s.now().Sub(t).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return math.Min(days, maxDays)
}
