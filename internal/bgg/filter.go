package bgg

import "bgg-roller/internal/models"

// Filter narrows a collection before a roll. Zero values disable a criterion;
// games with unknown player counts or play time pass those checks.
type Filter struct {
	Players           int
	MaxPlayTime       int
	OnlyOwned         bool
	ExcludeExpansions bool
	OnlyUnplayed      bool
	MinRating         float64
}

func FilterFromRequest(req *models.FilterRequest) Filter {
	if req == nil {
		return Filter{}
	}
	return Filter{
		Players:           req.Players,
		MaxPlayTime:       req.MaxPlayTime,
		OnlyOwned:         req.OnlyOwned,
		ExcludeExpansions: req.ExcludeExpansions,
		OnlyUnplayed:      req.OnlyUnplayed,
		MinRating:         req.MinRating,
	}
}

func (f Filter) Match(g models.Game) bool {
	if f.Players > 0 {
		if g.MinPlayers > 0 && f.Players < g.MinPlayers {
			return false
		}
		if g.MaxPlayers > 0 && f.Players > g.MaxPlayers {
			return false
		}
	}
	if f.MaxPlayTime > 0 && g.PlayingTime > f.MaxPlayTime {
		return false
	}
	if f.OnlyOwned && !g.Owned {
		return false
	}
	if f.ExcludeExpansions && g.IsExpansion {
		return false
	}
	if f.OnlyUnplayed && g.NumPlays > 0 {
		return false
	}
	if f.MinRating > 0 && (g.PersonalRating == nil || *g.PersonalRating < f.MinRating) {
		return false
	}
	return true
}

// Apply returns the matching games in their original order.
func (f Filter) Apply(games []models.Game) []models.Game {
	out := make([]models.Game, 0, len(games))
	for _, g := range games {
		if f.Match(g) {
			out = append(out, g)
		}
	}
	return out
}
