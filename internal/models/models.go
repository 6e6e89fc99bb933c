package models

import "time"

type ResponseShape string

const (
	ShapeRawText     ResponseShape = "raw"
	ShapeJSONWrapped ResponseShape = "json"
)

// Endpoint is a relay that the target URL is appended to.
type Endpoint struct {
	Name          string        `json:"name" yaml:"name"`
	URLTemplate   string        `json:"urlTemplate" yaml:"url"`
	EncodeTarget  bool          `json:"encodeTarget" yaml:"encode"`
	Shape         ResponseShape `json:"shape" yaml:"shape"`
	OmitUserAgent bool          `json:"omitUserAgent,omitempty" yaml:"omit_user_agent"`
	Custom        bool          `json:"custom,omitempty" yaml:"-"`
}

// EndpointHealth holds rolling counters for one relay. The success rate is
// always derived from the counters.
type EndpointHealth struct {
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
}

func (h EndpointHealth) Samples() int {
	return h.SuccessCount + h.FailureCount
}

func (h EndpointHealth) SuccessRate() float64 {
	total := h.Samples()
	if total == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(total)
}

// Game is a collection item. Only NumPlays, LastPlayed and PersonalRating
// influence selection weights.
type Game struct {
	ID             int        `json:"id"`
	Name           string     `json:"name"`
	Year           int        `json:"year,omitempty"`
	Thumbnail      string     `json:"thumbnail,omitempty"`
	Image          string     `json:"image,omitempty"`
	MinPlayers     int        `json:"minPlayers,omitempty"`
	MaxPlayers     int        `json:"maxPlayers,omitempty"`
	PlayingTime    int        `json:"playingTime,omitempty"`
	IsExpansion    bool       `json:"isExpansion,omitempty"`
	Owned          bool       `json:"owned"`
	NumPlays       int        `json:"numPlays"`
	LastPlayed     *time.Time `json:"lastPlayed,omitempty"`
	PersonalRating *float64   `json:"personalRating,omitempty"`
	BGGRating      float64    `json:"bggRating,omitempty"`
}

type RelayStatus struct {
	Name                string     `json:"name"`
	Custom              bool       `json:"custom,omitempty"`
	Shape               string     `json:"shape"`
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	SuccessRate         *float64   `json:"successRate,omitempty"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	Skipped             bool       `json:"skipped"`
	SkipReason          string     `json:"skipReason,omitempty"`
}

type PingResponse struct {
	Status    string `json:"status"`
	BestRelay string `json:"bestRelay"`
	Timestamp string `json:"timestamp"`
}

type FilterRequest struct {
	Players           int     `json:"players,omitempty"`
	MaxPlayTime       int     `json:"maxPlayTime,omitempty"`
	OnlyOwned         bool    `json:"onlyOwned,omitempty"`
	ExcludeExpansions bool    `json:"excludeExpansions,omitempty"`
	OnlyUnplayed      bool    `json:"onlyUnplayed,omitempty"`
	MinRating         float64 `json:"minRating,omitempty"`
}

type RollRequest struct {
	Username      string         `json:"username,omitempty"`
	Games         []Game         `json:"games,omitempty"`
	Method        string         `json:"method"`
	RatingEnabled bool           `json:"ratingEnabled"`
	WithPlays     bool           `json:"withPlays,omitempty"`
	Filter        *FilterRequest `json:"filter,omitempty"`
	Explain       bool           `json:"explain,omitempty"`
}

type GameOdds struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Probability float64 `json:"probability"`
}

type RollResponse struct {
	Game     Game       `json:"game"`
	PoolSize int        `json:"poolSize"`
	Method   string     `json:"method"`
	Odds     []GameOdds `json:"odds,omitempty"`
}

type CustomRelayRequest struct {
	URL    string `json:"url"`
	Encode bool   `json:"encode"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type ProbeResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// StatusEvent is pushed to websocket subscribers while relays are tried.
type StatusEvent struct {
	Type    string    `json:"type"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}
