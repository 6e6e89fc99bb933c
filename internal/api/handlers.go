package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"bgg-roller/internal/bgg"
	"bgg-roller/internal/config"
	"bgg-roller/internal/metrics"
	"bgg-roller/internal/models"
	"bgg-roller/internal/selector"
	"bgg-roller/internal/service"
)

// RelayRouter is the part of *service.ProxyRouter the handlers use.
type RelayRouter interface {
	BestRelay() string
	Statuses() []models.RelayStatus
	Probe(ctx context.Context, target string) map[string]error
	SetCustomEndpoint(template string, encode bool) error
	ClearCustomEndpoint()
}

// GameSource is satisfied by *bgg.Client.
type GameSource interface {
	FetchGames(ctx context.Context, username string, withPlays bool) ([]models.Game, error)
}

type Handlers struct {
	relays      RelayRouter
	games       GameSource
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	probeTarget string
	relayAdmin  bool

	// selector draws are not safe for concurrent use
	selMu    sync.Mutex
	selector *selector.Selector
}

func NewHandlers(relays RelayRouter, games GameSource, sel *selector.Selector, m *metrics.Metrics, cfg *config.Config, log zerolog.Logger) *Handlers {
	return &Handlers{
		relays:      relays,
		games:       games,
		selector:    sel,
		metrics:     m,
		probeTarget: cfg.ProbeTarget,
		relayAdmin:  cfg.AllowRelayAdmin,
		logger:      log.With().Str("component", "api").Logger(),
	}
}

func (h *Handlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.PingResponse{
		Status:    "ok",
		BestRelay: h.relays.BestRelay(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (h *Handlers) HandleCollection(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	withPlays, _ := strconv.ParseBool(r.URL.Query().Get("plays"))

	games, err := h.games.FetchGames(r.Context(), username, withPlays)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (h *Handlers) HandleRoll(w http.ResponseWriter, r *http.Request) {
	var req models.RollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Msg("invalid roll request body")
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	method, err := selector.ParseMethod(req.Method)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	games := req.Games
	if len(games) == 0 {
		if req.Username == "" {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "username or games is required"})
			return
		}
		games, err = h.games.FetchGames(r.Context(), req.Username, req.WithPlays || method != selector.MethodRandom)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}

	pool := bgg.FilterFromRequest(req.Filter).Apply(games)
	rc := selector.RatingConfig{Enabled: req.RatingEnabled}

	h.selMu.Lock()
	picked := h.selector.Select(pool, method, rc)
	var odds []models.GameOdds
	if picked != nil && req.Explain {
		odds = h.selector.Odds(pool, method, rc)
	}
	h.selMu.Unlock()

	if picked == nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "no games match the filters"})
		return
	}

	h.metrics.ObserveRoll(string(method))
	h.logger.Info().
		Str("method", string(method)).
		Int("pool", len(pool)).
		Int("game_id", picked.ID).
		Msg("game rolled")

	writeJSON(w, http.StatusOK, models.RollResponse{
		Game:     *picked,
		PoolSize: len(pool),
		Method:   string(method),
		Odds:     odds,
	})
}

func (h *Handlers) HandleRelays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relays.Statuses())
}

// HandleProbe checks every relay against the configured target. A caller
// supplied ?target= is only honored when relay administration is enabled.
func (h *Handlers) HandleProbe(w http.ResponseWriter, r *http.Request) {
	target := h.probeTarget
	if custom := r.URL.Query().Get("target"); custom != "" {
		if !h.relayAdmin {
			h.logger.Debug().Str("target", custom).Msg("ignoring caller target, relay admin disabled")
		} else if err := service.ValidatePublicURL(custom); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
			return
		} else {
			target = custom
		}
	}
	writeJSON(w, http.StatusOK, ProbeResults(h.relays.Probe(r.Context(), target)))
}

func (h *Handlers) HandleSetCustomRelay(w http.ResponseWriter, r *http.Request) {
	if !h.requireRelayAdmin(w) {
		return
	}
	var req models.CustomRelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if err := service.ValidatePublicURL(req.URL); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.relays.SetCustomEndpoint(req.URL, req.Encode); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.relays.Statuses())
}

func (h *Handlers) HandleClearCustomRelay(w http.ResponseWriter, r *http.Request) {
	if !h.requireRelayAdmin(w) {
		return
	}
	h.relays.ClearCustomEndpoint()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) requireRelayAdmin(w http.ResponseWriter) bool {
	if h.relayAdmin {
		return true
	}
	writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "relay administration is disabled, set ALLOW_RELAY_ADMIN=true to enable it"})
	return false
}

// ProbeResults flattens a probe result map into rows sorted by relay name.
func ProbeResults(results map[string]error) []models.ProbeResult {
	rows := make([]models.ProbeResult, 0, len(results))
	for name, err := range results {
		row := models.ProbeResult{Name: name, Healthy: err == nil}
		if err != nil {
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		h.logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, resp)
}

func errorResponse(err error) (int, models.ErrorResponse) {
	var exhausted *service.ExhaustedError
	switch {
	case errors.Is(err, bgg.ErrUserNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: err.Error()}
	case errors.Is(err, bgg.ErrCollectionPending):
		return http.StatusAccepted, models.ErrorResponse{Error: err.Error(), Retryable: true}
	case errors.Is(err, service.ErrAllEndpointsUnhealthy):
		return http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error(), Retryable: true}
	case errors.As(err, &exhausted):
		if exhausted.Durable() {
			return http.StatusServiceUnavailable, models.ErrorResponse{
				Error:     "BoardGameGeek is rate limiting the proxies, wait a few minutes and try again",
				Retryable: true,
			}
		}
		return http.StatusBadGateway, models.ErrorResponse{Error: err.Error(), Retryable: true}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, models.ErrorResponse{Error: err.Error(), Retryable: true}
	default:
		return http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
