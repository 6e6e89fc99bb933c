package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgg-roller/internal/bgg"
	"bgg-roller/internal/config"
	"bgg-roller/internal/metrics"
	"bgg-roller/internal/models"
	"bgg-roller/internal/selector"
	"bgg-roller/internal/service"
)

type fakeRelays struct {
	best      string
	statuses  []models.RelayStatus
	probed    string
	custom    string
	cleared   bool
	probeErrs map[string]error
}

func (f *fakeRelays) BestRelay() string              { return f.best }
func (f *fakeRelays) Statuses() []models.RelayStatus { return f.statuses }
func (f *fakeRelays) ClearCustomEndpoint()           { f.cleared = true }

func (f *fakeRelays) Probe(ctx context.Context, target string) map[string]error {
	f.probed = target
	return f.probeErrs
}

func (f *fakeRelays) SetCustomEndpoint(template string, encode bool) error {
	if template == "" {
		return errors.New("custom relay must start with http:// or https://")
	}
	f.custom = template
	return nil
}

type fakeGames struct {
	games     []models.Game
	err       error
	withPlays bool
	username  string
}

func (f *fakeGames) FetchGames(ctx context.Context, username string, withPlays bool) ([]models.Game, error) {
	f.username = username
	f.withPlays = withPlays
	return f.games, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedOrigins: []string{"*"},
		RateLimit:      100,
		RateBurst:      100,
		ProbeTarget:    "https://bgg.test/thing?id=13",
	}
}

func newTestServer(relays *fakeRelays, games *fakeGames, cfg *config.Config) http.Handler {
	sel := selector.New(func() float64 { return 0 })
	h := NewHandlers(relays, games, sel, metrics.New(), cfg, zerolog.Nop())
	return NewServer(cfg, h, nil, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlePing(t *testing.T) {
	h := newTestServer(&fakeRelays{best: "codetabs"}, &fakeGames{}, testConfig())

	rec := do(t, h, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "codetabs", resp.BestRelay)
}

func TestHandleCollection(t *testing.T) {
	games := &fakeGames{games: []models.Game{{ID: 13, Name: "CATAN"}}}
	h := newTestServer(&fakeRelays{}, games, testConfig())

	rec := do(t, h, http.MethodGet, "/api/collection/alice?plays=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", games.username)
	assert.True(t, games.withPlays)

	var got []models.Game
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "CATAN", got[0].Name)
}

func TestHandleCollection_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"unknown user", errors.Wrap(bgg.ErrUserNotFound, "alice"), http.StatusNotFound, false},
		{"collection queued", bgg.ErrCollectionPending, http.StatusAccepted, true},
		{"all unhealthy", service.ErrAllEndpointsUnhealthy, http.StatusServiceUnavailable, true},
		{"rate limited", &service.ExhaustedError{Passes: 3, Attempts: 9, Last: &service.AttemptError{Relay: "codetabs", StatusCode: 429, Status: "Too Many Requests"}}, http.StatusServiceUnavailable, true},
		{"exhausted", &service.ExhaustedError{Passes: 3, Attempts: 9, Last: &service.AttemptError{Relay: "codetabs", StatusCode: 500, Status: "Internal Server Error"}}, http.StatusBadGateway, true},
		{"other", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeRelays{}, &fakeGames{err: tt.err}, testConfig())

			rec := do(t, h, http.MethodGet, "/api/collection/alice", nil)
			assert.Equal(t, tt.status, rec.Code)

			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.retryable, resp.Retryable)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandleRoll_WithGames(t *testing.T) {
	h := newTestServer(&fakeRelays{}, &fakeGames{}, testConfig())

	rec := do(t, h, http.MethodPost, "/api/roll", models.RollRequest{
		Games:   []models.Game{{ID: 1, Name: "CATAN", NumPlays: 3}, {ID: 2, Name: "Azul"}},
		Method:  "unplayed",
		Explain: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.RollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Game.ID)
	assert.Equal(t, 2, resp.PoolSize)
	assert.Equal(t, "unplayed", resp.Method)
	require.Len(t, resp.Odds, 2)
	assert.InDelta(t, 2.0/12.0, resp.Odds[0].Probability, 1e-9)
}

func TestHandleRoll_FetchesCollection(t *testing.T) {
	games := &fakeGames{games: []models.Game{
		{ID: 1, Owned: false},
		{ID: 2, Owned: true},
	}}
	h := newTestServer(&fakeRelays{}, games, testConfig())

	rec := do(t, h, http.MethodPost, "/api/roll", models.RollRequest{
		Username: "alice",
		Method:   "recency",
		Filter:   &models.FilterRequest{OnlyOwned: true},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, games.withPlays)

	var resp models.RollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Game.ID)
	assert.Equal(t, 1, resp.PoolSize)
	assert.Empty(t, resp.Odds)
}

func TestHandleRoll_BadRequests(t *testing.T) {
	h := newTestServer(&fakeRelays{}, &fakeGames{}, testConfig())

	rec := do(t, h, http.MethodPost, "/api/roll", models.RollRequest{Username: "alice", Method: "popularity"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/roll", models.RollRequest{Method: "random"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/roll", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHandleRoll_EmptyPool(t *testing.T) {
	h := newTestServer(&fakeRelays{}, &fakeGames{}, testConfig())

	rec := do(t, h, http.MethodPost, "/api/roll", models.RollRequest{
		Games:  []models.Game{{ID: 1, Owned: false}},
		Filter: &models.FilterRequest{OnlyOwned: true},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelayEndpoints(t *testing.T) {
	relays := &fakeRelays{
		statuses:  []models.RelayStatus{{Name: "corsproxy", Shape: "raw"}},
		probeErrs: map[string]error{"thingproxy": errors.New("thingproxy: HTTP 500 Internal Server Error"), "corsproxy": nil},
	}
	cfg := testConfig()
	cfg.AllowRelayAdmin = true
	h := newTestServer(relays, &fakeGames{}, cfg)

	rec := do(t, h, http.MethodGet, "/api/relays", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []models.RelayStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.Equal(t, "corsproxy", statuses[0].Name)

	rec = do(t, h, http.MethodPost, "/api/relays/probe", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://bgg.test/thing?id=13", relays.probed)
	var results []models.ProbeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, models.ProbeResult{Name: "corsproxy", Healthy: true}, results[0])
	assert.False(t, results[1].Healthy)
	assert.Contains(t, results[1].Error, "HTTP 500")

	rec = do(t, h, http.MethodPut, "/api/relays/custom", models.CustomRelayRequest{URL: "https://my.proxy/?u=", Encode: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://my.proxy/?u=", relays.custom)

	rec = do(t, h, http.MethodPut, "/api/relays/custom", models.CustomRelayRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/relays/custom", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, relays.cleared)
}

func TestRelayAdminDisabled(t *testing.T) {
	relays := &fakeRelays{probeErrs: map[string]error{"corsproxy": nil}}
	h := newTestServer(relays, &fakeGames{}, testConfig())

	rec := do(t, h, http.MethodPut, "/api/relays/custom", models.CustomRelayRequest{URL: "https://my.proxy/?u="})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, relays.custom)

	rec = do(t, h, http.MethodDelete, "/api/relays/custom", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, relays.cleared)

	rec = do(t, h, http.MethodPost, "/api/relays/probe?target=http://169.254.169.254/latest/meta-data/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://bgg.test/thing?id=13", relays.probed)
}

func TestRelayAdmin_RejectsInternalHosts(t *testing.T) {
	cfg := testConfig()
	cfg.AllowRelayAdmin = true

	for _, u := range []string{
		"http://169.254.169.254/latest/meta-data/?u=",
		"http://127.0.0.1:9090/?u=",
		"http://10.0.0.5/?u=",
		"http://192.168.1.1/?u=",
		"http://[::1]/?u=",
		"http://localhost:8080/?u=",
		"ftp://my.proxy/?u=",
	} {
		t.Run(u, func(t *testing.T) {
			relays := &fakeRelays{}
			h := newTestServer(relays, &fakeGames{}, cfg)

			rec := do(t, h, http.MethodPut, "/api/relays/custom", models.CustomRelayRequest{URL: u})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, relays.custom)

			rec = do(t, h, http.MethodPost, "/api/relays/probe?target="+url.QueryEscape(u), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, relays.probed)
		})
	}

	relays := &fakeRelays{}
	h := newTestServer(relays, &fakeGames{}, cfg)
	rec := do(t, h, http.MethodPost, "/api/relays/probe?target="+url.QueryEscape("https://boardgamegeek.com/xmlapi2/thing?id=822"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://boardgamegeek.com/xmlapi2/thing?id=822", relays.probed)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	h := newTestServer(&fakeRelays{}, &fakeGames{}, cfg)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/relays", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/relays", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/relays", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// ping is outside the limited subrouter
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ping", nil).Code)
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, l.Allow("b"))
	_, ok := l.entries["a"]
	assert.False(t, ok)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
