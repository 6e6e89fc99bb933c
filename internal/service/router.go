package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"bgg-roller/internal/config"
	"bgg-roller/internal/metrics"
	"bgg-roller/internal/models"
	"bgg-roller/internal/store"
)

const (
	CustomRelayName = "custom"

	acceptHeader = "application/xml, text/xml, application/json, text/plain, */*"
	maxBodyBytes = 32 << 20
)

// Notifier receives progress messages such as "Connecting via codetabs...".
// Delivery is best effort; a panicking notifier never fails a request.
type Notifier interface {
	Notify(message, kind string)
}

type NotifierFunc func(message, kind string)

func (f NotifierFunc) Notify(message, kind string) { f(message, kind) }

// Sleeper waits between passes. It must return early with ctx.Err() when ctx
// is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Option func(*ProxyRouter)

func WithHTTPClient(c *http.Client) Option {
	return func(r *ProxyRouter) { r.httpClient = c }
}

func WithNotifier(n Notifier) Option {
	return func(r *ProxyRouter) { r.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *ProxyRouter) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *ProxyRouter) { r.now = now }
}

func WithSleeper(s Sleeper) Option {
	return func(r *ProxyRouter) { r.sleep = s }
}

// ProxyRouter sends GET requests through a ranked list of relays, failing
// over between them and tracking per-relay health.
type ProxyRouter struct {
	endpoints []models.Endpoint
	custom    *models.Endpoint

	store  store.HealthStore
	health map[string]models.EndpointHealth

	httpClient *http.Client
	logger     zerolog.Logger
	notifier   Notifier
	metrics    *metrics.Metrics

	requestTimeout time.Duration
	probeTimeout   time.Duration
	maxPasses      int
	baseBackoff    time.Duration
	userAgent      string

	now   func() time.Time
	sleep Sleeper

	mu     sync.RWMutex
	saveMu sync.Mutex
}

// NewProxyRouter builds a router for cfg.Relays and loads persisted health
// from hs. A configured CustomRelayURL becomes the custom relay.
func NewProxyRouter(cfg *config.Config, hs store.HealthStore, log zerolog.Logger, opts ...Option) (*ProxyRouter, error) {
	if len(cfg.Relays) == 0 {
		return nil, errors.New("no relays configured")
	}

	r := &ProxyRouter{
		endpoints:      append([]models.Endpoint(nil), cfg.Relays...),
		store:          hs,
		health:         make(map[string]models.EndpointHealth),
		httpClient:     &http.Client{},
		logger:         log.With().Str("component", "proxy_router").Logger(),
		requestTimeout: cfg.RequestTimeout,
		probeTimeout:   cfg.ProbeTimeout,
		maxPasses:      cfg.MaxPasses,
		baseBackoff:    cfg.BaseBackoff,
		userAgent:      cfg.UserAgent,
		now:            time.Now,
		sleep:          SleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxPasses < 1 {
		r.maxPasses = 1
	}

	if hs != nil {
		loaded, err := hs.LoadHealth()
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to load relay health, starting fresh")
		} else {
			r.health = loaded
			r.logger.Debug().Int("relays", len(loaded)).Msg("relay health loaded")
		}
	}

	if cfg.CustomRelayURL != "" {
		if err := r.SetCustomEndpoint(cfg.CustomRelayURL, cfg.CustomRelayEncode); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetCustomEndpoint installs a user supplied relay that is always tried first
// and never skipped.
func (r *ProxyRouter) SetCustomEndpoint(template string, encode bool) error {
	template = strings.TrimSpace(template)
	if !strings.HasPrefix(template, "http://") && !strings.HasPrefix(template, "https://") {
		return errors.Errorf("custom relay must start with http:// or https://, got %q", template)
	}

	r.mu.Lock()
	r.custom = &models.Endpoint{
		Name:         CustomRelayName,
		URLTemplate:  template,
		EncodeTarget: encode,
		Shape:        models.ShapeRawText,
		Custom:       true,
	}
	r.mu.Unlock()

	r.logger.Info().Str("url", template).Bool("encode", encode).Msg("custom relay set")
	return nil
}

// ValidatePublicURL rejects URLs that would make the server fetch from
// itself or its network: loopback, private, link-local and unspecified
// addresses, and localhost names. Hostnames are not resolved.
func ValidatePublicURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("URL must start with http:// or https://, got %q", raw)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return errors.Errorf("URL has no host: %q", raw)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.Errorf("host %s is not public", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
			ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return errors.Errorf("host %s is not public", host)
		}
	}
	return nil
}

func (r *ProxyRouter) ClearCustomEndpoint() {
	r.mu.Lock()
	r.custom = nil
	r.mu.Unlock()
}

// OrderedEndpoints returns every relay in the order a request would consider
// them, including ones the skip rules would exclude.
func (r *ProxyRouter) OrderedEndpoints() []models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked()
}

func (r *ProxyRouter) orderedLocked() []models.Endpoint {
	ordered := orderEndpoints(r.endpoints, r.health)
	if r.custom != nil {
		ordered = append([]models.Endpoint{*r.custom}, ordered...)
	}
	return ordered
}

// Candidates returns the relays a request would try right now.
func (r *ProxyRouter) Candidates() []models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	ordered := r.orderedLocked()
	candidates := ordered[:0]
	for _, ep := range ordered {
		h, known := r.health[ep.Name]
		if ep.Custom || skipReason(h, known, now) == "" {
			candidates = append(candidates, ep)
		}
	}
	return candidates
}

// BestRelay names the relay the next request would try first.
func (r *ProxyRouter) BestRelay() string {
	candidates := r.Candidates()
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].Name
}

// Health returns a copy of the health map.
func (r *ProxyRouter) Health() map[string]models.EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *ProxyRouter) snapshotLocked() map[string]models.EndpointHealth {
	snapshot := make(map[string]models.EndpointHealth, len(r.health))
	for k, v := range r.health {
		snapshot[k] = store.CloneHealth(v)
	}
	return snapshot
}

// Statuses reports every relay in ranked order with its health and whether
// it is currently skipped.
func (r *ProxyRouter) Statuses() []models.RelayStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	ordered := r.orderedLocked()
	statuses := make([]models.RelayStatus, 0, len(ordered))
	for _, ep := range ordered {
		h, known := r.health[ep.Name]
		status := models.RelayStatus{
			Name:                ep.Name,
			Custom:              ep.Custom,
			Shape:               string(ep.Shape),
			SuccessCount:        h.SuccessCount,
			FailureCount:        h.FailureCount,
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastCheck:           h.LastCheck,
			LastSuccess:         h.LastSuccess,
		}
		if known && h.Samples() > 0 {
			rate := h.SuccessRate()
			status.SuccessRate = &rate
		}
		if !ep.Custom {
			status.SkipReason = skipReason(h, known, now)
			status.Skipped = status.SkipReason != ""
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Request fetches target through the best available relay. Relays are tried
// one at a time; when a whole pass fails the router backs off (1s, 2s, ...)
// and starts a new pass with a freshly ranked list.
func (r *ProxyRouter) Request(ctx context.Context, target string) (string, error) {
	var (
		lastErr  error
		attempts int
		passes   int
	)

	for pass := 0; pass < r.maxPasses; pass++ {
		candidates := r.Candidates()
		if len(candidates) == 0 {
			if pass == 0 {
				r.metrics.ObserveRequest("unhealthy")
				return "", ErrAllEndpointsUnhealthy
			}
			break
		}
		passes++

		for _, ep := range candidates {
			attempts++
			r.notify(fmt.Sprintf("Connecting via %s...", ep.Name), "info")

			text, err := r.try(ctx, ep, target, r.requestTimeout)
			if ctx.Err() != nil {
				r.metrics.ObserveRequest("cancelled")
				return "", ctx.Err()
			}
			if err == nil {
				r.metrics.ObserveRequest("success")
				return text, nil
			}

			lastErr = err
			r.logger.Debug().Err(err).Str("relay", ep.Name).Int("pass", pass+1).Msg("relay attempt failed")
		}

		if pass < r.maxPasses-1 {
			delay := r.baseBackoff * time.Duration(1<<pass)
			r.logger.Info().
				Int("pass", pass+1).
				Dur("backoff", delay).
				Msg("all relays failed, retrying")
			r.notify(fmt.Sprintf("All proxies failed, retrying in %s...", delay), "warning")
			if err := r.sleep(ctx, delay); err != nil {
				r.metrics.ObserveRequest("cancelled")
				return "", err
			}
		}
	}

	r.metrics.ObserveRequest("exhausted")
	exhausted := &ExhaustedError{Passes: passes, Attempts: attempts, Last: lastErr}
	r.logger.Warn().Err(exhausted).Str("target", target).Msg("request failed on every relay")
	return "", exhausted
}

// Probe checks every relay with a short timeout, ignoring the skip rules so
// that relays skipped for staleness get a chance to recover. Results are
// recorded like regular attempts.
func (r *ProxyRouter) Probe(ctx context.Context, target string) map[string]error {
	endpoints := r.OrderedEndpoints()

	results := make(map[string]error, len(endpoints))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep models.Endpoint) {
			defer wg.Done()
			_, err := r.try(ctx, ep, target, r.probeTimeout)
			rmu.Lock()
			results[ep.Name] = err
			rmu.Unlock()
		}(ep)
	}
	wg.Wait()

	healthy := 0
	for _, err := range results {
		if err == nil {
			healthy++
		}
	}
	r.logger.Info().Int("healthy", healthy).Int("total", len(results)).Msg("relay probe finished")
	return results
}

// Revive re-checks every relay against target when all of them are skipped,
// which happens when health was last recorded more than an hour ago. It
// reports whether a check ran.
func (r *ProxyRouter) Revive(ctx context.Context, target string) bool {
	if r.BestRelay() != "" {
		return false
	}
	r.logger.Info().Msg("no relay available, re-checking all relays")
	r.Probe(ctx, target)
	return true
}

// try performs one attempt and records its outcome, unless the caller's own
// context ended first.
func (r *ProxyRouter) try(ctx context.Context, ep models.Endpoint, target string, timeout time.Duration) (string, error) {
	start := time.Now()
	text, err := r.attempt(ctx, ep, target, timeout)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	r.metrics.ObserveAttempt(ep.Name, err == nil, time.Since(start))
	r.recordResult(ep.Name, err == nil)
	return text, err
}

func (r *ProxyRouter) attempt(ctx context.Context, ep models.Endpoint, target string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildURL(ep, target), nil)
	if err != nil {
		return "", &AttemptError{Relay: ep.Name, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	if !ep.OmitUserAgent && r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", &AttemptError{Relay: ep.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &AttemptError{
			Relay:      ep.Name,
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &AttemptError{Relay: ep.Name, Err: errors.Wrap(err, "read body")}
	}

	text := extractBody(ep.Shape, body)
	if strings.TrimSpace(text) == "" {
		return "", &AttemptError{Relay: ep.Name, Err: errEmptyBody}
	}
	return text, nil
}

func (r *ProxyRouter) recordResult(name string, success bool) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	r.health[name] = recordResult(r.health[name], success, r.now())
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if err := r.store.SaveHealth(snapshot); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist relay health")
	}
}

func (r *ProxyRouter) notify(message, kind string) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Interface("panic", rec).Msg("status notifier panicked")
		}
	}()
	r.notifier.Notify(message, kind)
}

// BuildURL appends target to the relay template, query-escaping it when the
// relay expects an encoded URL.
func BuildURL(ep models.Endpoint, target string) string {
	if ep.EncodeTarget {
		return ep.URLTemplate + url.QueryEscape(target)
	}
	return ep.URLTemplate + target
}

// extractBody unwraps JSON envelope relays ({"contents": ...}). Bodies that
// are not valid JSON are returned as is.
func extractBody(shape models.ResponseShape, body []byte) string {
	if shape != models.ShapeJSONWrapped {
		return string(body)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return string(body)
	}
	for _, key := range []string{"contents", "data", "body"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		if text := string(raw); text != "null" {
			return text
		}
	}
	return ""
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
