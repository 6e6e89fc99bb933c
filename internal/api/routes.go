package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"bgg-roller/internal/config"
	"bgg-roller/internal/models"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	router  *mux.Router
	config  *config.Config
	handler *Handlers
	limiter *clientLimiter
}

// NewServer registers the routes. metricsHandler and events are optional.
func NewServer(cfg *config.Config, handler *Handlers, metricsHandler http.Handler, events *EventHub) *Server {
	router := mux.NewRouter()
	limiter := newClientLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)

	// Register routes
	router.HandleFunc("/ping", handler.HandlePing).Methods("GET")
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(limiter.Middleware)
	apiRouter.HandleFunc("/collection/{username}", handler.HandleCollection).Methods("GET")
	apiRouter.HandleFunc("/roll", handler.HandleRoll).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/relays", handler.HandleRelays).Methods("GET")
	apiRouter.HandleFunc("/relays/probe", handler.HandleProbe).Methods("POST")
	apiRouter.HandleFunc("/relays/custom", handler.HandleSetCustomRelay).Methods("PUT", "OPTIONS")
	apiRouter.HandleFunc("/relays/custom", handler.HandleClearCustomRelay).Methods("DELETE")
	if events != nil {
		apiRouter.HandleFunc("/events", events.HandleEvents).Methods("GET")
	}

	return &Server{
		router:  router,
		config:  cfg,
		handler: handler,
		limiter: limiter,
	}
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		AllowCredentials: false,
	})
	return corsHandler.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		Addr:         s.config.ServerPort,
		WriteTimeout: s.config.WriteTimeout,
		ReadTimeout:  s.config.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps a token bucket per client IP. Buckets idle for longer
// than limiterIdleTTL are dropped on the next lookup.
type clientLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
	swept   time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterIdleTTL {
		for key, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, key)
			}
		}
		l.swept = now
	}

	e, ok := l.entries[client]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *clientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{
				Error:     "Too many requests",
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
