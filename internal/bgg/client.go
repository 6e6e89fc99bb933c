// Package bgg fetches collections and plays from the BoardGameGeek XML API
// through the relay router.
package bgg

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"bgg-roller/internal/config"
	"bgg-roller/internal/models"
	"bgg-roller/internal/service"
)

const playsPerPage = 100

var (
	ErrUserNotFound      = errors.New("BGG user not found")
	ErrCollectionPending = errors.New("BGG is still preparing this collection, try again in a minute")
)

// Fetcher is satisfied by *service.ProxyRouter.
type Fetcher interface {
	Request(ctx context.Context, target string) (string, error)
}

// Scheduler is satisfied by *service.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, op service.Operation) (string, error)
}

type Client struct {
	baseURL      string
	fetcher      Fetcher
	scheduler    Scheduler
	logger       zerolog.Logger
	retries      int
	retryDelay   time.Duration
	maxPlayPages int
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg *config.Config, fetcher Fetcher, scheduler Scheduler, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.BGGAPIBase, "/"),
		fetcher:      fetcher,
		scheduler:    scheduler,
		logger:       log.With().Str("component", "bgg_client").Logger(),
		retries:      cfg.CollectionRetries,
		retryDelay:   cfg.CollectionRetryDelay,
		maxPlayPages: cfg.MaxPlayPages,
		sleep:        service.SleepContext,
	}
}

func (c *Client) get(ctx context.Context, target string) (string, error) {
	return c.scheduler.Schedule(ctx, func(ctx context.Context) (string, error) {
		return c.fetcher.Request(ctx, target)
	})
}

// CollectionURL lists the user's base games. BGG reports expansions with
// subtype "boardgame" unless they are requested on their own, so they are
// excluded here and fetched through ExpansionsURL.
func (c *Client) CollectionURL(username string) string {
	return fmt.Sprintf("%s/collection?username=%s&stats=1&excludesubtype=boardgameexpansion", c.baseURL, url.QueryEscape(username))
}

func (c *Client) ExpansionsURL(username string) string {
	return fmt.Sprintf("%s/collection?username=%s&stats=1&subtype=boardgameexpansion", c.baseURL, url.QueryEscape(username))
}

func (c *Client) PlaysURL(username string, page int) string {
	return fmt.Sprintf("%s/plays?username=%s&page=%d", c.baseURL, url.QueryEscape(username), page)
}

// FetchCollection returns the user's base games followed by their
// expansions. BGG answers a cold request with a <message> while it builds
// the export; those are retried.
func (c *Client) FetchCollection(ctx context.Context, username string) ([]models.Game, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}

	games, err := c.fetchItems(ctx, username, c.CollectionURL(username))
	if err != nil {
		return nil, err
	}
	expansions, err := c.fetchItems(ctx, username, c.ExpansionsURL(username))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch expansions")
	}
	for i := range expansions {
		expansions[i].IsExpansion = true
	}

	c.logger.Info().
		Str("username", username).
		Int("games", len(games)).
		Int("expansions", len(expansions)).
		Msg("collection fetched")
	return append(games, expansions...), nil
}

func (c *Client) fetchItems(ctx context.Context, username, target string) ([]models.Game, error) {
	for attempt := 0; ; attempt++ {
		doc, err := c.get(ctx, target)
		if err != nil {
			return nil, err
		}

		root, err := rootElement(doc)
		if err != nil {
			return nil, errors.Wrap(err, "unexpected collection response")
		}

		switch root {
		case "items":
			return parseCollection(doc)
		case "errors":
			msg := parseErrors(doc)
			if strings.Contains(strings.ToLower(msg), "invalid username") {
				return nil, errors.Wrap(ErrUserNotFound, username)
			}
			return nil, errors.Errorf("BGG error: %s", msg)
		case "message":
			if attempt >= c.retries {
				return nil, ErrCollectionPending
			}
			c.logger.Info().
				Str("username", username).
				Int("attempt", attempt+1).
				Str("message", parseMessage(doc)).
				Msg("collection queued by BGG, waiting")
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("unexpected collection response root <%s>", root)
		}
	}
}

// FetchPlays returns the latest play date per game id. The first page tells
// us how many pages exist; the rest are fetched concurrently and admitted by
// the scheduler.
func (c *Client) FetchPlays(ctx context.Context, username string) (map[int]time.Time, error) {
	first, err := c.fetchPlaysPage(ctx, username, 1)
	if err != nil {
		return nil, err
	}
	latest := first.latest

	pages := (first.total + playsPerPage - 1) / playsPerPage
	if pages > c.maxPlayPages {
		pages = c.maxPlayPages
	}
	if pages <= 1 {
		return latest, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for page := 2; page <= pages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			res, err := c.fetchPlaysPage(ctx, username, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "plays page %d", page)
				}
				return
			}
			mergeLatest(latest, res.latest)
		}(page)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return latest, nil
}

type playsPage struct {
	latest map[int]time.Time
	total  int
}

func (c *Client) fetchPlaysPage(ctx context.Context, username string, page int) (playsPage, error) {
	doc, err := c.get(ctx, c.PlaysURL(username, page))
	if err != nil {
		return playsPage{}, err
	}
	root, err := rootElement(doc)
	if err != nil {
		return playsPage{}, errors.Wrap(err, "unexpected plays response")
	}
	if root == "errors" || root == "div" {
		return playsPage{}, errors.Wrap(ErrUserNotFound, username)
	}
	latest, total, err := parsePlays(doc)
	if err != nil {
		return playsPage{}, err
	}
	return playsPage{latest: latest, total: total}, nil
}

// FetchGames returns the collection, with last played dates filled in from
// the play log when withPlays is set. A failed play log fetch leaves the
// dates empty rather than failing the whole call.
func (c *Client) FetchGames(ctx context.Context, username string, withPlays bool) ([]models.Game, error) {
	games, err := c.FetchCollection(ctx, username)
	if err != nil {
		return nil, err
	}
	if !withPlays {
		return games, nil
	}

	latest, err := c.FetchPlays(ctx, username)
	if err != nil {
		c.logger.Warn().Err(err).Str("username", username).Msg("failed to fetch plays, continuing without dates")
		return games, nil
	}
	ApplyPlayDates(games, latest)
	return games, nil
}

// ApplyPlayDates sets LastPlayed from latest for every game that has an entry.
func ApplyPlayDates(games []models.Game, latest map[int]time.Time) {
	for i := range games {
		if t, ok := latest[games[i].ID]; ok {
			d := t
			games[i].LastPlayed = &d
		}
	}
}

func mergeLatest(dst, src map[int]time.Time) {
	for id, t := range src {
		if prev, ok := dst[id]; !ok || t.After(prev) {
			dst[id] = t
		}
	}
}
