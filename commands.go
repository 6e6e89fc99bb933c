package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bgg-roller/internal/api"
	"bgg-roller/internal/bgg"
	"bgg-roller/internal/models"
	"bgg-roller/internal/selector"
	"bgg-roller/internal/service"
)

const maxOddsRows = 10

var (
	infoColor    = color.New(color.FgCyan)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	titleColor   = color.New(color.FgHiWhite, color.Bold)
)

// progressNotifier prints relay progress to stderr so stdout stays clean.
func progressNotifier(zerolog.Logger) service.Notifier {
	return service.NotifierFunc(func(message, kind string) {
		c := infoColor
		if kind == "warning" {
			c = warningColor
		}
		c.Fprintln(os.Stderr, message)
	})
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			var events *api.EventHub
			a, err := newApp(func(log zerolog.Logger) service.Notifier {
				events = api.NewEventHub(log)
				return events
			})
			if err != nil {
				return err
			}
			defer a.Close()

			sel := selector.New(nil)
			handlers := api.NewHandlers(a.router, a.client, sel, a.metrics, a.cfg, a.log)
			server := api.NewServer(a.cfg, handlers, a.metrics.Handler(), events)

			// Start background probing
			go func() {
				ticker := time.NewTicker(a.cfg.HealthCheckInterval)
				defer ticker.Stop()
				for {
					a.router.Probe(cmd.Context(), a.cfg.ProbeTarget)
					select {
					case <-cmd.Context().Done():
						return
					case <-ticker.C:
					}
				}
			}()

			a.log.Info().
				Str("addr", a.cfg.ServerPort).
				Int("relays", len(a.cfg.Relays)).
				Str("store", a.cfg.HealthStore).
				Msg("starting server")
			if err := server.Start(cmd.Context()); err != nil {
				a.log.Error().Err(err).Msg("server stopped")
				return err
			}
			return nil
		},
	}
}

func newRollCmd() *cobra.Command {
	var (
		method  string
		rating  bool
		filter  models.FilterRequest
		odds    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "roll USERNAME",
		Short: "Roll a game from a user's collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := selector.ParseMethod(method)
			if err != nil {
				return err
			}

			a, err := newApp(progressNotifier)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if a.router.Revive(ctx, a.cfg.ProbeTarget) {
				a.log.Debug().Str("best", a.router.BestRelay()).Msg("relays re-checked before roll")
			}

			games, err := a.client.FetchGames(ctx, args[0], m != selector.MethodRandom)
			if err != nil {
				return describeError(err)
			}

			pool := bgg.FilterFromRequest(&filter).Apply(games)
			rc := selector.RatingConfig{Enabled: rating}
			sel := selector.New(nil)

			picked := sel.Select(pool, m, rc)
			if picked == nil {
				return errors.Errorf("none of %d games match the filters", len(games))
			}

			printGame(*picked, len(pool), m)
			if odds {
				printOdds(sel.Odds(pool, m, rc))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "random", "Weighting method: random|recency|unplayed")
	cmd.Flags().BoolVar(&rating, "rating", false, "Favor games with a high personal rating")
	cmd.Flags().IntVar(&filter.Players, "players", 0, "Only games that support this many players")
	cmd.Flags().IntVar(&filter.MaxPlayTime, "max-time", 0, "Only games that play within this many minutes")
	cmd.Flags().BoolVar(&filter.OnlyOwned, "owned", false, "Only games currently owned")
	cmd.Flags().BoolVar(&filter.ExcludeExpansions, "no-expansions", false, "Skip expansions")
	cmd.Flags().BoolVar(&filter.OnlyUnplayed, "unplayed-only", false, "Only games with no logged plays")
	cmd.Flags().Float64Var(&filter.MinRating, "min-rating", 0, "Only games rated at least this high")
	cmd.Flags().BoolVar(&odds, "odds", false, "Print the most likely picks")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

func newRelaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relays",
		Short: "Show relay health in the order requests would try them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			printStatuses(a.router.Statuses())
			return nil
		},
	}
}

func newProbeCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check every relay now and record the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if target == "" {
				target = a.cfg.ProbeTarget
			}
			for _, row := range api.ProbeResults(a.router.Probe(cmd.Context(), target)) {
				if row.Healthy {
					successColor.Printf("  %-16s ok\n", row.Name)
				} else {
					errorColor.Printf("  %-16s %s\n", row.Name, row.Error)
				}
			}
			fmt.Println()
			printStatuses(a.router.Statuses())
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "URL to fetch through each relay (defaults to PROBE_TARGET)")
	return cmd
}

func printGame(g models.Game, poolSize int, m selector.Method) {
	titleColor.Printf("%s", g.Name)
	if g.Year > 0 {
		fmt.Printf(" (%d)", g.Year)
	}
	fmt.Println()

	var details []string
	if g.MinPlayers > 0 && g.MaxPlayers > 0 {
		details = append(details, fmt.Sprintf("%d-%d players", g.MinPlayers, g.MaxPlayers))
	}
	if g.PlayingTime > 0 {
		details = append(details, fmt.Sprintf("%d min", g.PlayingTime))
	}
	details = append(details, fmt.Sprintf("%d plays", g.NumPlays))
	if g.LastPlayed != nil {
		details = append(details, "last played "+g.LastPlayed.Format("2006-01-02"))
	}
	if g.PersonalRating != nil {
		details = append(details, fmt.Sprintf("rated %.1f", *g.PersonalRating))
	}
	fmt.Println("  " + strings.Join(details, ", "))
	infoColor.Printf("  picked from %d games by %s\n", poolSize, m)
	fmt.Printf("  https://boardgamegeek.com/boardgame/%d\n", g.ID)
}

func printOdds(odds []models.GameOdds) {
	sorted := append([]models.GameOdds(nil), odds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Probability > sorted[j].Probability })
	if len(sorted) > maxOddsRows {
		sorted = sorted[:maxOddsRows]
	}

	fmt.Println()
	titleColor.Println("Most likely picks")
	for _, o := range sorted {
		fmt.Printf("  %6.2f%%  %s\n", o.Probability*100, o.Name)
	}
}

func printStatuses(statuses []models.RelayStatus) {
	titleColor.Printf("%-16s %-6s %8s %8s %6s  %s\n", "RELAY", "SHAPE", "OK", "FAILED", "RATE", "STATE")
	for _, s := range statuses {
		rate := "-"
		if s.SuccessRate != nil {
			rate = fmt.Sprintf("%.0f%%", *s.SuccessRate*100)
		}
		name := s.Name
		if s.Custom {
			name += "*"
		}
		fmt.Printf("%-16s %-6s %8d %8d %6s  ", name, s.Shape, s.SuccessCount, s.FailureCount, rate)

		switch {
		case s.Skipped:
			errorColor.Println("skipped: " + s.SkipReason)
		case s.SuccessRate == nil:
			warningColor.Println("untested")
		default:
			successColor.Println("available")
		}
	}
}

// describeError adds a hint for the failures a user can act on.
func describeError(err error) error {
	var exhausted *service.ExhaustedError
	switch {
	case errors.Is(err, service.ErrAllEndpointsUnhealthy):
		return fmt.Errorf("%w (run `bgg-roller probe` to re-check them)", err)
	case errors.As(err, &exhausted) && exhausted.Durable():
		return fmt.Errorf("%w (BoardGameGeek is rate limiting, wait a few minutes)", err)
	}
	return err
}
