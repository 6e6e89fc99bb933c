package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd wires the CLI. Configuration comes from the environment (and a
// .env file when present); --debug only raises log verbosity.
var rootCmd = &cobra.Command{
	Use:           "bgg-roller",
	Short:         "Pick a board game from a BoardGameGeek collection",
	Long:          "Fetch a BoardGameGeek collection through public CORS relays and roll a game to play, weighted by how recently it was played.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagDebug bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRollCmd())
	rootCmd.AddCommand(newRelaysCmd())
	rootCmd.AddCommand(newProbeCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
