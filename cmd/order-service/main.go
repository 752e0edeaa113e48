package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set via ldflags during build
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("order-service failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "order-service",
		Short: "Order saga orchestrator",
		Long: `order-service accepts orders over HTTP and drives each one through stock
reservation, payment and shipping, compensating the stock reservation when
the payment fails.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := newServeCommand()
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newMigrateCommand())

	// serve is the default
	rootCmd.RunE = serveCmd.RunE

	return rootCmd
}
