// Package signals wires SIGINT/SIGTERM to graceful shutdown.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM and returns a context
// that is canceled when the first signal arrives. A second signal exits
// immediately for operators who do not want to wait out the drain.
func Setup() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		sig = <-sigCh
		log.Error().Str("signal", sig.String()).Msg("forced exit")
		os.Exit(1)
	}()

	return ctx
}
