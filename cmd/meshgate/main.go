// Package main is the entry point for the meshgate gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshgate/meshgate/cmd/meshgate/app"
	"github.com/meshgate/meshgate/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
