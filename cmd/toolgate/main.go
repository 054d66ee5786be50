// Package main is the entry point for toolgate, the tool-gating proxy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolgating/toolgating/cmd/toolgate/app"
	"github.com/toolgating/toolgating/internal/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("error executing command: %v", err)
		os.Exit(1)
	}
}
