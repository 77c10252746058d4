package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/conductor/internal/app"
	"github.com/yungbote/conductor/internal/pkg/envutil"
	"github.com/yungbote/conductor/internal/pkg/logger"
)

func main() {
	log, err := logger.New(envutil.String("APP_MODE", "dev"))
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	a, err := app.New(log)
	if err != nil {
		log.Fatal("boot failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatal("run failed", "error", err)
	}
}
