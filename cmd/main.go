package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/ragmind-backend/internal/app"
)

const shutdownTimeout = 30 * time.Second

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to start: %v\n", err)
		os.Exit(1)
	}

	a.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			a.Log.Error("Server exited", "error", err)
		}
	case sig := <-stop:
		a.Log.Info("Shutting down...", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(ctx)
}
