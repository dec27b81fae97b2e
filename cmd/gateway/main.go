package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"xrayscope/internal/gateway/app"
)

const shutdownTimeout = 5 * time.Second

type service interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func main() {
	a, err := app.New()
	if err != nil {
		// the zap logger is built inside app.New
		log.Fatalf("Failed to initialize app: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := run(a, quit, zap.L()); err != nil {
		zap.L().Fatal("server forced to shutdown", zap.Error(err))
	}
}

// run serves until a signal arrives or the server stops on its own, then
// shuts down within shutdownTimeout.
func run(s service, quit <-chan os.Signal, lg *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Start()
	}()

	select {
	case sig := <-quit:
		lg.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return err
	}
	lg.Info("server exiting")
	return nil
}
