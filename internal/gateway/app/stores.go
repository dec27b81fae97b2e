package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"xrayscope/internal/gateway/config"
	"xrayscope/internal/gateway/repository/history"
)

type gatewayStores struct {
	history history.Store
	close   func() error
}

func initStores(cfg *config.Config, log *zap.Logger) (*gatewayStores, error) {
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		return initPostgresStores(dsn, log)
	}
	return initInMemoryStores(cfg, log)
}

func initPostgresStores(dsn string, log *zap.Logger) (*gatewayStores, error) {
	pg, err := history.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	log.Info("history store: postgres")
	return &gatewayStores{history: pg, close: pg.Close}, nil
}

func initInMemoryStores(cfg *config.Config, log *zap.Logger) (*gatewayStores, error) {
	mem, err := history.NewMemoryStore(cfg.HistoryMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}
	log.Info("history store: in-memory", zap.Int("max_entries", cfg.HistoryMaxEntries))
	return &gatewayStores{history: mem, close: func() error { return nil }}, nil
}
