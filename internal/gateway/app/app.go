package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"xrayscope/internal/gateway/config"
	"xrayscope/internal/gateway/handler"
	"xrayscope/internal/gateway/repository/upload"
	"xrayscope/internal/gateway/server"
	"xrayscope/internal/gateway/service/analysis"
	"xrayscope/internal/gateway/service/progress"
	"xrayscope/internal/logger"
	"xrayscope/internal/provision"
)

type App struct {
	server *server.Server
	holder *provision.Holder
	stores *gatewayStores
	log    *zap.Logger
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, log)
}

func NewWithConfig(cfg *config.Config, log *zap.Logger) (*App, error) {
	// Dependencies
	broadcaster := progress.New(0)
	notifier := provision.Notifiers{broadcaster, provision.LogNotifier{Log: log.Named("progress")}}
	prov, err := NewProvisioner(cfg, notifier, log)
	if err != nil {
		return nil, err
	}
	holder := provision.NewHolder(prov.EnsureReady)
	stores, err := initStores(cfg, log)
	if err != nil {
		return nil, err
	}
	svc := analysis.New(analysis.Config{
		Holder:   holder,
		Uploads:  upload.NewStore(upload.DefaultMaxEntries, upload.DefaultTTL),
		History:  stores.history,
		Set:      prov.Set(),
		Progress: broadcaster,
		MaxBytes: cfg.UploadMaxBytes,
		Logger:   log.Named("analysis"),
	})

	// Routing & Server
	mux := server.NewMux(server.Handlers{
		Page:     handler.NewPageHandler(svc, broadcaster, cfg.UploadMaxBytes, log),
		API:      handler.NewAPIHandler(svc, cfg.UploadMaxBytes, log),
		Progress: handler.NewProgressHandler(broadcaster, log),
		Health:   server.NewHealth(holder.Ready),
	}, log.Named("http"))
	srv := server.New(cfg.Port, mux, log)

	return &App{
		server: srv,
		holder: holder,
		stores: stores,
		log:    log,
	}, nil
}

// Start provisions the classifier in the background and serves HTTP. A
// provisioning failure leaves the server up with the model marked
// unavailable.
func (a *App) Start() error {
	go func() {
		if err := a.holder.Init(context.Background()); err != nil {
			a.log.Error("model could not be loaded", zap.Error(err))
			return
		}
		a.log.Info("model ready")
	}()
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	err = errors.Join(err, a.holder.Close(), a.stores.close())
	_ = a.log.Sync()
	return err
}
