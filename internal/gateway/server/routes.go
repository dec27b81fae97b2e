package server

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"xrayscope/internal/gateway/handler"
	"xrayscope/internal/gateway/middleware"
)

type Handlers struct {
	Page     *handler.PageHandler
	API      *handler.APIHandler
	Progress *handler.ProgressHandler
	Health   healthcheck.Handler
}

func NewMux(h Handlers, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	// UI
	mux.HandleFunc("GET /{$}", h.Page.HandleIndex)
	mux.HandleFunc("POST /upload", h.Page.HandleUpload)
	mux.HandleFunc("POST /analyze", h.Page.HandleAnalyze)
	mux.HandleFunc("GET /ws/progress", h.Progress.HandleWS)

	// JSON API
	mux.HandleFunc("POST /api/classify", h.API.HandleClassify)
	mux.HandleFunc("GET /api/status", h.API.HandleStatus)
	mux.HandleFunc("GET /api/history", h.API.HandleHistory)
	mux.HandleFunc("POST /api/model/reload", h.API.HandleReload)

	// Ops
	if h.Health != nil {
		mux.HandleFunc("GET /live", h.Health.LiveEndpoint)
		mux.HandleFunc("GET /ready", h.Health.ReadyEndpoint)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.CORS(middleware.Logging(log)(mux))
}

// NewHealth registers a readiness check on the held classifier.
func NewHealth(ready func() error) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if ready != nil {
		health.AddReadinessCheck("classifier", ready)
	}
	return health
}
