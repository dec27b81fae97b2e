package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"xrayscope/internal/artifact"
	"xrayscope/internal/fetch"
	"xrayscope/internal/gateway/config"
	"xrayscope/internal/inference"
	"xrayscope/internal/provision"
)

// NewArtifactSet loads the manifest and opens the artifact directory.
func NewArtifactSet(cfg *config.Config) (*artifact.Set, error) {
	specs, err := artifact.LoadManifest(cfg.Artifact.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact manifest: %w", err)
	}
	set, err := artifact.NewSet(cfg.Artifact.Dir, specs, artifact.WithHashVerification(cfg.Artifact.VerifyHash))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact dir: %w", err)
	}
	return set, nil
}

// NewSources returns the fetch chain (mirror first when configured, then the
// drive) and the mirror as publisher when write-back is on.
func NewSources(cfg *config.Config, log *zap.Logger) (fetch.Fetcher, fetch.Publisher, error) {
	drive, err := fetch.NewDriveFetcher(fetch.DriveConfig{
		BaseURL: cfg.Artifact.SourceURL,
		Timeout: cfg.Artifact.FetchTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize drive fetcher: %w", err)
	}

	m := cfg.Artifact.Mirror
	if !m.Enabled() {
		return fetch.Chain{drive}, nil, nil
	}
	mirror, err := fetch.NewMirrorFetcher(fetch.MirrorConfig{
		Endpoint:  m.Endpoint,
		Region:    m.Region,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		UseSSL:    m.UseSSL,
	})
	if err != nil {
		// A broken mirror must not block the primary source.
		log.Warn("artifact mirror disabled", zap.Error(err))
		return fetch.Chain{drive}, nil, nil
	}
	chain := fetch.Chain{mirror, drive}
	log.Info("artifact sources", zap.String("chain", chain.String()), zap.Bool("writeback", m.WriteBack))
	if m.WriteBack {
		return chain, mirror, nil
	}
	return chain, nil, nil
}

// NewBuilder binds inference.BuildPipeline to the configured backend.
func NewBuilder(cfg *config.Config, log *zap.Logger) provision.Builder {
	ic := cfg.Inference
	return func(ctx context.Context, dir string) (inference.Classifier, error) {
		return inference.BuildPipeline(ctx, inference.TaskImageClassification, dir, ic.Device, inference.Options{
			Backend:      ic.Backend,
			Endpoint:     ic.Endpoint,
			Command:      ic.Command,
			TopK:         ic.TopK,
			Timeout:      ic.Timeout,
			GeminiAPIKey: ic.GeminiAPIKey,
			GeminiModel:  ic.GeminiModel,
			Logger:       log.Named("inference"),
		})
	}
}

// NewProvisioner wires the artifact set, sources and builder together.
func NewProvisioner(cfg *config.Config, notifier provision.Notifier, log *zap.Logger) (*provision.Provisioner, error) {
	set, err := NewArtifactSet(cfg)
	if err != nil {
		return nil, err
	}
	fetcher, publisher, err := NewSources(cfg, log)
	if err != nil {
		return nil, err
	}
	return provision.New(provision.Config{
		Set:          set,
		Fetcher:      fetcher,
		Publisher:    publisher,
		Builder:      NewBuilder(cfg, log),
		Notifier:     notifier,
		Logger:       log.Named("provision"),
		FetchTimeout: cfg.Artifact.FetchTimeout,
	})
}
