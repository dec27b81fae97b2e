// Package provision makes sure the model artifacts exist locally and builds
// the classification capability from them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"xrayscope/internal/apperr"
	"xrayscope/internal/artifact"
	"xrayscope/internal/fetch"
	"xrayscope/internal/inference"
	"xrayscope/internal/metrics"
)

const (
	MsgLoaded       = "Model files loaded successfully."
	MsgUnavailable  = "Model couldn't be loaded."
	msgDownloading  = "Downloading %s..."
	msgFailed       = "Failed to download: %s"
	msgLoadFailed   = "Error loading model: %v"
	msgStalePartRem = "Removed incomplete download %s"
)

var ErrTruncated = errors.New("download ended before the advertised size")

// Builder constructs the capability from a ready artifact directory.
type Builder func(ctx context.Context, dir string) (inference.Classifier, error)

type Config struct {
	Set       *artifact.Set
	Fetcher   fetch.Fetcher
	Publisher fetch.Publisher
	Builder   Builder
	Notifier  Notifier
	Logger    *zap.Logger
	// FetchTimeout bounds a single artifact download. Zero means no limit.
	FetchTimeout time.Duration
}

type Provisioner struct {
	set       *artifact.Set
	fetcher   fetch.Fetcher
	publisher fetch.Publisher
	builder   Builder
	notifier  Notifier
	log       *zap.Logger
	timeout   time.Duration
}

func New(cfg Config) (*Provisioner, error) {
	if cfg.Set == nil {
		return nil, errors.New("provision: artifact set is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("provision: fetcher is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Provisioner{
		set:       cfg.Set,
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		builder:   cfg.Builder,
		notifier:  notifier,
		log:       log,
		timeout:   cfg.FetchTimeout,
	}, nil
}

func (p *Provisioner) Set() *artifact.Set { return p.set }

// Report describes one provisioning pass.
type Report struct {
	Fetched   []string
	Skipped   []string
	Discarded []string
	Removed   []string
	Failed    map[string]error
	Missing   []string
}

// Sync fetches every absent or invalid artifact, in manifest order, then
// verifies the whole set. Any artifact still missing fails the pass.
func (p *Provisioner) Sync(ctx context.Context) (Report, error) {
	rep := Report{Failed: map[string]error{}}

	removed, err := p.set.CleanStaleParts()
	if err != nil {
		p.log.Warn("clean stale downloads", zap.Error(err))
	}
	rep.Removed = removed
	for _, name := range removed {
		p.log.Info(fmt.Sprintf(msgStalePartRem, name))
	}

	for _, spec := range p.set.Specs() {
		st := p.set.Check(spec)
		if st.Present {
			rep.Skipped = append(rep.Skipped, spec.Name)
			continue
		}
		if !st.Absent {
			p.log.Warn("artifact present but invalid, refetching",
				zap.String("artifact", spec.Name), zap.String("reason", st.Reason))
			if err := p.set.Discard(spec); err != nil {
				p.log.Warn("discard invalid artifact", zap.String("artifact", spec.Name), zap.Error(err))
			}
			rep.Discarded = append(rep.Discarded, spec.Name)
		}

		p.notifier.Notify(event(LevelInfo, spec.Name, fmt.Sprintf(msgDownloading, spec.Name)))
		if err := p.fetchOne(ctx, spec); err != nil {
			p.log.Warn("artifact fetch failed", zap.String("artifact", spec.Name), zap.Error(err))
			rep.Failed[spec.Name] = err
			continue
		}
		rep.Fetched = append(rep.Fetched, spec.Name)
	}

	missing := p.set.Missing()
	rep.Missing = lo.Map(missing, func(s artifact.Spec, _ int) string { return s.Name })
	if len(missing) == 0 {
		return rep, nil
	}
	for _, name := range rep.Missing {
		p.notifier.Notify(event(LevelError, name, fmt.Sprintf(msgFailed, name)))
	}
	causes := lo.PickByKeys(rep.Failed, rep.Missing)
	return rep, apperr.Provision("sync",
		&apperr.MissingArtifactsError{Names: rep.Missing, Causes: causes},
		rep.Missing...)
}

func (p *Provisioner) fetchOne(ctx context.Context, spec artifact.Spec) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	source := "unknown"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ArtifactFetches.WithLabelValues(spec.Name, source, outcome).Inc()
	}()

	d, err := p.fetcher.Fetch(ctx, spec)
	if err != nil {
		return err
	}
	defer d.Body.Close()
	source = d.Source

	err = p.set.Install(spec, d.Source, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, d.Body)
		metrics.ArtifactBytes.WithLabelValues(spec.Name).Add(float64(n))
		if err != nil {
			return n, err
		}
		if d.Size > 0 && n != d.Size {
			return n, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, d.Size)
		}
		return n, nil
	})
	if err != nil {
		return err
	}
	p.log.Info("artifact fetched",
		zap.String("artifact", spec.Name),
		zap.String("source", d.Source))
	p.publish(ctx, spec, d.Source)
	return nil
}

// publish writes a freshly fetched artifact back to the mirror. Failures are
// logged only; the local copy is already good.
func (p *Provisioner) publish(ctx context.Context, spec artifact.Spec, source string) {
	if p.publisher == nil {
		return
	}
	if named, ok := p.publisher.(interface{ Name() string }); ok && named.Name() == source {
		return
	}
	path, err := p.set.Path(spec)
	if err != nil {
		return
	}
	if err := p.publisher.Publish(ctx, spec, path); err != nil {
		p.log.Warn("mirror write-back failed", zap.String("artifact", spec.Name), zap.Error(err))
	}
}

// EnsureReady provisions the artifact set and builds the capability. Every
// failure, including a panic, is returned as a provision error and no
// capability is returned with it.
func (p *Provisioner) EnsureReady(ctx context.Context) (c inference.Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = apperr.Provision("ensure_ready", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			metrics.ProvisionRuns.WithLabelValues("failed").Inc()
			if !errors.As(err, new(*apperr.MissingArtifactsError)) {
				p.notifier.Notify(event(LevelError, "", fmt.Sprintf(msgLoadFailed, errors.Unwrap(err))))
			}
			p.notifier.Notify(event(LevelWarning, "", MsgUnavailable))
			return
		}
		metrics.ProvisionRuns.WithLabelValues("ok").Inc()
	}()

	if _, err := p.Sync(ctx); err != nil {
		return nil, err
	}
	p.notifier.Notify(event(LevelSuccess, "", MsgLoaded))

	if p.builder == nil {
		return nil, apperr.Provision("build", errors.New("no capability builder configured"))
	}
	c, err = p.builder(ctx, p.set.Dir())
	if err != nil {
		return nil, apperr.Provision("build", err)
	}
	if c == nil {
		return nil, apperr.Provision("build", errors.New("builder returned no capability"))
	}
	return c, nil
}
