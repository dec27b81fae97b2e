// Package analysis joins uploads, the held classifier and the history store.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xrayscope/internal/apperr"
	"xrayscope/internal/artifact"
	"xrayscope/internal/gateway/repository/history"
	"xrayscope/internal/gateway/repository/upload"
	"xrayscope/internal/imaging"
	"xrayscope/internal/inference"
	"xrayscope/internal/metrics"
	"xrayscope/internal/provision"
)

// Holder is the part of provision.Holder the service uses.
type Holder interface {
	Classifier(ctx context.Context) (inference.Classifier, error)
	Init(ctx context.Context) error
	Reset() error
	State() provision.State
	Err() error
}

type Config struct {
	Holder  Holder
	Uploads *upload.Store
	History history.Store
	Set     *artifact.Set
	// Progress, when set, is cleared on reload so the page only shows the
	// notifications of the current provisioning attempt.
	Progress Clearer
	MaxBytes int64
	Logger   *zap.Logger
}

type Clearer interface {
	Clear()
}

type Service struct {
	holder   Holder
	uploads  *upload.Store
	history  history.Store
	set      *artifact.Set
	progress Clearer
	maxBytes int64
	log      *zap.Logger
}

func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	uploads := cfg.Uploads
	if uploads == nil {
		uploads = upload.NewStore(0, 0)
	}
	return &Service{
		holder:   cfg.Holder,
		uploads:  uploads,
		history:  cfg.History,
		set:      cfg.Set,
		progress: cfg.Progress,
		maxBytes: cfg.MaxBytes,
		log:      log,
	}
}

// Result is what the page and the API render for one analysis.
type Result struct {
	RecordID    string                 `json:"id"`
	UploadID    string                 `json:"upload_id,omitempty"`
	Filename    string                 `json:"filename"`
	Label       string                 `json:"label"`
	Score       float64                `json:"score"`
	Confidence  string                 `json:"confidence"`
	Predictions []inference.Prediction `json:"predictions"`
}

// Upload decodes r and keeps it for a later Analyze. A bad image is a
// classification failure of this one action.
func (s *Service) Upload(ctx context.Context, r io.Reader, filename string) (*upload.Upload, error) {
	raw, err := io.ReadAll(io.LimitReader(r, s.limit()+1))
	if err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		return nil, apperr.Classify("upload", err)
	}
	d, err := imaging.Decode(bytes.NewReader(raw), filename, s.limit())
	if err != nil {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return nil, apperr.Classify("decode", err)
	}
	u := &upload.Upload{Filename: filename, Format: d.Format, Raw: raw, Image: d.Image}
	s.uploads.Put(u)
	metrics.Uploads.WithLabelValues("ok").Inc()
	return u, nil
}

func (s *Service) Lookup(uploadID string) (*upload.Upload, error) {
	return s.uploads.Get(uploadID)
}

// Analyze classifies a previously uploaded image.
func (s *Service) Analyze(ctx context.Context, uploadID string) (*Result, error) {
	u, err := s.uploads.Get(uploadID)
	if err != nil {
		return nil, apperr.Classify("analyze", err)
	}
	return s.classify(ctx, u)
}

// ClassifyImage decodes and classifies in one step, for the JSON API.
func (s *Service) ClassifyImage(ctx context.Context, r io.Reader, filename string) (*Result, error) {
	if _, err := s.classifier(ctx); err != nil {
		return nil, err
	}
	u, err := s.Upload(ctx, r, filename)
	if err != nil {
		s.record(ctx, history.Record{Filename: filename, Outcome: history.OutcomeError, Error: err.Error()})
		return nil, err
	}
	return s.classify(ctx, u)
}

func (s *Service) classifier(ctx context.Context) (inference.Classifier, error) {
	if s.holder == nil {
		return nil, apperr.Provision("classifier", inference.ErrNoClassifier)
	}
	return s.holder.Classifier(ctx)
}

func (s *Service) classify(ctx context.Context, u *upload.Upload) (*Result, error) {
	c, err := s.classifier(ctx)
	if err != nil {
		return nil, err
	}
	preds, err := inference.Classify(ctx, c, u.Image)
	if err != nil {
		s.log.Warn("classification failed", zap.String("upload", u.ID), zap.Error(err))
		s.record(ctx, history.Record{UploadID: u.ID, Filename: u.Filename, Outcome: history.OutcomeError, Error: err.Error()})
		return nil, err
	}
	top, _ := inference.Top(preds)
	res := &Result{
		UploadID:    u.ID,
		Filename:    u.Filename,
		Label:       top.Label,
		Score:       top.Score,
		Confidence:  inference.FormatConfidence(top.Score),
		Predictions: preds,
	}
	res.RecordID = s.record(ctx, history.Record{
		UploadID:   u.ID,
		Filename:   u.Filename,
		Outcome:    history.OutcomeOK,
		Label:      res.Label,
		Score:      res.Score,
		Confidence: res.Confidence,
	})
	return res, nil
}

// record stores rec and returns its id. History failures never fail the
// analysis itself.
func (s *Service) record(ctx context.Context, rec history.Record) string {
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	if s.history == nil {
		return rec.ID
	}
	if err := s.history.Add(ctx, rec); err != nil {
		s.log.Warn("history write failed", zap.Error(err))
	}
	return rec.ID
}

func (s *Service) History(ctx context.Context, limit int) ([]history.Record, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.Recent(ctx, limit)
}

// Status is the model availability shown by the page and /api/status.
type Status struct {
	State     provision.State  `json:"state"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Dir       string           `json:"dir,omitempty"`
	Artifacts []ArtifactStatus `json:"artifacts,omitempty"`
}

type ArtifactStatus struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Present bool   `json:"present"`
	Size    int64  `json:"size"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source,omitempty"`
}

func (s *Service) Status() Status {
	st := Status{State: provision.StateIdle}
	if s.holder != nil {
		st.State = s.holder.State()
		if err := s.holder.Err(); err != nil {
			st.Error = err.Error()
			if k, ok := apperr.KindOf(err); ok {
				st.ErrorKind = k.String()
			}
		}
	}
	if s.set == nil {
		return st
	}
	st.Dir = s.set.Dir()
	for _, as := range s.set.Statuses() {
		entry := ArtifactStatus{
			Name:    as.Spec.Name,
			File:    as.Spec.LocalFilename,
			Present: as.Present,
			Size:    as.Size,
		}
		if !as.Present {
			entry.Reason = as.Reason
		}
		if lock, ok := s.set.Lock(as.Spec.Name); ok {
			entry.Source = lock.Source
		}
		st.Artifacts = append(st.Artifacts, entry)
	}
	return st
}

// State is the holder's lifecycle state, idle when there is no holder.
func (s *Service) State() provision.State {
	if s.holder == nil {
		return provision.StateIdle
	}
	return s.holder.State()
}

// Reload drops the held capability and provisions again. Notifications of
// the previous attempt are discarded first.
func (s *Service) Reload(ctx context.Context) error {
	if s.holder == nil {
		return apperr.Provision("reload", inference.ErrNoClassifier)
	}
	if err := s.holder.Reset(); err != nil {
		s.log.Warn("closing previous classifier", zap.Error(err))
	}
	if s.progress != nil {
		s.progress.Clear()
	}
	return s.holder.Init(ctx)
}

func (s *Service) limit() int64 {
	if s.maxBytes <= 0 {
		return imaging.DefaultMaxBytes
	}
	return s.maxBytes
}

// IsUnavailable reports whether err means no classifier can be used.
func IsUnavailable(err error) bool {
	return apperr.IsProvision(err) || errors.Is(err, provision.ErrNotInitialized)
}
