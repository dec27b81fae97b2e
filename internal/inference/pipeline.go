package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"xrayscope/internal/safeio"
)

const (
	TaskImageClassification = "image-classification"

	BackendHTTP   = "http"
	BackendExec   = "exec"
	BackendGemini = "gemini"

	DefaultTopK = 5

	configFilename       = "config.json"
	preprocessorFilename = "preprocessor_config.json"
	weightsFilename      = "model.safetensors"
)

var (
	ErrUnsupportedTask    = errors.New("unsupported task")
	ErrUnknownBackend     = errors.New("unknown inference backend")
	ErrOutputLength       = errors.New("backend output does not match label count")
	ErrNonFiniteOutput    = errors.New("backend output contains a non-finite value")
	ErrBackendUnavailable = errors.New("inference backend is not configured")
)

// Input is what a Backend receives for one image.
type Input struct {
	Tensor   *Tensor
	Image    image.Image
	Labels   []string
	Device   string
	ModelDir string
}

// Output carries one value per label in label-index order. Probabilities
// marks values that are already scores and must not go through the
// activation.
type Output struct {
	Values        []float32
	Probabilities bool
}

// Backend runs the forward pass. It is the black box of the pipeline.
type Backend interface {
	Forward(ctx context.Context, in *Input) (*Output, error)
}

// Options selects and configures the backend bound by BuildPipeline.
type Options struct {
	Backend      string
	Endpoint     string
	Command      string
	TopK         int
	Timeout      time.Duration
	GeminiAPIKey string
	GeminiModel  string
	Logger       *zap.Logger

	// Forward overrides the backend selection; used by tests and embedders.
	Forward Backend
}

// Pipeline is the classification capability built from a model directory.
type Pipeline struct {
	dir     string
	device  string
	config  *ModelConfig
	pre     *Preprocessor
	weights *WeightsInfo
	backend Backend
	topK    int
	timeout time.Duration
	log     *zap.Logger
}

// BuildPipeline loads the artifacts in dir and binds a backend. Any problem
// with the artifacts is reported here rather than at the first Classify.
func BuildPipeline(ctx context.Context, task, dir, device string, opts Options) (*Pipeline, error) {
	if task != TaskImageClassification {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTask, task)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(device) == "" {
		device = "cpu"
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model dir %s is not a directory", dir)
	}
	// reads stay inside dir even if a file is a symlink planted elsewhere
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		return nil, fmt.Errorf("model dir: %w", err)
	}

	rawCfg, err := fsys.ReadFile(configFilename)
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	cfg, err := ParseModelConfig(rawCfg)
	if err != nil {
		return nil, err
	}
	rawPre, err := fsys.ReadFile(preprocessorFilename)
	if err != nil {
		return nil, fmt.Errorf("load preprocessor config: %w", err)
	}
	pre, err := ParsePreprocessor(rawPre)
	if err != nil {
		return nil, err
	}
	weightsPath, err := fsys.Path(weightsFilename)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	weights, err := InspectWeights(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}

	backend := opts.Forward
	if backend == nil {
		backend, err = newBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > len(cfg.Labels) {
		topK = len(cfg.Labels)
	}

	log.Info("inference pipeline ready",
		zap.String("dir", dir),
		zap.String("device", device),
		zap.String("arch", cfg.Arch),
		zap.Int("labels", len(cfg.Labels)),
		zap.Int("tensors", weights.Tensors),
		zap.String("backend", backendName(opts)),
	)
	return &Pipeline{
		dir:     dir,
		device:  device,
		config:  cfg,
		pre:     pre,
		weights: weights,
		backend: backend,
		topK:    topK,
		timeout: opts.Timeout,
		log:     log,
	}, nil
}

func newBackend(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendHTTP:
		if strings.TrimSpace(opts.Endpoint) == "" {
			return nil, fmt.Errorf("%w: http backend needs an endpoint", ErrBackendUnavailable)
		}
		return NewHTTPBackend(opts.Endpoint, nil), nil
	case BackendExec:
		if strings.TrimSpace(opts.Command) == "" {
			return nil, fmt.Errorf("%w: exec backend needs a command", ErrBackendUnavailable)
		}
		return NewExecBackend(opts.Command), nil
	case BackendGemini:
		return NewGeminiBackend(ctx, opts.GeminiAPIKey, opts.GeminiModel)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

func backendName(opts Options) string {
	if opts.Forward != nil {
		return fmt.Sprintf("%T", opts.Forward)
	}
	if opts.Backend == "" {
		return BackendHTTP
	}
	return opts.Backend
}

// Labels returns the label set in index order.
func (p *Pipeline) Labels() []string {
	return append([]string(nil), p.config.Labels...)
}

func (p *Pipeline) Dir() string { return p.dir }

func (p *Pipeline) Device() string { return p.device }

// Classify runs preprocess, forward and postprocess for one image.
func (p *Pipeline) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	tensor, err := p.pre.Apply(img)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	out, err := p.backend.Forward(ctx, &Input{
		Tensor:   tensor,
		Image:    img,
		Labels:   p.config.Labels,
		Device:   p.device,
		ModelDir: p.dir,
	})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	return p.postprocess(out)
}

func (p *Pipeline) postprocess(out *Output) ([]Prediction, error) {
	if out == nil || len(out.Values) != len(p.config.Labels) {
		got := 0
		if out != nil {
			got = len(out.Values)
		}
		return nil, fmt.Errorf("%w: got %d, want %d", ErrOutputLength, got, len(p.config.Labels))
	}
	for _, v := range out.Values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, ErrNonFiniteOutput
		}
	}
	var scores []float64
	switch {
	case out.Probabilities:
		scores = clamp(out.Values)
	case p.config.multiLabel():
		scores = sigmoid(out.Values)
	default:
		scores = softmax(out.Values)
	}
	preds := make([]Prediction, len(scores))
	for i, s := range scores {
		preds[i] = Prediction{Label: p.config.Labels[i], Score: s}
	}
	rank(preds)
	return preds[:p.topK], nil
}

// Close releases the backend when it holds resources.
func (p *Pipeline) Close() error {
	if c, ok := p.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func softmax(logits []float32) []float64 {
	maxV := math.Inf(-1)
	for _, v := range logits {
		maxV = math.Max(maxV, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sigmoid(logits []float32) []float64 {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = 1 / (1 + math.Exp(-float64(v)))
	}
	return out
}

func clamp(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Min(1, math.Max(0, float64(v)))
	}
	return out
}
