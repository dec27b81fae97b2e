package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"strings"

	genai "google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

var ErrInvalidScores = errors.New("hosted model returned invalid scores")

const geminiPrompt = `You are scoring a chest X-ray image against a fixed label set.
Return JSON only: {"scores": {"<label>": <probability>}} with one entry per label,
probabilities in [0, 1] summing to 1. Labels: %s`

// GeminiBackend asks a hosted multimodal model to score the image against the
// label set of config.json. It returns probabilities, not logits.
type GeminiBackend struct {
	cli   *genai.Client
	model string
}

func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	cfg := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if strings.TrimSpace(apiKey) != "" {
		cfg.APIKey = apiKey
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiModel
	}
	return &GeminiBackend{cli: cli, model: model}, nil
}

func (g *GeminiBackend) Forward(ctx context.Context, in *Input) (*Output, error) {
	var img bytes.Buffer
	if err := png.Encode(&img, in.Image); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	labels, _ := json.Marshal(in.Labels)
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{
			Role: "user",
			Parts: []*genai.Part{
				{Text: fmt.Sprintf(geminiPrompt, labels)},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: img.Bytes()}},
			},
		}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrInvalidScores
	}
	return parseScores([]byte(resp.Candidates[0].Content.Parts[0].Text), in.Labels)
}

// parseScores maps {"scores": {label: p}} onto label order and renormalizes.
// Labels the model omitted score zero.
func parseScores(raw []byte, labels []string) (*Output, error) {
	var body struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScores, err)
	}
	byLabel := make(map[string]float64, len(body.Scores))
	for k, v := range body.Scores {
		byLabel[strings.ToLower(strings.TrimSpace(k))] = v
	}
	values := make([]float32, len(labels))
	var sum float64
	for i, l := range labels {
		v := byLabel[strings.ToLower(l)]
		if v < 0 {
			v = 0
		}
		values[i] = float32(v)
		sum += v
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: no label received a positive score", ErrInvalidScores)
	}
	for i := range values {
		values[i] = float32(float64(values[i]) / sum)
	}
	return &Output{Values: values, Probabilities: true}, nil
}
