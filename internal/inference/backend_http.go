package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPBackend posts the preprocessed tensor to a model server.
//
// Request:  {"model_dir": "...", "device": "cpu", "shape": [...], "pixel_values": [...]}
// Response: {"logits": [...]} or {"probabilities": [...]}
type HTTPBackend struct {
	endpoint string
	client   *http.Client
}

type forwardRequest struct {
	ModelDir string `json:"model_dir"`
	Device   string `json:"device"`
	*Tensor
}

type forwardResponse struct {
	Logits        []float32 `json:"logits"`
	Probabilities []float32 `json:"probabilities"`
	Error         string    `json:"error"`
}

func NewHTTPBackend(endpoint string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{endpoint: strings.TrimSpace(endpoint), client: client}
}

func (b *HTTPBackend) Forward(ctx context.Context, in *Input) (*Output, error) {
	body, err := json.Marshal(forwardRequest{ModelDir: in.ModelDir, Device: in.Device, Tensor: in.Tensor})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var fr forwardResponse
	if err := json.Unmarshal(raw, &fr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("model server: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("model server: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if fr.Error != "" {
			return nil, fmt.Errorf("model server: status %d: %s", resp.StatusCode, fr.Error)
		}
		return nil, fmt.Errorf("model server: status %d", resp.StatusCode)
	}
	return fr.output()
}

func (fr forwardResponse) output() (*Output, error) {
	switch {
	case len(fr.Logits) > 0:
		return &Output{Values: fr.Logits}, nil
	case len(fr.Probabilities) > 0:
		return &Output{Values: fr.Probabilities, Probabilities: true}, nil
	case fr.Error != "":
		return nil, fmt.Errorf("model runner: %s", fr.Error)
	default:
		return nil, fmt.Errorf("model runner returned neither logits nor probabilities")
	}
}
