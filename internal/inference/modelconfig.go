package inference

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const problemTypeMultiLabel = "multi_label_classification"

// ModelConfig is the subset of config.json the pipeline needs.
type ModelConfig struct {
	Labels      []string
	ProblemType string
	Arch        string
}

type rawModelConfig struct {
	ID2Label      map[string]string `json:"id2label"`
	ProblemType   string            `json:"problem_type"`
	Architectures []string          `json:"architectures"`
}

// ParseModelConfig reads id2label into an index-ordered label list. Indices
// must be the contiguous range 0..n-1.
func ParseModelConfig(raw []byte) (*ModelConfig, error) {
	var rc rawModelConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if len(rc.ID2Label) == 0 {
		return nil, fmt.Errorf("config.json: id2label is empty")
	}
	ids := make([]int, 0, len(rc.ID2Label))
	byID := make(map[int]string, len(rc.ID2Label))
	for k, v := range rc.ID2Label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("config.json: id2label key %q is not an integer", k)
		}
		label := strings.TrimSpace(v)
		if label == "" {
			return nil, fmt.Errorf("config.json: id2label[%d] is empty", id)
		}
		ids = append(ids, id)
		byID[id] = label
	}
	sort.Ints(ids)
	labels := make([]string, len(ids))
	for i, id := range ids {
		if id != i {
			return nil, fmt.Errorf("config.json: id2label indices must be 0..%d, found %d", len(ids)-1, id)
		}
		labels[i] = byID[id]
	}
	cfg := &ModelConfig{Labels: labels, ProblemType: rc.ProblemType}
	if len(rc.Architectures) > 0 {
		cfg.Arch = rc.Architectures[0]
	}
	return cfg, nil
}

func (c *ModelConfig) multiLabel() bool {
	return c != nil && c.ProblemType == problemTypeMultiLabel
}
