// Package artifact describes the model files the classifier needs and decides
// whether a local directory holds an intact copy of each of them.
package artifact

import (
	"fmt"
	"path"
	"strings"
)

const (
	ConfigFile       = "config.json"
	WeightsFile      = "model.safetensors"
	PreprocessorFile = "preprocessor_config.json"
)

// Spec names one required model file and where it comes from.
type Spec struct {
	Name          string `yaml:"name" json:"name"`
	RemoteID      string `yaml:"remote_id" json:"remote_id"`
	LocalFilename string `yaml:"local_filename" json:"local_filename"`
	// Size and SHA256 are optional pins. Zero values mean "unpinned".
	Size   int64  `yaml:"size,omitempty" json:"size,omitempty"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("artifact name is required")
	}
	if strings.TrimSpace(s.RemoteID) == "" {
		return fmt.Errorf("artifact %s: remote_id is required", s.Name)
	}
	local := strings.TrimSpace(s.LocalFilename)
	if local == "" {
		return fmt.Errorf("artifact %s: local_filename is required", s.Name)
	}
	clean := path.Clean(strings.ReplaceAll(local, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("artifact %s: local_filename must stay inside the model directory", s.Name)
	}
	if s.Size < 0 {
		return fmt.Errorf("artifact %s: size must not be negative", s.Name)
	}
	if h := strings.TrimSpace(s.SHA256); h != "" && len(h) != 64 {
		return fmt.Errorf("artifact %s: sha256 must be 64 hex characters", s.Name)
	}
	return nil
}

// DefaultSpecs returns the three files of the chest X-ray model in the order
// they are provisioned.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:          ConfigFile,
			RemoteID:      "14M2rmv00uGCT7xbq7nHu7jkUaSsTQ5OG",
			LocalFilename: ConfigFile,
		},
		{
			Name:          WeightsFile,
			RemoteID:      "1v90JJcPsad13gtxMluqCRau5HBmonjUH",
			LocalFilename: WeightsFile,
		},
		{
			Name:          PreprocessorFile,
			RemoteID:      "1ycZG5YhATFS67-zODHZhLNY8WE7hphH9",
			LocalFilename: PreprocessorFile,
		},
	}
}
