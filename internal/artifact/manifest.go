package artifact

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk override for the built-in spec list.
//
//	artifacts:
//	  - name: config.json
//	    remote_id: 14M2rmv00uGCT7xbq7nHu7jkUaSsTQ5OG
//	    local_filename: config.json
//	    sha256: 9f2c...
type Manifest struct {
	Artifacts []Spec `yaml:"artifacts"`
}

// LoadManifest reads a YAML manifest. An empty path yields DefaultSpecs.
func LoadManifest(path string) ([]Spec, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSpecs(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := ValidateSpecs(m.Artifacts); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m.Artifacts, nil
}

// ValidateSpecs checks every spec and rejects duplicate names or targets.
func ValidateSpecs(specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("at least one artifact is required")
	}
	names := make(map[string]struct{}, len(specs))
	targets := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return err
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate artifact name %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if _, dup := targets[s.LocalFilename]; dup {
			return fmt.Errorf("duplicate local_filename %q", s.LocalFilename)
		}
		targets[s.LocalFilename] = struct{}{}
	}
	return nil
}
