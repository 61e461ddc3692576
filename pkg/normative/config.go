package normative

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neuroqc/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// ReferenceConfig is the YAML shape of a normative dataset file.
type ReferenceConfig struct {
	Dataset    string                                  `yaml:"dataset"`
	Groups     map[string]map[string]Entry             `yaml:"groups"`
	Thresholds map[string]map[string]models.Thresholds `yaml:"thresholds"`
}

// LoadStore reads a reference dataset from a YAML file. An empty path yields
// the built-in literature defaults.
func LoadStore(path string) (*Store, error) {
	if path == "" {
		return DefaultStore(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading normative data: %w", err)
	}

	var cfg ReferenceConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing normative data: %w", err)
	}

	if len(cfg.Groups) == 0 {
		return nil, errors.New("no normative groups configured")
	}

	entries := make(map[models.AgeGroup]map[string]Entry, len(cfg.Groups))
	for name, byMetric := range cfg.Groups {
		group, err := parseAgeGroup(name)
		if err != nil {
			return nil, err
		}
		entries[group] = byMetric
	}

	thresholds := make(map[models.AgeGroup]map[string]models.Thresholds, len(cfg.Thresholds))
	for name, byMetric := range cfg.Thresholds {
		group, err := parseAgeGroup(name)
		if err != nil {
			return nil, err
		}
		thresholds[group] = byMetric
	}

	dataset := cfg.Dataset
	if dataset == "" {
		dataset = "custom"
	}

	return NewStore(dataset, entries, thresholds), nil
}

// ThresholdConfig is the YAML shape of a standalone threshold file.
type ThresholdConfig struct {
	Thresholds map[string]map[string]models.Thresholds `yaml:"thresholds"`
}

// LoadThresholds overlays site-specific thresholds from a YAML file onto the
// store's defaults. An empty path returns the store unchanged.
func LoadThresholds(store *Store, path string) (*Store, error) {
	if path == "" {
		return store, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading thresholds: %w", err)
	}

	var cfg ThresholdConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing thresholds: %w", err)
	}
	if len(cfg.Thresholds) == 0 {
		return nil, errors.New("no thresholds configured")
	}

	merged := make(map[models.AgeGroup]map[string]models.Thresholds, len(models.AgeGroups))
	for _, group := range models.AgeGroups {
		merged[group] = store.ThresholdSet(group)
	}
	for name, byMetric := range cfg.Thresholds {
		group, err := parseAgeGroup(name)
		if err != nil {
			return nil, err
		}
		if merged[group] == nil {
			merged[group] = make(map[string]models.Thresholds, len(byMetric))
		}
		for metric, t := range byMetric {
			merged[group][metric] = t
		}
	}

	return NewStore(store.Dataset(), store.entries, merged), nil
}

func parseAgeGroup(name string) (models.AgeGroup, error) {
	for _, group := range models.AgeGroups {
		if string(group) == name {
			return group, nil
		}
	}
	return "", fmt.Errorf("unknown age group %q", name)
}
