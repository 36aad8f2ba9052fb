package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
)

// manifest is the on-disk list of grading work items.
type manifest struct {
	Items []manifestItem `yaml:"items"`
}

type manifestItem struct {
	ID      string `yaml:"id"`
	Payload any    `yaml:"payload"`
}

// loadManifest reads a YAML manifest into batch work items. The payload is
// carried opaquely; only the grading endpoint interprets it.
func loadManifest(path string) ([]batch.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Items) == 0 {
		return nil, fmt.Errorf("manifest %s contains no items", path)
	}

	items := make([]batch.Item, 0, len(m.Items))
	for i, entry := range m.Items {
		if entry.ID == "" {
			return nil, fmt.Errorf("manifest %s: item %d has no id", path, i)
		}
		items = append(items, batch.Item{ID: entry.ID, Payload: entry.Payload})
	}
	return items, nil
}
