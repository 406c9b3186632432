// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the read-only list of downloadable model descriptors.
type Catalog interface {
	// ListDescriptors returns every known descriptor.
	ListDescriptors() []ModelDescriptor

	// FindByID returns the descriptor for a model ID, or false if unknown.
	FindByID(modelID string) (ModelDescriptor, bool)
}

// StaticCatalog is an in-memory Catalog built from a fixed descriptor list.
type StaticCatalog struct {
	byID  map[string]ModelDescriptor
	order []string
}

// NewStaticCatalog builds a catalog from descriptors. Later duplicates of the
// same ID win.
func NewStaticCatalog(descriptors []ModelDescriptor) *StaticCatalog {
	c := &StaticCatalog{byID: make(map[string]ModelDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, ok := c.byID[d.ID]; !ok {
			c.order = append(c.order, d.ID)
		}
		c.byID[d.ID] = d
	}
	return c
}

// ListDescriptors returns descriptors in catalog order.
func (c *StaticCatalog) ListDescriptors() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// FindByID looks a descriptor up by model ID.
func (c *StaticCatalog) FindByID(modelID string) (ModelDescriptor, bool) {
	d, ok := c.byID[modelID]
	return d, ok
}

// catalogFile is the on-disk catalog format.
type catalogFile struct {
	Models []ModelDescriptor `json:"models" yaml:"models"`
}

// LoadCatalog reads a catalog file. The format is chosen by extension:
// .yaml/.yml are parsed as YAML, anything else as JSON.
func LoadCatalog(path string) (*StaticCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var cf catalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cf); err != nil {
			return nil, fmt.Errorf("invalid YAML catalog: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cf); err != nil {
			return nil, fmt.Errorf("invalid JSON catalog: %w", err)
		}
	}

	for _, d := range cf.Models {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog entry %q has no id", d.Name)
		}
		if d.Assets[AssetModel] == "" {
			return nil, fmt.Errorf("catalog entry %q: %w", d.ID, ErrMissingModelAsset)
		}
	}

	return NewStaticCatalog(cf.Models), nil
}
