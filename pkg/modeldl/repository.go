// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Repository persists DownloadedModelRecord entries.
type Repository interface {
	// Create writes a record. An existing record for the same model ID is
	// replaced.
	Create(record DownloadedModelRecord) (DownloadedModelRecord, error)

	// DeleteByModelID removes a record, reporting whether one existed.
	DeleteByModelID(modelID string) (bool, error)

	// GetByModelID returns the record for a model, or nil if absent.
	GetByModelID(modelID string) (*DownloadedModelRecord, error)

	// List returns all records sorted by model ID.
	List() ([]DownloadedModelRecord, error)
}

// FileRepository stores records in a single JSON file with atomic
// write-then-rename updates. Safe for concurrent in-process use.
type FileRepository struct {
	path string
	mu   sync.RWMutex
}

// NewFileRepository creates a repository backed by the given file, creating
// its directory if needed.
func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating repository dir: %w", err)
	}
	return &FileRepository{path: path}, nil
}

// load reads the record map from disk. A missing file is an empty store.
func (r *FileRepository) load() (map[string]DownloadedModelRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]DownloadedModelRecord{}, nil
		}
		return nil, err
	}
	records := map[string]DownloadedModelRecord{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing record store: %w", err)
	}
	return records, nil
}

// save writes the record map atomically.
func (r *FileRepository) save(records map[string]DownloadedModelRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Create writes a record.
func (r *FileRepository) Create(record DownloadedModelRecord) (DownloadedModelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return DownloadedModelRecord{}, err
	}
	records[record.ModelID] = record
	if err := r.save(records); err != nil {
		return DownloadedModelRecord{}, err
	}
	return record, nil
}

// DeleteByModelID removes a record.
func (r *FileRepository) DeleteByModelID(modelID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return false, err
	}
	if _, ok := records[modelID]; !ok {
		return false, nil
	}
	delete(records, modelID)
	if err := r.save(records); err != nil {
		return false, err
	}
	return true, nil
}

// GetByModelID looks up a record.
func (r *FileRepository) GetByModelID(modelID string) (*DownloadedModelRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[modelID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// List returns all records sorted by model ID.
func (r *FileRepository) List() ([]DownloadedModelRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]DownloadedModelRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}
