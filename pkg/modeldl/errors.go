// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrModelNotFound is returned when a model ID is not in the catalog.
	ErrModelNotFound = errors.New("model not found in catalog")

	// ErrMissingModelAsset is returned when a descriptor has no "model" asset URL.
	ErrMissingModelAsset = errors.New("descriptor has no model asset")

	// ErrNotDownloaded is returned when no record exists for a model ID.
	ErrNotDownloaded = errors.New("model is not downloaded")

	// ErrStorageDenied is returned when the models directory cannot be
	// created or written, before any transfer is started.
	ErrStorageDenied = errors.New("storage access denied")

	// ErrBadTaskID is returned when a task identifier cannot be decoded
	// into a model ID and an asset key.
	ErrBadTaskID = errors.New("malformed task identifier")
)

// TransferError wraps an asset-level transfer failure with its context.
// Any asset failing fails the whole model.
type TransferError struct {
	ModelID string
	Asset   string
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s/%s: %v", e.ModelID, e.Asset, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ImportError wraps a failure to register a user-supplied model file.
type ImportError struct {
	Path string
	Err  error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import %s: %v", e.Path, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}
