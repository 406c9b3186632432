// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// taskSeparator joins the model ID and asset key in a task identifier.
// Model IDs routinely contain it themselves ("llama-3-2-1b"), which is why
// decoding works from the last segment backwards.
const taskSeparator = "-"

// EncodeTaskID builds the transfer-engine task identifier for one asset of
// one model.
func EncodeTaskID(modelID, assetKey string) string {
	return modelID + taskSeparator + assetKey
}

// DecodeTaskID splits a task identifier back into (modelID, assetKey).
//
// The last separator-delimited segment is the asset key; everything before it
// (separators re-inserted) is the model ID. Any non-empty asset key is
// accepted: the asset set is open, so only a catalog lookup of the model ID
// can reject a task.
func DecodeTaskID(taskID string) (modelID, assetKey string, err error) {
	parts := strings.Split(taskID, taskSeparator)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %q", ErrBadTaskID, taskID)
	}
	assetKey = parts[len(parts)-1]
	modelID = strings.Join(parts[:len(parts)-1], taskSeparator)
	if modelID == "" || assetKey == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadTaskID, taskID)
	}
	return modelID, assetKey, nil
}

// filenameFromURL derives a local file name from the final path segment of a
// download URL. Collisions between assets of the same model are not
// deduplicated; each asset writes to its own path under the model directory.
func filenameFromURL(rawURL, assetKey string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		return assetKey
	}
	return name
}
