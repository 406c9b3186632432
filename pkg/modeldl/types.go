// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "time"

// Well-known asset keys. The set is open: a catalog may name any asset role,
// and only AssetModel is mandatory in a descriptor.
const (
	AssetModel           = "model"
	AssetTokenizer       = "tokenizer"
	AssetTokenizerConfig = "tokenizerConfig"
	AssetProjector       = "mmproj"
)

// ModelDescriptor is an immutable catalog entry naming a model and the remote
// URL of each of its assets.
//
// Assets maps asset keys (AssetModel, AssetTokenizer, ...) to download URLs.
// Entries with an empty URL are ignored. The AssetModel entry is required.
type ModelDescriptor struct {
	// ID uniquely identifies the model. It may contain any character,
	// including the task ID separator.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable model name.
	Name string `json:"name" yaml:"name"`

	// Provider names the model's source or vendor (e.g. "meta", "mistral").
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Type describes what kind of model this is (e.g. "llm", "embedding").
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Assets maps asset keys to remote URLs.
	Assets map[string]string `json:"assets" yaml:"assets"`

	// SizeEstimate is the expected total download size in bytes. Informational.
	SizeEstimate int64 `json:"sizeEstimate,omitempty" yaml:"sizeEstimate,omitempty"`
}

// Origin says who owns a downloaded model's files.
type Origin string

const (
	// OriginManaged marks models whose files live under the manager's own
	// directory and are safe to delete.
	OriginManaged Origin = "managed"

	// OriginImported marks models registered from user-supplied files.
	// Deleting one removes metadata only; the files are untouched.
	OriginImported Origin = "imported"
)

// RecordStatus is the lifecycle status of a persisted record.
type RecordStatus string

// RecordCompleted is the only status a record is ever written with: records
// exist for fully downloaded models and nothing else.
const RecordCompleted RecordStatus = "completed"

// DownloadedModelRecord is the persisted record of a completed download or an
// imported model. Written once on completion, mutated only by delete.
type DownloadedModelRecord struct {
	ModelID        string            `json:"modelId"`
	Name           string            `json:"name"`
	Provider       string            `json:"provider,omitempty"`
	Type           string            `json:"type,omitempty"`
	AssetPaths     map[string]string `json:"assetPaths"`
	DownloadedSize int64             `json:"downloadedSize"`
	Status         RecordStatus      `json:"status"`
	Origin         Origin            `json:"origin"`
	DownloadedAt   time.Time         `json:"downloadedAt"`
}

// Settings configures the download manager.
//
// All fields have sensible defaults. At minimum, you only need to set
// ModelsDir for where model files should be saved.
type Settings struct {
	// ModelsDir is the base directory for downloaded model files.
	// Each model gets its own subdirectory: <ModelsDir>/<modelID>/.
	// If empty, defaults to "Models".
	ModelsDir string

	// StateDir is where transfer journals and the record store live, so that
	// in-flight transfers survive a process restart.
	// If empty, defaults to <ModelsDir>/.modelflux.
	StateDir string

	// Parallel selects the concurrency policy. The default (false) is a
	// strict single-flight FIFO queue: one model downloads at a time and
	// further starts wait in line. When true, every start launches
	// immediately and models download in parallel.
	Parallel bool

	// ProgressStep is the minimum change in aggregate percent, in points,
	// before a progress event is emitted. Clamped to [1, 5]. 100 is always
	// emitted. If <= 0, defaults to 1.
	ProgressStep int

	// Retries is the maximum number of retry attempts per HTTP request.
	// If <= 0, defaults to 4.
	Retries int

	// BackoffInitial is the initial delay before the first retry.
	// Accepts duration strings: "400ms", "1s". If empty, defaults to "400ms".
	BackoffInitial string

	// BackoffMax is the maximum delay between retries.
	// If empty, defaults to "10s".
	BackoffMax string
}

// DefaultSettings returns Settings with sensible defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		ModelsDir:      "Models",
		ProgressStep:   1,
		Retries:        4,
		BackoffInitial: "400ms",
		BackoffMax:     "10s",
	}
}

// EventType identifies the kind of a manager event.
type EventType string

const (
	// EventQueued fires when a start request is admitted but waits in the
	// FIFO queue behind an active download.
	EventQueued EventType = "queued"

	// EventProgress fires when a model's aggregate percent advances by at
	// least the configured step, and once at 100.
	EventProgress EventType = "progress"

	// EventCompleted fires after all assets finished and the record was
	// persisted. Record is set.
	EventCompleted EventType = "completed"

	// EventFailed fires after a transfer failure, once cleanup is done.
	// Err is set. User-initiated cancellation is never reported here.
	EventFailed EventType = "failed"

	// EventCancelled fires after a user-initiated cancel, once cleanup is
	// done. Distinct from EventFailed: a cancel is not a fault.
	EventCancelled EventType = "cancelled"
)

// Event is a download lifecycle notification delivered to subscribers.
type Event struct {
	Type    EventType              `json:"type"`
	ModelID string                 `json:"modelId"`
	Percent int                    `json:"percent,omitempty"`
	Record  *DownloadedModelRecord `json:"record,omitempty"`
	Err     error                  `json:"-"`
	Message string                 `json:"message,omitempty"`
	Time    time.Time              `json:"time"`
}

// DownloadStatus is a point-in-time snapshot of one scheduled model.
type DownloadStatus struct {
	ModelID string `json:"modelId"`
	Percent int    `json:"percent"`
	// QueuePosition is 0 while downloading and 1+ while waiting in line.
	QueuePosition int `json:"queuePosition"`
}
