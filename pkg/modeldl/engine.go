// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

// TransferHandle is one HTTP(S) GET-to-file transfer managed by a
// TransferEngine.
//
// Callbacks must be registered before Start. They may be invoked from the
// engine's own goroutines; exactly one of the done or error callbacks fires
// per transfer unless it is aborted first.
type TransferHandle interface {
	// ID returns the task identifier the handle was created with.
	ID() string

	// OnBegin registers a callback for when the expected byte total is known.
	OnBegin(func(totalBytes int64))

	// OnProgress registers a callback for cumulative downloaded bytes.
	OnProgress(func(downloaded int64))

	// OnDone registers a callback for successful completion, with the final
	// local file path.
	OnDone(func(localPath string))

	// OnError registers a callback for a permanent transfer failure.
	OnError(func(err error))

	// Start begins the transfer. It returns immediately.
	Start()

	// Abort stops the transfer and blocks until the transfer acknowledges,
	// bounded by the engine's grace period. No callback fires after Abort
	// returns.
	Abort()

	// BytesDownloaded reports the current byte counter. Valid before Start
	// for reattached transfers.
	BytesDownloaded() int64

	// BytesTotal reports the expected size, or 0 if not yet known.
	BytesTotal() int64
}

// Task describes a transfer that survived a previous process lifetime.
type Task struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Destination string `json:"destination"`
	// Total is the expected size in bytes, 0 if the transfer died before
	// learning it.
	Total int64 `json:"total,omitempty"`
	// Downloaded is the byte counter recovered from disk.
	Downloaded int64 `json:"-"`
}

// TransferEngine performs file transfers on behalf of the manager.
//
// Engines may persist their tasks independently of the host process; after a
// restart, SurvivingTasks exposes them so the manager can rebuild session
// state and Reattach each one.
type TransferEngine interface {
	// CreateTransfer prepares a new transfer of url into destination.
	// The returned handle has not started yet.
	CreateTransfer(id, url, destination string) (TransferHandle, error)

	// SurvivingTasks lists tasks persisted by a previous process lifetime.
	SurvivingTasks() ([]Task, error)

	// Reattach resumes a surviving task, returning a fresh handle that has
	// not started yet.
	Reattach(task Task) (TransferHandle, error)

	// Discard aborts and forgets a surviving task, removing any partial
	// state it left behind. Discarding an unknown task is not an error.
	Discard(task Task) error
}
