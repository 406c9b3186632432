// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "time"

// session is the ephemeral per-model state while a download is in flight.
// Owned exclusively by the Manager; created when a start request is admitted
// and destroyed on completion, failure, or cancellation. Sessions are never
// persisted: after a restart the reconciler rebuilds them from the transfer
// engine's surviving tasks.
type session struct {
	descriptor ModelDescriptor

	// transfers holds the live handle per asset key. At most one handle per
	// (modelID, assetKey) ever exists.
	transfers map[string]TransferHandle

	// completed maps asset keys to their final local paths.
	completed map[string]string

	// bytes and totals are the per-asset byte counters feeding the
	// aggregate percent.
	bytes  map[string]int64
	totals map[string]int64

	// lastNotified is the percent last delivered to subscribers.
	lastNotified int

	cancelled bool
	startedAt time.Time
}

func newSession(d ModelDescriptor) *session {
	return &session{
		descriptor:   d,
		transfers:    map[string]TransferHandle{},
		completed:    map[string]string{},
		bytes:        map[string]int64{},
		totals:       map[string]int64{},
		lastNotified: -1,
		startedAt:    time.Now(),
	}
}

// allDone reports whether every asset has moved to completed.
func (s *session) allDone() bool {
	return len(s.transfers) == 0 && len(s.completed) > 0
}

// downloadedSize sums the per-asset byte counters.
func (s *session) downloadedSize() int64 {
	var total int64
	for _, n := range s.bytes {
		total += n
	}
	return total
}

// queueEntry is a pending start request under the FIFO policy.
type queueEntry struct {
	modelID    string
	descriptor ModelDescriptor
	enqueuedAt time.Time
}
