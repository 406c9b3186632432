// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"fmt"
	"os"
	"path/filepath"
)

// survivor pairs a surviving task with its decoded asset key.
type survivor struct {
	task Task
	key  string
}

// ReattachBackgroundDownloads rebuilds session state from transfers that
// survived a previous process lifetime.
//
// Tasks whose identifier does not decode, or whose model is no longer in the
// catalog, are aborted and discarded silently: without a descriptor they
// cannot be safely resumed. Surviving tasks are grouped by model; each group
// gets a fresh session seeded from the tasks' current byte counters, the
// usual callbacks, and an immediate progress event so observers see true
// state without waiting for the next network event. A failure while
// reconciling one group never aborts reconciliation of the others.
//
// Idempotent: models that already have a session or queue entry are left
// alone. Reattached sessions bypass the FIFO queue, since their transfers
// are already in flight.
func (m *Manager) ReattachBackgroundDownloads() error {
	tasks, err := m.engine.SurvivingTasks()
	if err != nil {
		return fmt.Errorf("listing surviving tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	groups := map[string][]survivor{}
	var order []string
	for _, task := range tasks {
		modelID, key, err := DecodeTaskID(task.ID)
		if err != nil {
			_ = m.engine.Discard(task)
			continue
		}
		desc, ok := m.catalog.FindByID(modelID)
		if !ok || desc.Assets[key] == "" {
			// Orphaned task: it predates this session's catalog knowledge.
			_ = m.engine.Discard(task)
			continue
		}
		if _, seen := groups[modelID]; !seen {
			order = append(order, modelID)
		}
		groups[modelID] = append(groups[modelID], survivor{task: task, key: key})
	}

	for _, modelID := range order {
		m.reattachGroup(modelID, groups[modelID])
	}
	return nil
}

// reattachGroup rebuilds one model's session. Errors stay inside the group.
//
// Assets without a surviving task are reconciled from the filesystem: a file
// already at its final path counts as completed, anything else gets a fresh
// transfer so the model can still finish.
func (m *Manager) reattachGroup(modelID string, survivors []survivor) {
	m.mu.Lock()
	if _, active := m.sessions[modelID]; active || m.queueIndexLocked(modelID) >= 0 {
		// Already scheduled in this process; its journals are current.
		m.mu.Unlock()
		return
	}
	desc, _ := m.catalog.FindByID(modelID)
	sess := newSession(desc)
	m.sessions[modelID] = sess
	m.mu.Unlock()

	byKey := make(map[string]Task, len(survivors))
	for _, sv := range survivors {
		byKey[sv.key] = sv.task
	}

	dir := m.modelDir(modelID)
	handles := make(map[string]TransferHandle)
	completed := map[string]string{}
	fail := func(key string, err error) {
		for _, created := range handles {
			created.Abort()
		}
		m.failSession(modelID, &TransferError{ModelID: modelID, Asset: key, Err: err})
	}

	for key, url := range desc.Assets {
		if url == "" {
			continue
		}
		dest := filepath.Join(dir, filenameFromURL(url, key))
		if task, ok := byKey[key]; ok {
			h, err := m.engine.Reattach(task)
			if err != nil {
				fail(key, err)
				return
			}
			m.wireHandle(modelID, key, h)
			handles[key] = h
			continue
		}
		if fi, err := os.Stat(dest); err == nil && !fi.IsDir() {
			// Finished before the restart.
			completed[key] = dest
			continue
		}
		h, err := m.engine.CreateTransfer(EncodeTaskID(modelID, key), url, dest)
		if err != nil {
			fail(key, err)
			return
		}
		m.wireHandle(modelID, key, h)
		handles[key] = h
	}

	m.mu.Lock()
	for key, h := range handles {
		sess.transfers[key] = h
		if task, ok := byKey[key]; ok {
			sess.bytes[key] = task.Downloaded
			if task.Total > 0 {
				sess.totals[key] = task.Total
			}
		}
	}
	for key, dest := range completed {
		sess.completed[key] = dest
		if fi, err := os.Stat(dest); err == nil {
			sess.bytes[key] = fi.Size()
			sess.totals[key] = fi.Size()
		}
	}
	percent, _ := m.advancePercentLocked(sess)
	if sess.allDone() {
		delete(m.sessions, modelID)
		m.mu.Unlock()
		// Every asset had already landed before the restart.
		m.completeSession(modelID, sess)
		return
	}
	m.unlockThenNotify(Event{Type: EventProgress, ModelID: modelID, Percent: percent})

	for _, h := range handles {
		h.Start()
	}
}
