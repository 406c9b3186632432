// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager schedules, executes, tracks, and recovers multi-asset model
// downloads. One instance owns all mutable state; construct it once at the
// application's composition root.
//
// Concurrency policy: the default is a strict single-flight FIFO queue. One
// model downloads at a time, later starts wait in line, and the queue
// advances whenever a download completes, fails, or is cancelled.
// Settings.Parallel switches to unconstrained parallel starts; per-model
// exclusivity holds under either policy.
type Manager struct {
	cfg      Settings
	catalog  Catalog
	engine   TransferEngine
	repo     Repository
	notifier Notifier

	// mu guards sessions and queue. It is held only for state transitions,
	// never across I/O or event delivery.
	mu       sync.Mutex
	sessions map[string]*session
	queue    []queueEntry

	// dispatchMu serializes event delivery so subscribers observe events
	// in the order their state transitions happened. Lock order is mu
	// first, dispatchMu second.
	dispatchMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  []chan Event
}

// New creates a Manager. A nil notifier disables notifications.
func New(cfg Settings, catalog Catalog, engine TransferEngine, repo Repository, notifier Notifier) *Manager {
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "Models"
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Manager{
		cfg:      cfg,
		catalog:  catalog,
		engine:   engine,
		repo:     repo,
		notifier: notifier,
		sessions: map[string]*session{},
	}
}

// modelDir is where one model's asset files live.
func (m *Manager) modelDir(modelID string) string {
	return filepath.Join(m.cfg.ModelsDir, modelID)
}

// Subscribe returns a channel of download events. Slow subscribers miss
// events rather than blocking the manager.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) notify(ev Event) {
	m.dispatchMu.Lock()
	m.deliver(ev)
	m.dispatchMu.Unlock()
}

// unlockThenNotify releases mu only after taking the dispatch lock, so a
// state transition that happens after this one cannot publish ahead of it.
func (m *Manager) unlockThenNotify(ev Event) {
	m.dispatchMu.Lock()
	m.mu.Unlock()
	m.deliver(ev)
	m.dispatchMu.Unlock()
}

func (m *Manager) deliver(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow, skip.
		}
	}
	m.listenerMu.RUnlock()
}

// StartDownload admits a download for the descriptor's model.
//
// Idempotent: if the model already has an active session or queue entry this
// is a no-op. Under the FIFO policy the download starts immediately when
// nothing else is active and waits in line otherwise; under the parallel
// policy it always starts immediately. Storage problems are surfaced here,
// before any session exists.
func (m *Manager) StartDownload(descriptor ModelDescriptor) error {
	if descriptor.ID == "" {
		return fmt.Errorf("descriptor has no id")
	}
	if descriptor.Assets[AssetModel] == "" {
		return fmt.Errorf("%s: %w", descriptor.ID, ErrMissingModelAsset)
	}
	if err := os.MkdirAll(m.cfg.ModelsDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageDenied, err)
	}
	// MkdirAll succeeds on an existing read-only directory, so prove
	// writability with a real write before any session exists.
	marker, err := os.CreateTemp(m.cfg.ModelsDir, ".writecheck-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageDenied, err)
	}
	marker.Close()
	os.Remove(marker.Name())

	m.mu.Lock()
	if _, active := m.sessions[descriptor.ID]; active || m.queueIndexLocked(descriptor.ID) >= 0 {
		m.mu.Unlock()
		return nil
	}
	if !m.cfg.Parallel && len(m.sessions) > 0 {
		m.queue = append(m.queue, queueEntry{
			modelID:    descriptor.ID,
			descriptor: descriptor,
			enqueuedAt: time.Now(),
		})
		m.unlockThenNotify(Event{Type: EventQueued, ModelID: descriptor.ID})
		return nil
	}
	sess := newSession(descriptor)
	m.sessions[descriptor.ID] = sess
	m.mu.Unlock()

	return m.startSession(sess)
}

// startSession creates one transfer per asset, wires the callbacks, and
// starts them. The session is already registered.
func (m *Manager) startSession(sess *session) error {
	modelID := sess.descriptor.ID
	dir := m.modelDir(modelID)

	keys := make([]string, 0, len(sess.descriptor.Assets))
	for key, url := range sess.descriptor.Assets {
		if url != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	handles := make(map[string]TransferHandle, len(keys))
	for _, key := range keys {
		url := sess.descriptor.Assets[key]
		dest := filepath.Join(dir, filenameFromURL(url, key))
		h, err := m.engine.CreateTransfer(EncodeTaskID(modelID, key), url, dest)
		if err != nil {
			for _, created := range handles {
				created.Abort()
			}
			terr := &TransferError{ModelID: modelID, Asset: key, Err: err}
			m.failSession(modelID, terr)
			return terr
		}
		m.wireHandle(modelID, key, h)
		handles[key] = h
	}

	m.mu.Lock()
	cur, ok := m.sessions[modelID]
	if !ok || cur != sess || sess.cancelled {
		// Cancelled while the transfers were being set up.
		m.mu.Unlock()
		for _, h := range handles {
			h.Abort()
		}
		return nil
	}
	for key, h := range handles {
		sess.transfers[key] = h
	}
	m.mu.Unlock()

	for _, key := range keys {
		handles[key].Start()
	}
	return nil
}

// wireHandle registers the per-asset callbacks on a transfer handle.
func (m *Manager) wireHandle(modelID, key string, h TransferHandle) {
	h.OnBegin(func(total int64) { m.onBegin(modelID, key, total) })
	h.OnProgress(func(n int64) { m.onProgress(modelID, key, n) })
	h.OnDone(func(path string) { m.onDone(modelID, key, path) })
	h.OnError(func(err error) { m.onError(modelID, key, err) })
}

func (m *Manager) onBegin(modelID, key string, total int64) {
	m.mu.Lock()
	if sess, ok := m.sessions[modelID]; ok && total > 0 {
		sess.totals[key] = total
	}
	m.mu.Unlock()
}

func (m *Manager) onProgress(modelID, key string, downloaded int64) {
	m.mu.Lock()
	sess, ok := m.sessions[modelID]
	if !ok || sess.cancelled {
		m.mu.Unlock()
		return
	}
	sess.bytes[key] = downloaded
	percent, emit := m.advancePercentLocked(sess)
	if !emit {
		m.mu.Unlock()
		return
	}
	m.unlockThenNotify(Event{Type: EventProgress, ModelID: modelID, Percent: percent})
}

// advancePercentLocked recomputes the aggregate percent and decides whether
// it moved enough to notify. The emitted percent never decreases within a
// session's lifetime.
func (m *Manager) advancePercentLocked(sess *session) (int, bool) {
	p := sess.percent()
	if p < sess.lastNotified {
		return sess.lastNotified, false
	}
	step := progressStep(m.cfg)
	if sess.lastNotified >= 0 && p < 100 && p-sess.lastNotified < step {
		return p, false
	}
	if p == sess.lastNotified {
		return p, false
	}
	sess.lastNotified = p
	return p, true
}

func (m *Manager) onDone(modelID, key, localPath string) {
	m.mu.Lock()
	sess, ok := m.sessions[modelID]
	if !ok || sess.cancelled {
		m.mu.Unlock()
		return
	}

	h := sess.transfers[key]
	delete(sess.transfers, key)
	sess.completed[key] = localPath
	if h != nil {
		if total := h.BytesTotal(); total > 0 {
			sess.bytes[key] = total
		} else {
			sess.bytes[key] = h.BytesDownloaded()
		}
	}

	if !sess.allDone() {
		percent, emit := m.advancePercentLocked(sess)
		if !emit {
			m.mu.Unlock()
			return
		}
		m.unlockThenNotify(Event{Type: EventProgress, ModelID: modelID, Percent: percent})
		return
	}

	delete(m.sessions, modelID)
	m.mu.Unlock()

	m.completeSession(modelID, sess)
}

// completeSession persists the record for a finished session and reports
// completion. The session has already been removed from the registry.
func (m *Manager) completeSession(modelID string, sess *session) {
	record := DownloadedModelRecord{
		ModelID:        modelID,
		Name:           sess.descriptor.Name,
		Provider:       sess.descriptor.Provider,
		Type:           sess.descriptor.Type,
		AssetPaths:     sess.completed,
		DownloadedSize: sess.downloadedSize(),
		Status:         RecordCompleted,
		Origin:         OriginManaged,
		DownloadedAt:   time.Now(),
	}

	created, err := m.repo.Create(record)
	if err != nil {
		// The files are on disk but the record is not: treat as a
		// whole-model failure so no inconsistent state survives.
		m.cleanupModel(modelID)
		m.notify(Event{Type: EventFailed, ModelID: modelID,
			Err: fmt.Errorf("persisting record: %w", err), Message: err.Error()})
		m.processQueue()
		return
	}

	m.notify(Event{Type: EventProgress, ModelID: modelID, Percent: 100})
	m.notify(Event{Type: EventCompleted, ModelID: modelID, Record: &created})
	m.notifier.Show(modelID, record.Name, "download complete")
	m.processQueue()
}

func (m *Manager) onError(modelID, key string, err error) {
	terr := &TransferError{ModelID: modelID, Asset: key, Err: err}
	m.failSession(modelID, terr)
}

// failSession tears a session down after an asset-level failure: every other
// live handle is aborted, partial files and any dangling record are removed,
// and the failure is reported once.
func (m *Manager) failSession(modelID string, terr *TransferError) {
	m.mu.Lock()
	sess, ok := m.sessions[modelID]
	if !ok || sess.cancelled {
		m.mu.Unlock()
		return
	}
	sess.cancelled = true
	handles := make([]TransferHandle, 0, len(sess.transfers))
	for _, h := range sess.transfers {
		handles = append(handles, h)
	}
	delete(m.sessions, modelID)
	m.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}
	m.cleanupModel(modelID)
	m.notifier.Dismiss(modelID)
	m.notify(Event{Type: EventFailed, ModelID: modelID, Err: terr, Message: terr.Error()})
	m.processQueue()
}

// cleanupModel removes a model's directory and any repository record.
// Idempotent: absence of either is not an error.
func (m *Manager) cleanupModel(modelID string) {
	_ = os.RemoveAll(m.modelDir(modelID))
	_, _ = m.repo.DeleteByModelID(modelID)
}

// CancelDownload cancels a queued or active download. Cancelling a queued
// model performs no transfer-engine calls at all. Reports whether anything
// was cancelled.
func (m *Manager) CancelDownload(modelID string) bool {
	m.mu.Lock()
	if idx := m.queueIndexLocked(modelID); idx >= 0 {
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		m.unlockThenNotify(Event{Type: EventCancelled, ModelID: modelID})
		return true
	}

	sess, ok := m.sessions[modelID]
	if !ok || sess.cancelled {
		m.mu.Unlock()
		return false
	}
	sess.cancelled = true
	handles := make([]TransferHandle, 0, len(sess.transfers))
	for _, h := range sess.transfers {
		handles = append(handles, h)
	}
	delete(m.sessions, modelID)
	m.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}
	m.cleanupModel(modelID)
	m.notifier.Dismiss(modelID)
	m.notify(Event{Type: EventCancelled, ModelID: modelID})
	m.processQueue()
	return true
}

// processQueue starts the next queued download once nothing is active.
// Invoked after every completion, failure, and cancellation.
func (m *Manager) processQueue() {
	m.mu.Lock()
	if len(m.queue) == 0 || len(m.sessions) > 0 {
		m.mu.Unlock()
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	sess := newSession(next.descriptor)
	m.sessions[next.modelID] = sess
	m.mu.Unlock()

	_ = m.startSession(sess)
}

func (m *Manager) queueIndexLocked(modelID string) int {
	for i, entry := range m.queue {
		if entry.modelID == modelID {
			return i
		}
	}
	return -1
}

// IsDownloading reports whether a model is currently active or queued.
func (m *Manager) IsDownloading(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[modelID]; ok {
		return true
	}
	return m.queueIndexLocked(modelID) >= 0
}

// ActiveDownloadIDs returns the IDs of all actively downloading models,
// sorted.
func (m *Manager) ActiveDownloadIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueuePosition reports a model's place in the scheduler: 0 while actively
// downloading, 1+ while waiting in the queue, -1 when absent.
func (m *Manager) QueuePosition(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[modelID]; ok {
		return 0
	}
	if idx := m.queueIndexLocked(modelID); idx >= 0 {
		return idx + 1
	}
	return -1
}

// Statuses returns a snapshot of every scheduled model, active first.
func (m *Manager) Statuses() []DownloadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DownloadStatus, 0, len(m.sessions)+len(m.queue))
	for id, sess := range m.sessions {
		p := sess.lastNotified
		if p < 0 {
			p = 0
		}
		out = append(out, DownloadStatus{ModelID: id, Percent: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	for i, entry := range m.queue {
		out = append(out, DownloadStatus{ModelID: entry.modelID, QueuePosition: i + 1})
	}
	return out
}

// DownloadedModels returns every persisted record, sorted by model ID.
func (m *Manager) DownloadedModels() ([]DownloadedModelRecord, error) {
	return m.repo.List()
}

// DeleteDownloadedModel removes a completed model. Managed models lose their
// files and their record; imported models lose only the record, the
// user-supplied files are untouched.
func (m *Manager) DeleteDownloadedModel(modelID string) error {
	rec, err := m.repo.GetByModelID(modelID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s: %w", modelID, ErrNotDownloaded)
	}
	if rec.Origin == OriginManaged {
		if err := os.RemoveAll(m.modelDir(modelID)); err != nil {
			return fmt.Errorf("removing model dir: %w", err)
		}
	}
	if _, err := m.repo.DeleteByModelID(modelID); err != nil {
		return err
	}
	m.notifier.Dismiss(modelID)
	return nil
}

// ImportLocalModel registers user-supplied model files without downloading
// anything. The files stay where they are; only metadata is recorded.
func (m *Manager) ImportLocalModel(name, provider, modelType string, assetPaths map[string]string) (DownloadedModelRecord, error) {
	if name == "" {
		return DownloadedModelRecord{}, fmt.Errorf("import: missing name")
	}
	if assetPaths[AssetModel] == "" {
		return DownloadedModelRecord{}, fmt.Errorf("import %s: %w", name, ErrMissingModelAsset)
	}

	paths := make(map[string]string, len(assetPaths))
	var total int64
	for key, p := range assetPaths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return DownloadedModelRecord{}, &ImportError{Path: p, Err: err}
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return DownloadedModelRecord{}, &ImportError{Path: p, Err: err}
		}
		if fi.IsDir() {
			return DownloadedModelRecord{}, &ImportError{Path: p, Err: fmt.Errorf("is a directory")}
		}
		paths[key] = abs
		total += fi.Size()
	}

	record := DownloadedModelRecord{
		ModelID:        "imported-" + uuid.NewString(),
		Name:           name,
		Provider:       provider,
		Type:           modelType,
		AssetPaths:     paths,
		DownloadedSize: total,
		Status:         RecordCompleted,
		Origin:         OriginImported,
		DownloadedAt:   time.Now(),
	}
	return m.repo.Create(record)
}
