// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// abortGrace bounds how long Abort waits for a transfer goroutine to stop
// before cleanup proceeds anyway.
const abortGrace = 2 * time.Second

// progressInterval throttles raw byte-progress callbacks.
const progressInterval = 200 * time.Millisecond

// HTTPEngine is the production TransferEngine. Each transfer downloads into
// a ".part" file next to its destination and renames on completion, with
// retry, exponential backoff, and byte-range resume.
//
// Every transfer journals {id, url, destination, total} into the engine's
// state directory before its first byte moves. The journal entry is removed
// on success, failure, abort, or discard, so only process death leaves one
// behind; SurvivingTasks reads what is left and Reattach resumes it from the
// ".part" file's current size.
type HTTPEngine struct {
	stateDir string
	client   *http.Client
	retries  int
	backoff  backoffSettings
	mu       sync.Mutex
}

// NewHTTPEngine creates an engine journaling under stateDir.
func NewHTTPEngine(stateDir string, cfg Settings) (*HTTPEngine, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("creating engine state dir: %w", err)
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = 4
	}

	return &HTTPEngine{
		stateDir: stateDir,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		retries: retries,
		backoff: newBackoffSettings(cfg),
	}, nil
}

// taskPath returns the journal file for a task ID. IDs are hex-encoded so any
// ID is a safe file name.
func (e *HTTPEngine) taskPath(id string) string {
	return filepath.Join(e.stateDir, "tasks", hex.EncodeToString([]byte(id))+".json")
}

// writeJournal persists a task entry atomically (write-then-rename).
func (e *HTTPEngine) writeJournal(task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	p := e.taskPath(task.ID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (e *HTTPEngine) removeJournal(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = os.Remove(e.taskPath(id))
}

// CreateTransfer journals the task and returns an unstarted handle.
func (e *HTTPEngine) CreateTransfer(id, url, destination string) (TransferHandle, error) {
	if err := e.writeJournal(Task{ID: id, URL: url, Destination: destination}); err != nil {
		return nil, fmt.Errorf("journaling transfer %s: %w", id, err)
	}
	return e.newTransfer(Task{ID: id, URL: url, Destination: destination}), nil
}

// SurvivingTasks lists journal entries left behind by a previous process.
// Malformed entries are dropped on the spot.
func (e *HTTPEngine) SurvivingTasks() ([]Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.stateDir, "tasks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tasks []Task
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		p := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil || task.ID == "" || task.URL == "" {
			_ = os.Remove(p)
			continue
		}
		if fi, err := os.Stat(task.Destination + ".part"); err == nil {
			task.Downloaded = fi.Size()
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Reattach returns an unstarted handle resuming a surviving task.
func (e *HTTPEngine) Reattach(task Task) (TransferHandle, error) {
	t := e.newTransfer(task)
	t.downloaded.Store(task.Downloaded)
	t.total.Store(task.Total)
	return t, nil
}

// Discard forgets a surviving task and removes its partial file.
func (e *HTTPEngine) Discard(task Task) error {
	e.removeJournal(task.ID)
	if task.Destination != "" {
		_ = os.Remove(task.Destination + ".part")
	}
	return nil
}

func (e *HTTPEngine) newTransfer(task Task) *httpTransfer {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpTransfer{
		engine:   e,
		task:     task,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// httpTransfer is one GET-to-file transfer. Implements TransferHandle.
type httpTransfer struct {
	engine *HTTPEngine
	task   Task

	cbMu       sync.Mutex
	beginFn    func(int64)
	progressFn func(int64)
	doneFn     func(string)
	errorFn    func(error)
	aborted    bool

	downloaded atomic.Int64
	total      atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
	started  bool
}

func (t *httpTransfer) ID() string                    { return t.task.ID }
func (t *httpTransfer) BytesDownloaded() int64        { return t.downloaded.Load() }
func (t *httpTransfer) BytesTotal() int64             { return t.total.Load() }
func (t *httpTransfer) OnBegin(fn func(int64))        { t.cbMu.Lock(); t.beginFn = fn; t.cbMu.Unlock() }
func (t *httpTransfer) OnProgress(fn func(int64))     { t.cbMu.Lock(); t.progressFn = fn; t.cbMu.Unlock() }
func (t *httpTransfer) OnDone(fn func(string))        { t.cbMu.Lock(); t.doneFn = fn; t.cbMu.Unlock() }
func (t *httpTransfer) OnError(fn func(error))        { t.cbMu.Lock(); t.errorFn = fn; t.cbMu.Unlock() }

// Start launches the transfer goroutine.
func (t *httpTransfer) Start() {
	if t.started {
		return
	}
	t.started = true
	go t.run()
}

// Abort stops the transfer and waits for acknowledgement, bounded by
// abortGrace. The journal entry and partial file are removed; no callback
// fires afterwards.
func (t *httpTransfer) Abort() {
	t.cbMu.Lock()
	t.aborted = true
	t.cbMu.Unlock()

	t.cancel()
	if t.started {
		select {
		case <-t.finished:
		case <-time.After(abortGrace):
		}
	}

	t.engine.removeJournal(t.task.ID)
	_ = os.Remove(t.task.Destination + ".part")
}

func (t *httpTransfer) emitBegin(total int64) {
	t.cbMu.Lock()
	fn, aborted := t.beginFn, t.aborted
	t.cbMu.Unlock()
	if fn != nil && !aborted {
		fn(total)
	}
}

func (t *httpTransfer) emitProgress(n int64) {
	t.cbMu.Lock()
	fn, aborted := t.progressFn, t.aborted
	t.cbMu.Unlock()
	if fn != nil && !aborted {
		fn(n)
	}
}

func (t *httpTransfer) finish(path string, err error) {
	t.cbMu.Lock()
	doneFn, errorFn, aborted := t.doneFn, t.errorFn, t.aborted
	t.cbMu.Unlock()
	if aborted {
		return
	}
	if err != nil {
		t.engine.removeJournal(t.task.ID)
		_ = os.Remove(t.task.Destination + ".part")
		if errorFn != nil {
			errorFn(err)
		}
		return
	}
	t.engine.removeJournal(t.task.ID)
	if doneFn != nil {
		doneFn(path)
	}
}

// run downloads task.URL into task.Destination via a ".part" file, resuming
// from whatever the part file already holds.
func (t *httpTransfer) run() {
	defer close(t.finished)

	dst := t.task.Destination
	part := dst + ".part"

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.finish("", err)
		return
	}

	retry := newRetry(t.engine.backoff)
	var lastErr error

	for attempt := 0; attempt <= t.engine.retries; attempt++ {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		err := t.attempt(part, dst)
		if err == nil {
			t.finish(dst, nil)
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		lastErr = err

		if attempt < t.engine.retries {
			if !sleepCtx(t.ctx, retry.Next()) {
				return
			}
		}
	}

	t.finish("", lastErr)
}

// attempt performs one request, appending to the part file when the server
// honors the Range header and restarting from zero otherwise.
func (t *httpTransfer) attempt(part, dst string) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.task.URL, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.engine.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Server resumed; keep the existing bytes.
	case http.StatusOK:
		// Full body; restart the part file.
		offset = 0
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	total := offset
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	if total > 0 && t.total.Swap(total) != total {
		// Remember the size across restarts so reattached sessions can
		// report a stable percent before the next network event.
		_ = t.engine.writeJournal(Task{
			ID:          t.task.ID,
			URL:         t.task.URL,
			Destination: t.task.Destination,
			Total:       total,
		})
	}
	t.downloaded.Store(offset)
	t.emitBegin(total)

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}

	buf := make([]byte, 128<<10)
	lastEmit := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
			d := t.downloaded.Add(int64(n))
			if time.Since(lastEmit) >= progressInterval {
				t.emitProgress(d)
				lastEmit = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return rerr
		}
	}

	if err := out.Close(); err != nil {
		return err
	}
	t.emitProgress(t.downloaded.Load())
	return os.Rename(part, dst)
}
