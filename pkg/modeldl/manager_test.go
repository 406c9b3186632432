// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeHandle is a TransferHandle the tests drive by hand.
type fakeHandle struct {
	id   string
	url  string
	dest string

	mu         sync.Mutex
	beginFn    func(int64)
	progressFn func(int64)
	doneFn     func(string)
	errorFn    func(error)

	started    bool
	aborted    bool
	downloaded int64
	total      int64
}

func (h *fakeHandle) ID() string                { return h.id }
func (h *fakeHandle) OnBegin(fn func(int64))    { h.mu.Lock(); h.beginFn = fn; h.mu.Unlock() }
func (h *fakeHandle) OnProgress(fn func(int64)) { h.mu.Lock(); h.progressFn = fn; h.mu.Unlock() }
func (h *fakeHandle) OnDone(fn func(string))    { h.mu.Lock(); h.doneFn = fn; h.mu.Unlock() }
func (h *fakeHandle) OnError(fn func(error))    { h.mu.Lock(); h.errorFn = fn; h.mu.Unlock() }
func (h *fakeHandle) Start()                    { h.mu.Lock(); h.started = true; h.mu.Unlock() }
func (h *fakeHandle) Abort()                    { h.mu.Lock(); h.aborted = true; h.mu.Unlock() }
func (h *fakeHandle) BytesDownloaded() int64    { h.mu.Lock(); defer h.mu.Unlock(); return h.downloaded }
func (h *fakeHandle) BytesTotal() int64         { h.mu.Lock(); defer h.mu.Unlock(); return h.total }

func (h *fakeHandle) begin(total int64) {
	h.mu.Lock()
	h.total = total
	fn := h.beginFn
	h.mu.Unlock()
	fn(total)
}

func (h *fakeHandle) progress(n int64) {
	h.mu.Lock()
	h.downloaded = n
	fn := h.progressFn
	h.mu.Unlock()
	fn(n)
}

func (h *fakeHandle) succeed() {
	h.mu.Lock()
	h.downloaded = h.total
	fn := h.doneFn
	h.mu.Unlock()
	fn(h.dest)
}

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	fn := h.errorFn
	h.mu.Unlock()
	fn(err)
}

func (h *fakeHandle) isAborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// fakeEngine records created transfers and serves canned surviving tasks.
type fakeEngine struct {
	mu        sync.Mutex
	created   []*fakeHandle
	surviving []Task
	discarded []string
}

func (e *fakeEngine) CreateTransfer(id, url, destination string) (TransferHandle, error) {
	h := &fakeHandle{id: id, url: url, dest: destination}
	e.mu.Lock()
	e.created = append(e.created, h)
	e.mu.Unlock()
	return h, nil
}

func (e *fakeEngine) SurvivingTasks() ([]Task, error) {
	return e.surviving, nil
}

func (e *fakeEngine) Reattach(task Task) (TransferHandle, error) {
	h := &fakeHandle{id: task.ID, url: task.URL, dest: task.Destination,
		downloaded: task.Downloaded, total: task.Total}
	e.mu.Lock()
	e.created = append(e.created, h)
	e.mu.Unlock()
	return h, nil
}

func (e *fakeEngine) Discard(task Task) error {
	e.mu.Lock()
	e.discarded = append(e.discarded, task.ID)
	e.mu.Unlock()
	return nil
}

// handle returns the created handle for a task ID, if any.
func (e *fakeEngine) handle(id string) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.created {
		if h.id == id {
			return h
		}
	}
	return nil
}

func (e *fakeEngine) createdCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.created)
}

var (
	tinyDescriptor = ModelDescriptor{
		ID:   "tiny",
		Name: "Tiny Test Model",
		Assets: map[string]string{
			AssetModel: "https://example.com/models/tiny.gguf",
		},
	}

	llamaDescriptor = ModelDescriptor{
		ID:   "llama-3-2-1b",
		Name: "Llama 3.2 1B",
		Assets: map[string]string{
			AssetModel:           "https://example.com/models/llama.gguf",
			AssetTokenizer:       "https://example.com/models/tokenizer.json",
			AssetTokenizerConfig: "https://example.com/models/tokenizer_config.json",
			AssetProjector:       "https://example.com/models/mmproj.gguf",
		},
	}
)

func newTestManager(t *testing.T, parallel bool) (*Manager, *fakeEngine, *FileRepository) {
	t.Helper()
	dir := t.TempDir()

	repo, err := NewFileRepository(filepath.Join(dir, "state", "records.json"))
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	cfg := DefaultSettings()
	cfg.ModelsDir = filepath.Join(dir, "models")
	cfg.Parallel = parallel

	engine := &fakeEngine{}
	catalog := NewStaticCatalog([]ModelDescriptor{tinyDescriptor, llamaDescriptor})
	return New(cfg, catalog, engine, repo, nil), engine, repo
}

// drainEvents collects whatever is currently buffered on the channel.
func drainEvents(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(20 * time.Millisecond):
			return out
		}
	}
}

func findEvent(events []Event, typ EventType, modelID string) *Event {
	for i := range events {
		if events[i].Type == typ && events[i].ModelID == modelID {
			return &events[i]
		}
	}
	return nil
}

func TestManager_StartDownloadIdempotent(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)

	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("second StartDownload: %v", err)
	}

	if got := engine.createdCount(); got != 1 {
		t.Errorf("expected 1 transfer, got %d", got)
	}
	if got := mgr.ActiveDownloadIDs(); len(got) != 1 || got[0] != "tiny" {
		t.Errorf("unexpected active ids: %v", got)
	}

	t.Run("queued starts are deduplicated too", func(t *testing.T) {
		if err := mgr.StartDownload(llamaDescriptor); err != nil {
			t.Fatalf("StartDownload: %v", err)
		}
		if err := mgr.StartDownload(llamaDescriptor); err != nil {
			t.Fatalf("StartDownload: %v", err)
		}
		if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 1 {
			t.Errorf("expected queue position 1, got %d", pos)
		}
		// Still only the one transfer from the active model.
		if got := engine.createdCount(); got != 1 {
			t.Errorf("expected 1 transfer, got %d", got)
		}
	})
}

func TestManager_RejectsDescriptorWithoutModelAsset(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)

	err := mgr.StartDownload(ModelDescriptor{
		ID:     "broken",
		Assets: map[string]string{AssetTokenizer: "https://example.com/tok.json"},
	})
	if !errors.Is(err, ErrMissingModelAsset) {
		t.Fatalf("expected ErrMissingModelAsset, got %v", err)
	}
}

func TestManager_SingleAssetCompletion(t *testing.T) {
	mgr, engine, repo := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	h := engine.handle("tiny-model")
	if h == nil {
		t.Fatal("no transfer created for tiny-model")
	}
	if !h.started {
		t.Fatal("transfer was not started")
	}

	h.begin(1000)
	h.progress(500)

	got := drainEvents(events)
	if ev := findEvent(got, EventProgress, "tiny"); ev == nil || ev.Percent != 50 {
		t.Fatalf("expected 50%% progress, got %+v", got)
	}

	h.succeed()
	got = drainEvents(events)
	if ev := findEvent(got, EventProgress, "tiny"); ev == nil || ev.Percent != 100 {
		t.Errorf("expected terminal 100%% progress, got %+v", got)
	}
	completed := findEvent(got, EventCompleted, "tiny")
	if completed == nil || completed.Record == nil {
		t.Fatalf("expected completed event with record, got %+v", got)
	}
	if completed.Record.DownloadedSize != 1000 {
		t.Errorf("expected downloadedSize 1000, got %d", completed.Record.DownloadedSize)
	}
	if completed.Record.Origin != OriginManaged {
		t.Errorf("expected managed origin, got %s", completed.Record.Origin)
	}

	rec, err := repo.GetByModelID("tiny")
	if err != nil || rec == nil {
		t.Fatalf("expected persisted record, got %v / %v", rec, err)
	}
	if mgr.IsDownloading("tiny") {
		t.Error("tiny should no longer be downloading")
	}
}

func TestManager_WeightedProgress(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	if err := mgr.StartDownload(llamaDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	model := engine.handle("llama-3-2-1b-model")
	tokenizer := engine.handle("llama-3-2-1b-tokenizer")
	if model == nil || tokenizer == nil {
		t.Fatal("expected one transfer per asset")
	}

	model.begin(1 << 20)
	model.succeed()
	got := drainEvents(events)
	if ev := findEvent(got, EventProgress, "llama-3-2-1b"); ev == nil || ev.Percent != 80 {
		t.Fatalf("model alone should weigh 80, got %+v", got)
	}

	tokenizer.begin(100)
	tokenizer.succeed()
	got = drainEvents(events)
	if ev := findEvent(got, EventProgress, "llama-3-2-1b"); ev == nil || ev.Percent != 87 {
		t.Fatalf("model+tokenizer should round to 87, got %+v", got)
	}
}

func TestManager_ProgressNeverDecreases(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	h := engine.handle("tiny-model")
	h.begin(1000)

	last := -1
	for _, n := range []int64{100, 400, 300, 900, 1000} {
		h.progress(n)
		for _, ev := range drainEvents(events) {
			if ev.Type != EventProgress {
				continue
			}
			if ev.Percent < last {
				t.Fatalf("percent decreased: %d after %d", ev.Percent, last)
			}
			if ev.Percent < 0 || ev.Percent > 100 {
				t.Fatalf("percent out of bounds: %d", ev.Percent)
			}
			last = ev.Percent
		}
	}
}

func TestManager_QueueFIFO(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("StartDownload X: %v", err)
	}
	if err := mgr.StartDownload(llamaDescriptor); err != nil {
		t.Fatalf("StartDownload Y: %v", err)
	}

	if pos := mgr.QueuePosition("tiny"); pos != 0 {
		t.Errorf("active model should be at position 0, got %d", pos)
	}
	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 1 {
		t.Errorf("queued model should be at position 1, got %d", pos)
	}
	if pos := mgr.QueuePosition("missing"); pos != -1 {
		t.Errorf("absent model should be at position -1, got %d", pos)
	}
	if got := findEvent(drainEvents(events), EventQueued, "llama-3-2-1b"); got == nil {
		t.Error("expected a queued event for the waiting model")
	}

	// No transfers for the queued model yet.
	if engine.handle("llama-3-2-1b-model") != nil {
		t.Fatal("queued model must not have transfers")
	}

	h := engine.handle("tiny-model")
	h.begin(10)
	h.succeed()

	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 0 {
		t.Errorf("queue should have advanced, got position %d", pos)
	}
	if engine.handle("llama-3-2-1b-model") == nil {
		t.Fatal("queue advance should have started the next model")
	}
}

func TestManager_CancelQueued(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	mgr.StartDownload(tinyDescriptor)
	mgr.StartDownload(llamaDescriptor)
	drainEvents(events)

	if !mgr.CancelDownload("llama-3-2-1b") {
		t.Fatal("cancel of queued model should report true")
	}

	got := drainEvents(events)
	if findEvent(got, EventCancelled, "llama-3-2-1b") == nil {
		t.Errorf("expected cancelled event, got %+v", got)
	}
	if findEvent(got, EventFailed, "llama-3-2-1b") != nil {
		t.Error("cancellation must not be reported as failure")
	}
	if engine.handle("llama-3-2-1b-model") != nil {
		t.Error("cancelling a queued model must not touch the engine")
	}
	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != -1 {
		t.Errorf("cancelled model should be absent, got %d", pos)
	}
}

func TestManager_CancelActive(t *testing.T) {
	mgr, engine, repo := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	mgr.StartDownload(llamaDescriptor)
	drainEvents(events)

	// Simulate bytes already on disk.
	dir := mgr.modelDir("llama-3-2-1b")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "llama.gguf.part"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !mgr.CancelDownload("llama-3-2-1b") {
		t.Fatal("cancel of active model should report true")
	}

	got := drainEvents(events)
	if findEvent(got, EventCancelled, "llama-3-2-1b") == nil {
		t.Errorf("expected cancelled event, got %+v", got)
	}

	for _, key := range []string{"model", "tokenizer", "tokenizerConfig", "mmproj"} {
		h := engine.handle("llama-3-2-1b-" + key)
		if h == nil {
			t.Fatalf("missing handle for %s", key)
		}
		if !h.isAborted() {
			t.Errorf("handle %s was not aborted", key)
		}
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("model directory should be gone after cancel")
	}
	if rec, _ := repo.GetByModelID("llama-3-2-1b"); rec != nil {
		t.Error("no record should survive a cancel")
	}
	if mgr.IsDownloading("llama-3-2-1b") {
		t.Error("cancelled model should not be downloading")
	}

	t.Run("second cancel is a no-op", func(t *testing.T) {
		if mgr.CancelDownload("llama-3-2-1b") {
			t.Error("nothing left to cancel")
		}
	})
}

func TestManager_TransferFailure(t *testing.T) {
	mgr, engine, repo := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	mgr.StartDownload(llamaDescriptor)
	drainEvents(events)

	dir := mgr.modelDir("llama-3-2-1b")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644)

	engine.handle("llama-3-2-1b-tokenizer").fail(errors.New("connection reset"))

	got := drainEvents(events)
	failed := findEvent(got, EventFailed, "llama-3-2-1b")
	if failed == nil {
		t.Fatalf("expected failed event, got %+v", got)
	}
	var terr *TransferError
	if !errors.As(failed.Err, &terr) || terr.Asset != AssetTokenizer {
		t.Errorf("expected TransferError for tokenizer, got %v", failed.Err)
	}
	if findEvent(got, EventCancelled, "llama-3-2-1b") != nil {
		t.Error("failure must not be reported as cancellation")
	}

	if h := engine.handle("llama-3-2-1b-model"); !h.isAborted() {
		t.Error("sibling transfers should be aborted on failure")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("partial files should be removed on failure")
	}
	if rec, _ := repo.GetByModelID("llama-3-2-1b"); rec != nil {
		t.Error("no record should survive a failure")
	}
	if mgr.IsDownloading("llama-3-2-1b") {
		t.Error("failed model should not be downloading")
	}
}

func TestManager_FailureAdvancesQueue(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)

	mgr.StartDownload(tinyDescriptor)
	mgr.StartDownload(llamaDescriptor)

	engine.handle("tiny-model").fail(errors.New("boom"))

	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 0 {
		t.Errorf("queue should advance past a failed model, got position %d", pos)
	}
}

func TestManager_ParallelPolicy(t *testing.T) {
	mgr, engine, _ := newTestManager(t, true)

	mgr.StartDownload(tinyDescriptor)
	mgr.StartDownload(llamaDescriptor)

	if got := mgr.ActiveDownloadIDs(); len(got) != 2 {
		t.Fatalf("parallel policy should run both, got %v", got)
	}
	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 0 {
		t.Errorf("parallel downloads are all position 0, got %d", pos)
	}
	if engine.handle("tiny-model") == nil || engine.handle("llama-3-2-1b-model") == nil {
		t.Error("both models should have live transfers")
	}
}

func TestManager_ImportLocalModel(t *testing.T) {
	mgr, _, repo := newTestManager(t, false)

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "custom.gguf")
	if err := os.WriteFile(modelPath, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := mgr.ImportLocalModel("Custom Model", "local", "llm",
		map[string]string{AssetModel: modelPath})
	if err != nil {
		t.Fatalf("ImportLocalModel: %v", err)
	}
	if rec.Origin != OriginImported {
		t.Errorf("expected imported origin, got %s", rec.Origin)
	}
	if rec.DownloadedSize != int64(len("weights")) {
		t.Errorf("unexpected size %d", rec.DownloadedSize)
	}

	t.Run("delete keeps user files", func(t *testing.T) {
		if err := mgr.DeleteDownloadedModel(rec.ModelID); err != nil {
			t.Fatalf("DeleteDownloadedModel: %v", err)
		}
		if _, err := os.Stat(modelPath); err != nil {
			t.Error("imported file must survive deletion")
		}
		if got, _ := repo.GetByModelID(rec.ModelID); got != nil {
			t.Error("record should be gone")
		}
	})

	t.Run("missing model asset", func(t *testing.T) {
		_, err := mgr.ImportLocalModel("No Weights", "local", "llm",
			map[string]string{AssetTokenizer: modelPath})
		if !errors.Is(err, ErrMissingModelAsset) {
			t.Errorf("expected ErrMissingModelAsset, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := mgr.ImportLocalModel("Ghost", "local", "llm",
			map[string]string{AssetModel: filepath.Join(dir, "nope.gguf")})
		var ierr *ImportError
		if !errors.As(err, &ierr) {
			t.Errorf("expected ImportError, got %v", err)
		}
	})
}

func TestManager_DeleteDownloadedModel(t *testing.T) {
	mgr, _, repo := newTestManager(t, false)

	t.Run("managed model loses files and record", func(t *testing.T) {
		dir := mgr.modelDir("tiny")
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "tiny.gguf"), []byte("w"), 0o644)
		repo.Create(DownloadedModelRecord{
			ModelID: "tiny", Origin: OriginManaged, Status: RecordCompleted,
			AssetPaths: map[string]string{AssetModel: filepath.Join(dir, "tiny.gguf")},
		})

		if err := mgr.DeleteDownloadedModel("tiny"); err != nil {
			t.Fatalf("DeleteDownloadedModel: %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Error("managed files should be removed")
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		err := mgr.DeleteDownloadedModel("never-downloaded")
		if !errors.Is(err, ErrNotDownloaded) {
			t.Errorf("expected ErrNotDownloaded, got %v", err)
		}
	})
}

func TestManager_StartDownloadStorageDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	dir := t.TempDir()
	modelsDir := filepath.Join(dir, "models")
	if err := os.Mkdir(modelsDir, 0o555); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(modelsDir, 0o755) })

	repo, err := NewFileRepository(filepath.Join(dir, "state", "records.json"))
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	cfg := DefaultSettings()
	cfg.ModelsDir = modelsDir
	engine := &fakeEngine{}
	mgr := New(cfg, NewStaticCatalog([]ModelDescriptor{tinyDescriptor}), engine, repo, nil)

	err = mgr.StartDownload(tinyDescriptor)
	if !errors.Is(err, ErrStorageDenied) {
		t.Fatalf("StartDownload error = %v, want ErrStorageDenied", err)
	}
	if mgr.IsDownloading("tiny") {
		t.Error("no session should exist after a storage denial")
	}
	if engine.createdCount() != 0 {
		t.Errorf("created %d transfers, want 0", engine.createdCount())
	}
}

func TestManager_ProgressEventsStayOrderedAcrossGoroutines(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)

	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	if err := mgr.StartDownload(llamaDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	model := engine.handle("llama-3-2-1b-model")
	tokenizer := engine.handle("llama-3-2-1b-tokenizer")
	model.begin(1000)
	tokenizer.begin(1000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for n := int64(25); n <= 1000; n += 25 {
			model.progress(n)
		}
	}()
	go func() {
		defer wg.Done()
		for n := int64(200); n <= 1000; n += 200 {
			tokenizer.progress(n)
		}
	}()
	wg.Wait()

	last := -1
	for _, ev := range drainEvents(events) {
		if ev.Type != EventProgress {
			continue
		}
		if ev.Percent < last {
			t.Fatalf("observed percent %d after %d", ev.Percent, last)
		}
		last = ev.Percent
	}
	if last < 80 {
		t.Fatalf("final observed percent = %d, want at least 80", last)
	}
}
