// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReattach_ResumesSurvivingTasks(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	dir := mgr.modelDir("llama-3-2-1b")
	engine.surviving = []Task{
		{
			ID:          "llama-3-2-1b-model",
			URL:         llamaDescriptor.Assets[AssetModel],
			Destination: filepath.Join(dir, "llama.gguf"),
			Total:       1000,
			Downloaded:  400,
		},
	}

	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		t.Fatalf("ReattachBackgroundDownloads: %v", err)
	}

	if !mgr.IsDownloading("llama-3-2-1b") {
		t.Fatal("reattached model should be downloading")
	}
	if pos := mgr.QueuePosition("llama-3-2-1b"); pos != 0 {
		t.Errorf("reattached session bypasses the queue, got position %d", pos)
	}

	// The surviving asset is reattached, the other three started fresh.
	for _, key := range []string{"model", "tokenizer", "tokenizerConfig", "mmproj"} {
		h := engine.handle("llama-3-2-1b-" + key)
		if h == nil {
			t.Fatalf("missing handle for %s", key)
		}
		if !h.started {
			t.Errorf("handle %s was not started", key)
		}
	}
	if h := engine.handle("llama-3-2-1b-model"); h.downloaded != 400 || h.total != 1000 {
		t.Errorf("model handle not seeded from the surviving task: %d/%d",
			h.downloaded, h.total)
	}

	// An immediate progress event carries the reconciled state:
	// 80 * 400/1000 = 32.
	got := drainEvents(events)
	if ev := findEvent(got, EventProgress, "llama-3-2-1b"); ev == nil || ev.Percent != 32 {
		t.Errorf("expected immediate 32%% progress event, got %+v", got)
	}
}

func TestReattach_DiscardsOrphans(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	engine.surviving = []Task{
		{ID: "unknown-model-tokenizer", URL: "https://example.com/tok.json"},
		{ID: "garbage", URL: "https://example.com/x"},
		// Known model, but the descriptor has no such asset.
		{ID: "tiny-mmproj", URL: "https://example.com/p.gguf"},
	}

	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		t.Fatalf("ReattachBackgroundDownloads: %v", err)
	}

	if len(engine.discarded) != 3 {
		t.Errorf("expected 3 discards, got %v", engine.discarded)
	}
	if got := drainEvents(events); len(got) != 0 {
		t.Errorf("orphan discard must emit no events, got %+v", got)
	}
	if mgr.IsDownloading("unknown-model") || mgr.IsDownloading("tiny") {
		t.Error("no session should exist for discarded tasks")
	}
}

func TestReattach_CountsFinishedFilesAsComplete(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	// Tokenizer landed before the restart; its final file exists and its
	// journal entry is gone.
	dir := mgr.modelDir("llama-3-2-1b")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine.surviving = []Task{
		{
			ID:          "llama-3-2-1b-model",
			URL:         llamaDescriptor.Assets[AssetModel],
			Destination: filepath.Join(dir, "llama.gguf"),
			Total:       1000,
			Downloaded:  1000,
		},
	}

	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		t.Fatalf("ReattachBackgroundDownloads: %v", err)
	}

	// No new transfer for the finished tokenizer.
	if engine.handle("llama-3-2-1b-tokenizer") != nil {
		t.Error("finished asset must not be downloaded again")
	}
	// The remaining two assets started fresh.
	if engine.handle("llama-3-2-1b-tokenizerConfig") == nil ||
		engine.handle("llama-3-2-1b-mmproj") == nil {
		t.Error("unfinished assets should get fresh transfers")
	}

	// Model bytes complete (80) plus tokenizer done (20/3), still capped
	// below 100 because two assets remain.
	got := drainEvents(events)
	if ev := findEvent(got, EventProgress, "llama-3-2-1b"); ev == nil || ev.Percent != 87 {
		t.Errorf("expected 87%% after reconciliation, got %+v", got)
	}
}

func TestReattach_Idempotent(t *testing.T) {
	mgr, engine, _ := newTestManager(t, false)

	if err := mgr.StartDownload(tinyDescriptor); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	before := engine.createdCount()

	engine.surviving = []Task{
		{ID: "tiny-model", URL: tinyDescriptor.Assets[AssetModel]},
	}
	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		t.Fatalf("ReattachBackgroundDownloads: %v", err)
	}

	if got := engine.createdCount(); got != before {
		t.Errorf("active model must not be reattached again: %d transfers, want %d",
			got, before)
	}
}

func TestReattach_NoSurvivors(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		t.Fatalf("ReattachBackgroundDownloads: %v", err)
	}
	if got := mgr.ActiveDownloadIDs(); len(got) != 0 {
		t.Errorf("no sessions expected, got %v", got)
	}
}
