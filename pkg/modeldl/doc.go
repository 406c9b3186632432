// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package modeldl downloads multi-file machine-learning model artifacts
(weights, tokenizer, tokenizer config, optional projector files) to local
storage and keeps them consistent across process restarts.

# Features

  - Multi-asset downloads: one logical model, several files, one weighted
    0-100 completion percent
  - Scheduling: idempotent starts, per-model exclusivity, a single-flight
    FIFO queue (default) or fully parallel starts
  - Crash recovery: transfers journal their state so a restarted process can
    reattach and resume them where they left off
  - Clean failure: any asset error or user cancel aborts the rest, deletes
    partial files, and leaves no dangling metadata
  - Event stream: queued/progress/completed/failed/cancelled events with any
    number of subscribers

# Quick Start

	catalog, err := modeldl.LoadCatalog("catalog.yaml")
	if err != nil {
		log.Fatal(err)
	}

	cfg := modeldl.DefaultSettings()
	cfg.ModelsDir = "./Models"

	engine, err := modeldl.NewHTTPEngine(filepath.Join(cfg.ModelsDir, ".modelflux"), cfg)
	if err != nil {
		log.Fatal(err)
	}
	repo, err := modeldl.NewFileRepository(filepath.Join(cfg.ModelsDir, ".modelflux", "records.json"))
	if err != nil {
		log.Fatal(err)
	}

	mgr := modeldl.New(cfg, catalog, engine, repo, nil)

	// Resume anything that survived the previous process lifetime.
	if err := mgr.ReattachBackgroundDownloads(); err != nil {
		log.Print(err)
	}

	events := mgr.Subscribe()
	go func() {
		for ev := range events {
			fmt.Printf("%s %s %d%%\n", ev.Type, ev.ModelID, ev.Percent)
		}
	}()

	desc, _ := catalog.FindByID("llama-3-2-1b")
	if err := mgr.StartDownload(desc); err != nil {
		log.Fatal(err)
	}

# Progress weighting

The "model" asset carries 80 of the 100 points; the remaining 20 are split
evenly over whatever other assets a descriptor names. A model-only descriptor
therefore carries the full 100. The percent never decreases within a
session's lifetime and reaches 100 exactly when the last asset lands.

# Cancellation

Cancel is cooperative: live transfers are asked to abort and cleanup waits
for acknowledgement, bounded by a grace period. A cancelled download reports
a distinct cancelled event, never a failure.
*/
package modeldl
