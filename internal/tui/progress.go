// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders live download progress on an interactive terminal,
// with a plain-text fallback for pipes and dumb terminals.
package tui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"

	"github.com/HarshalKudale/modelflux/pkg/modeldl"
)

// barTemplate renders "model-id  [████░░░] 42%" sized to the terminal.
const barTemplate = `{{ string . "model" | cyan }} {{ bar . "[" "█" "█" "░" "]" }} {{ percent . }}`

// Renderer consumes manager events and draws one progress bar per model.
// Downloads run one at a time under the FIFO policy, so a single live bar is
// the common case; when models overlap the bar follows whichever reported
// progress last.
type Renderer struct {
	mu          sync.Mutex
	interactive bool
	closed      bool

	current string
	bar     *pb.ProgressBar
}

// NewRenderer creates a renderer. Interactive mode needs a terminal on
// stdout and TERM other than dumb.
func NewRenderer() *Renderer {
	return &Renderer{
		interactive: term.IsTerminal(int(os.Stdout.Fd())) &&
			strings.ToLower(os.Getenv("TERM")) != "dumb" &&
			os.Getenv("NO_COLOR") == "",
	}
}

// Handle processes one manager event.
func (r *Renderer) Handle(ev modeldl.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch ev.Type {
	case modeldl.EventQueued:
		fmt.Printf("queued: %s\n", ev.ModelID)

	case modeldl.EventProgress:
		if !r.interactive {
			fmt.Printf("%s: %d%%\n", ev.ModelID, ev.Percent)
			return
		}
		r.barFor(ev.ModelID).SetCurrent(int64(ev.Percent))

	case modeldl.EventCompleted:
		r.finishBar(ev.ModelID, 100)
		name := ev.ModelID
		if ev.Record != nil && ev.Record.Name != "" {
			name = ev.Record.Name
		}
		fmt.Printf("✓ %s\n", name)

	case modeldl.EventFailed:
		r.finishBar(ev.ModelID, -1)
		fmt.Fprintf(os.Stderr, "✗ %s: %s\n", ev.ModelID, ev.Message)

	case modeldl.EventCancelled:
		r.finishBar(ev.ModelID, -1)
		fmt.Printf("cancelled: %s\n", ev.ModelID)
	}
}

// Close finishes any live bar and stops rendering.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
}

// barFor returns the live bar for a model, replacing the previous model's
// bar when a different one starts reporting. Callers hold r.mu.
func (r *Renderer) barFor(modelID string) *pb.ProgressBar {
	if r.bar != nil && r.current == modelID {
		return r.bar
	}
	if r.bar != nil {
		r.bar.Finish()
	}
	r.current = modelID
	r.bar = pb.ProgressBarTemplate(barTemplate).Start64(100)
	r.bar.Set("model", modelID)
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		r.bar.SetWidth(w)
	}
	return r.bar
}

// finishBar closes the bar for a model if it is the live one. percent < 0
// leaves the bar where it stopped. Callers hold r.mu.
func (r *Renderer) finishBar(modelID string, percent int64) {
	if r.bar == nil || r.current != modelID {
		return
	}
	if percent >= 0 {
		r.bar.SetCurrent(percent)
	}
	r.bar.Finish()
	r.bar = nil
	r.current = ""
}
