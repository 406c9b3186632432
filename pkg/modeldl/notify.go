// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "log"

// Notifier surfaces download lifecycle messages to the user. Implementations
// are best-effort: failures are swallowed and core logic never blocks on one.
type Notifier interface {
	// Show posts or replaces the notification for a model.
	Show(modelID, title, body string)

	// Dismiss removes the notification for a model, if any.
	Dismiss(modelID string)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Show(modelID, title, body string) {}
func (NoopNotifier) Dismiss(modelID string)           {}

// LogNotifier writes notifications to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Show(modelID, title, body string) {
	log.Printf("[notify] %s: %s: %s", modelID, title, body)
}

func (LogNotifier) Dismiss(modelID string) {}
