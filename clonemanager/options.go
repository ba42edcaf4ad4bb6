/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"time"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/objectwriter"
)

const (
	// defaultPlaceholder is the file the hosting service generates when a
	// repository is created with auto-initialization.
	defaultPlaceholder = "README.md"

	defaultWriteDelay         = 250 * time.Millisecond
	defaultConflictRetryDelay = time.Second
	defaultReadyAttempts      = 5
	defaultReadyDelay         = 2 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithReader replaces the template reader. Primarily for tests that need
// tighter batch settings.
func WithReader(r *contentreader.Reader) Option {
	return func(m *Manager) {
		m.reader = r
	}
}

// WithWriter replaces the git object writer.
func WithWriter(w *objectwriter.Writer) Option {
	return func(m *Manager) {
		m.writer = w
	}
}

// WithWriteDelay sets the pause between consecutive per-file writes. Each
// write advances the target branch, and writes issued too quickly trip the
// hosting API's secondary rate limits.
func WithWriteDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.writeDelay = d
	}
}

// WithConflictRetryDelay sets how long a conflicted per-file write waits
// before its single retry.
func WithConflictRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.conflictRetryDelay = d
	}
}

// WithReadiness sets how often and how long the git database strategy polls
// a freshly created repository before writing objects to it.
func WithReadiness(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.readyAttempts = attempts
		}
		m.readyDelay = delay
	}
}

// WithPlaceholder overrides the path of the generated placeholder file.
func WithPlaceholder(path string) Option {
	return func(m *Manager) {
		m.placeholder = path
	}
}
