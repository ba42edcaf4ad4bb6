/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package syncmanager keeps provisioned repositories up to date with the
// templates they were cloned from. Drift detection is a read-only scan: the
// target's commit history is searched for the newest sync anchor (a commit
// message carrying the template-sha trailer) and the template's head is
// compared against it. Replay re-enumerates the template's entire current
// file set, filters a denylist, and lands one commit on the target, either
// directly on the tracked branch or on a review branch with a pull request.
// There is no stored sync state anywhere: commit history is the state.
package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/objectwriter"
)

const (
	// branchPrefix names review branches. Drift checks use it to find a
	// sync pull request that is still open.
	branchPrefix = "template-sync/"

	defaultHistoryDepth = 100

	fallbackBranch = "main"
)

// TemplateCommit describes the template head a drift check or sync ran
// against.
type TemplateCommit struct {
	SHA     string
	Message string
	Author  string
	Date    time.Time
}

// Manager detects and replays template drift. Reads go through the source
// client, writes through the target client.
type Manager struct {
	target  *github.Client
	source  *github.Client
	graphql *githubv4.Client

	reader   *contentreader.Reader
	writer   *objectwriter.Writer
	denylist *Denylist

	historyDepth int
}

// Option configures a Manager.
type Option func(*Manager)

// WithGraphQL supplies the GraphQL client used to discover already-open sync
// pull requests during drift checks. Without one, discovery is skipped.
func WithGraphQL(c *githubv4.Client) Option {
	return func(m *Manager) {
		m.graphql = c
	}
}

// WithReader replaces the template reader.
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

// WithDenylist replaces the path denylist applied before replay.
func WithDenylist(d *Denylist) Option {
	return func(m *Manager) {
		m.denylist = d
	}
}

// WithHistoryDepth bounds how many target commits an anchor scan reads.
func WithHistoryDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyDepth = n
		}
	}
}

// New creates a Manager over the given clients.
func New(target, source *github.Client, opts ...Option) (*Manager, error) {
	switch {
	case target == nil:
		return nil, errors.New("target client must not be nil")
	case source == nil:
		return nil, errors.New("source client must not be nil")
	}

	m := &Manager{
		target:       target,
		source:       source,
		historyDepth: defaultHistoryDepth,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reader == nil {
		m.reader = contentreader.New(source)
	}
	if m.writer == nil {
		m.writer = objectwriter.New(target)
	}
	if m.denylist == nil {
		m.denylist = DefaultDenylist()
	}
	return m, nil
}

// templateHead resolves the template's current head commit on ref. Empty ref
// means the template's default branch. A missing repository or ref returns
// nil without error: a vanished template is "nothing to sync", not a
// failure.
func (m *Manager) templateHead(ctx context.Context, owner, repo, ref string) (*TemplateCommit, error) {
	if ref == "" {
		src, _, err := m.source.Repositories.Get(ctx, owner, repo)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading template repository %s/%s: %w", owner, repo, err)
		}
		ref = src.GetDefaultBranch()
		if ref == "" {
			ref = fallbackBranch
		}
	}

	rc, _, err := m.source.Repositories.GetCommit(ctx, owner, repo, ref, nil)
	if err != nil {
		if isNotFound(err) || isEmptyRepository(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading template head %s/%s@%s: %w", owner, repo, ref, err)
	}

	commit := rc.GetCommit()
	return &TemplateCommit{
		SHA:     rc.GetSHA(),
		Message: commit.GetMessage(),
		Author:  commit.GetAuthor().GetName(),
		Date:    commit.GetAuthor().GetDate().Time,
	}, nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		return code == http.StatusNotFound || code == http.StatusUnprocessableEntity
	}
	return false
}

// isEmptyRepository matches the conflict raised when commit data is
// requested from a repository with no commits.
func isEmptyRepository(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == http.StatusConflict &&
			strings.Contains(strings.ToLower(ghErr.Message), "empty")
	}
	return false
}
