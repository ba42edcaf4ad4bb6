/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/syncmark"
)

// cloneWithGitData imports the template through the git database endpoints:
// one tree holding every file, one parentless commit, and a forced advance
// of the default branch. All or nothing, so a half-written target cannot
// result. The repository is reused when the per-file strategy already
// created it; otherwise it is created here.
func (m *Manager) cloneWithGitData(ctx context.Context, req CloneRequest, snap *contentreader.Snapshot, repo *github.Repository) (*github.Repository, int, error) {
	log := clog.FromContext(ctx)

	if repo == nil {
		var err error
		if repo, err = m.createRepository(ctx, req); err != nil {
			return nil, 0, err
		}
	}
	owner, name := repo.GetOwner().GetLogin(), repo.GetName()

	// Fresh repositories are eventually consistent. Writing git objects
	// before the repository is queryable fails with spurious conflicts.
	if err := m.awaitQueryable(ctx, owner, name); err != nil {
		return repo, 0, err
	}

	if len(snap.Files) == 0 {
		log.Infof("Template %s/%s has no files, keeping the generated placeholder", req.SourceOwner, req.SourceRepo)
		return repo, 0, nil
	}

	tree, err := m.writer.WriteTree(ctx, owner, name, snap.Files, "")
	if err != nil {
		return repo, 0, fmt.Errorf("building template tree: %w", err)
	}
	fileCounter.WithLabelValues(strategyGitData, stateWritten).Add(float64(tree.Written + tree.Reused))
	fileCounter.WithLabelValues(strategyGitData, stateSkipped).Add(float64(len(tree.Skipped)))

	message := syncmark.ImportMessage(req.SourceOwner+"/"+req.SourceRepo, snap.CommitSHA)
	commit, err := m.writer.Commit(ctx, owner, name, tree.SHA, message, nil)
	if err != nil {
		return repo, 0, fmt.Errorf("committing template import: %w", err)
	}

	branch := defaultBranch(repo)
	if err := m.writer.AdvanceRef(ctx, owner, name, branch, commit, true); err != nil {
		return repo, 0, err
	}

	written := tree.Written + tree.Reused
	log.Infof("Imported %d files into %s/%s@%s at %s", written, owner, name, branch, commit)
	return repo, written, nil
}

// awaitQueryable polls until the repository answers reads, bounded by the
// configured attempt budget.
func (m *Manager) awaitQueryable(ctx context.Context, owner, name string) error {
	var last error
	for attempt := 1; attempt <= m.readyAttempts; attempt++ {
		_, _, err := m.target.Repositories.Get(ctx, owner, name)
		if err == nil {
			return nil
		}
		last = err
		if attempt == m.readyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.readyDelay):
		}
	}
	return fmt.Errorf("repository %s/%s not queryable after %d attempts: %w", owner, name, m.readyAttempts, last)
}
