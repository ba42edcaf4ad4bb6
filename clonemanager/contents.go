/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/syncmark"
	"github.com/graftdev/graft/writequeue"
)

// cloneWithContents creates the target repository and writes each template
// file as its own commit through the contents endpoints. Writes are
// serialized through a queue because every write advances the branch head,
// and concurrent writes race each other into conflicts. The created
// repository is returned even when writing fails so the fallback strategy
// can reuse it instead of colliding with the name.
func (m *Manager) cloneWithContents(ctx context.Context, req CloneRequest, snap *contentreader.Snapshot) (*github.Repository, int, error) {
	log := clog.FromContext(ctx)

	repo, err := m.createRepository(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	owner, name := repo.GetOwner().GetLogin(), repo.GetName()
	branch := defaultBranch(repo)

	if len(snap.Files) == 0 {
		log.Infof("Template %s/%s has no files, keeping the generated placeholder", req.SourceOwner, req.SourceRepo)
		return repo, 0, nil
	}

	// Auto-initialization seeds the repository with a placeholder file.
	// When the template carries a file at the same path the placeholder has
	// to go first, otherwise the create call for that path rejects.
	if snapshotHasPath(snap, m.placeholder) {
		if err := m.deletePlaceholder(ctx, owner, name, branch); err != nil {
			return repo, 0, err
		}
	}

	queue := writequeue.New(writequeue.WithDelay(m.writeDelay))
	defer queue.Close()

	var written, skipped int
	for _, f := range snap.Files {
		err := queue.Submit(ctx, func(ctx context.Context) error {
			return m.writeFile(ctx, owner, name, branch, f, snap.CommitSHA)
		})
		if err != nil {
			if ctx.Err() != nil {
				return repo, written, ctx.Err()
			}
			log.Warnf("Skipping %s after repeated write failures: %v", f.Path, err)
			skipped++
			continue
		}
		written++
	}
	fileCounter.WithLabelValues(strategyContents, stateWritten).Add(float64(written))
	fileCounter.WithLabelValues(strategyContents, stateSkipped).Add(float64(skipped))

	if written == 0 {
		return repo, 0, fmt.Errorf("all %d file writes into %s/%s failed", len(snap.Files), owner, name)
	}
	if skipped > 0 {
		log.Warnf("Wrote %d of %d files into %s/%s, %d skipped", written, len(snap.Files), owner, name, skipped)
	} else {
		log.Infof("Wrote %d files into %s/%s", written, owner, name)
	}
	return repo, written, nil
}

// writeFile creates one template file as one commit. A conflicting
// current-state token gets a single retry after a settling delay, with the
// path's sha re-read so the retry updates instead of re-creating.
func (m *Manager) writeFile(ctx context.Context, owner, repo, branch string, f contentreader.File, templateSHA string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(syncmark.FileImportMessage(f.Path, templateSHA)),
		Content: []byte(f.Content),
		Branch:  github.Ptr(branch),
	}
	_, _, err := m.target.Repositories.CreateFile(ctx, owner, repo, f.Path, opts)
	if err == nil || !isWriteConflict(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.conflictRetryDelay):
	}

	content, _, _, readErr := m.target.Repositories.GetContents(ctx, owner, repo, f.Path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if readErr == nil && content != nil {
		opts.SHA = github.Ptr(content.GetSHA())
	}
	_, _, err = m.target.Repositories.CreateFile(ctx, owner, repo, f.Path, opts)
	return err
}

// deletePlaceholder removes the auto-generated file so the template's copy
// can take its place. A placeholder that never existed is fine.
func (m *Manager) deletePlaceholder(ctx context.Context, owner, repo, branch string) error {
	content, _, _, err := m.target.Repositories.GetContents(ctx, owner, repo, m.placeholder,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		if isMissingContent(err) {
			return nil
		}
		return fmt.Errorf("reading placeholder %s: %w", m.placeholder, err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(fmt.Sprintf("Remove generated %s placeholder", m.placeholder)),
		SHA:     github.Ptr(content.GetSHA()),
		Branch:  github.Ptr(branch),
	}
	if _, _, err := m.target.Repositories.DeleteFile(ctx, owner, repo, m.placeholder, opts); err != nil {
		return fmt.Errorf("deleting placeholder %s: %w", m.placeholder, err)
	}
	clog.FromContext(ctx).Debugf("Removed generated %s placeholder", m.placeholder)
	return nil
}

func snapshotHasPath(snap *contentreader.Snapshot, path string) bool {
	for _, f := range snap.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

// isWriteConflict matches the two shapes a contended contents write takes:
// a conflict on the branch's current-state token, and a validation reject
// because the path already exists and the write carried no sha.
func isWriteConflict(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		return false
	}
	return ge.Response.StatusCode == http.StatusConflict ||
		ge.Response.StatusCode == http.StatusUnprocessableEntity
}

func isMissingContent(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		return false
	}
	return ge.Response.StatusCode == http.StatusNotFound
}
