/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package objectwriter builds git objects (blobs, trees, commits) in a
// target repository through the hosting API and moves branch refs onto the
// commits it creates. Blob uploads run in bounded parallel batches with
// per-blob retries; files whose blobs cannot be written after the retry
// budget are excluded from the tree rather than failing the whole write.
package objectwriter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/go-github/v75/github"
	"golang.org/x/sync/errgroup"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/retry"
)

const (
	defaultBatchSize  = 5
	defaultBatchDelay = 200 * time.Millisecond
	defaultFileMode   = "100644"
)

// Writer creates git objects in target repositories.
type Writer struct {
	client *github.Client

	batchSize       int
	batchDelay      time.Duration
	blobRetry       retry.Config
	firstWriteDelay time.Duration
}

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize bounds how many blobs are created in parallel per batch.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between consecutive blob batches.
func WithBatchDelay(d time.Duration) Option {
	return func(w *Writer) {
		w.batchDelay = d
	}
}

// WithBlobRetry overrides the per-blob retry budget.
func WithBlobRetry(cfg retry.Config) Option {
	return func(w *Writer) {
		w.blobRetry = cfg
	}
}

// WithFirstWriteDelay inserts a pause before the first blob write. Freshly
// created repositories reject git-data writes for a short window, and the
// pause absorbs it.
func WithFirstWriteDelay(d time.Duration) Option {
	return func(w *Writer) {
		w.firstWriteDelay = d
	}
}

// New returns a Writer backed by the given client.
func New(client *github.Client, opts ...Option) *Writer {
	w := &Writer{
		client:     client,
		batchSize:  defaultBatchSize,
		batchDelay: defaultBatchDelay,
		blobRetry:  retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// TreeResult reports what a WriteTree call produced.
type TreeResult struct {
	// SHA is the created tree.
	SHA string
	// Written counts blobs uploaded for this tree.
	Written int
	// Reused counts files whose content already existed in the base tree,
	// carried over by sha without an upload.
	Reused int
	// Skipped lists files excluded because their blob could not be written
	// within the retry budget.
	Skipped []string
}

// WriteTree uploads blobs for files and creates a tree referencing them.
// When baseTree is non-empty the tree is built on top of it, preserving
// entries not named in files; if the base turns out stale the tree is
// retried once without it.
func (w *Writer) WriteTree(ctx context.Context, owner, repo string, files []contentreader.File, baseTree string) (*TreeResult, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to write")
	}
	log := clog.FromContext(ctx).With("owner", owner).With("repo", repo)

	baseSHAs := w.baseTreeSHAs(ctx, owner, repo, baseTree)

	result := &TreeResult{}
	entries := make([]*github.TreeEntry, len(files))
	written := make([]bool, len(files))

	wrote := false
	for start := 0; start < len(files); start += w.batchSize {
		end := min(start+w.batchSize, len(files))

		if !wrote && w.firstWriteDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.firstWriteDelay):
			}
		}
		wrote = true

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				f := files[i]
				mode := f.Mode
				if mode == "" {
					mode = defaultFileMode
				}

				// Content already present under this path needs no upload.
				localSHA := plumbing.ComputeHash(plumbing.BlobObject, []byte(f.Content)).String()
				if baseSHAs[f.Path] == localSHA {
					entries[i] = &github.TreeEntry{
						Path: github.Ptr(f.Path),
						Mode: github.Ptr(mode),
						Type: github.Ptr("blob"),
						SHA:  github.Ptr(localSHA),
					}
					return nil
				}

				sha, err := retry.Do(gctx, w.blobRetry, "create blob", isRetryableWrite, func() (string, error) {
					blob, _, err := w.client.Git.CreateBlob(gctx, owner, repo, &github.Blob{
						Content:  github.Ptr(f.Content),
						Encoding: github.Ptr("utf-8"),
					})
					if err != nil {
						return "", err
					}
					return blob.GetSHA(), nil
				})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.With("path", f.Path).With("error", err.Error()).
						Warn("Excluding file, blob write failed")
					return nil
				}

				entries[i] = &github.TreeEntry{
					Path: github.Ptr(f.Path),
					Mode: github.Ptr(mode),
					Type: github.Ptr("blob"),
					SHA:  github.Ptr(sha),
				}
				written[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("writing blobs to %s/%s: %w", owner, repo, err)
		}

		if end < len(files) && w.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.batchDelay):
			}
		}
	}

	var treeEntries []*github.TreeEntry
	for i, entry := range entries {
		switch {
		case entry == nil:
			result.Skipped = append(result.Skipped, files[i].Path)
		case written[i]:
			result.Written++
			treeEntries = append(treeEntries, entry)
		default:
			result.Reused++
			treeEntries = append(treeEntries, entry)
		}
	}
	if len(treeEntries) == 0 {
		return nil, fmt.Errorf("no blobs written to %s/%s: all %d files failed", owner, repo, len(files))
	}

	tree, _, err := w.client.Git.CreateTree(ctx, owner, repo, baseTree, treeEntries)
	if err != nil && baseTree != "" && isStaleBase(err) {
		log.With("base_tree", baseTree).With("error", err.Error()).
			Warn("Base tree rejected, rebuilding tree without it")
		tree, _, err = w.client.Git.CreateTree(ctx, owner, repo, "", treeEntries)
	}
	if err != nil {
		return nil, fmt.Errorf("creating tree in %s/%s: %w", owner, repo, err)
	}

	result.SHA = tree.GetSHA()
	log.With("tree", result.SHA).
		Infof("Built tree: %d written, %d reused, %d skipped", result.Written, result.Reused, len(result.Skipped))
	return result, nil
}

// baseTreeSHAs reads the base tree's path to blob-sha mapping for reuse
// detection. Failures only disable reuse.
func (w *Writer) baseTreeSHAs(ctx context.Context, owner, repo, baseTree string) map[string]string {
	if baseTree == "" {
		return nil
	}
	tree, _, err := w.client.Git.GetTree(ctx, owner, repo, baseTree, true)
	if err != nil {
		clog.FromContext(ctx).With("base_tree", baseTree).With("error", err.Error()).
			Debug("Could not read base tree, blob reuse disabled")
		return nil
	}
	shas := make(map[string]string, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			shas[entry.GetPath()] = entry.GetSHA()
		}
	}
	return shas
}

// Commit creates a commit object pointing at treeSHA. It does not move any
// ref; pair with AdvanceRef or CreateBranch.
func (w *Writer) Commit(ctx context.Context, owner, repo, treeSHA, message string, parents []string) (string, error) {
	commit := &github.Commit{
		Message: github.Ptr(message),
		Tree:    &github.Tree{SHA: github.Ptr(treeSHA)},
	}
	for _, parent := range parents {
		commit.Parents = append(commit.Parents, &github.Commit{SHA: github.Ptr(parent)})
	}

	created, _, err := w.client.Git.CreateCommit(ctx, owner, repo, commit, nil)
	if err != nil {
		return "", fmt.Errorf("creating commit in %s/%s: %w", owner, repo, err)
	}
	clog.FromContext(ctx).With("owner", owner).With("repo", repo).
		With("sha", created.GetSHA()).Info("Created commit")
	return created.GetSHA(), nil
}

// AdvanceRef moves the branch ref to sha. A failed ref update after a
// successful commit leaves an orphaned commit behind, which is harmless,
// but the failure is always surfaced so the operation records as failed.
func (w *Writer) AdvanceRef(ctx context.Context, owner, repo, branch, sha string, force bool) error {
	_, _, err := w.client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	}, force)
	if err != nil {
		return fmt.Errorf("advancing %s in %s/%s to %s: %w", branch, owner, repo, sha, err)
	}
	return nil
}

// CreateBranch creates a new branch ref at sha.
func (w *Writer) CreateBranch(ctx context.Context, owner, repo, branch, sha string) error {
	_, _, err := w.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	})
	if err != nil {
		return fmt.Errorf("creating branch %s in %s/%s at %s: %w", branch, owner, repo, sha, err)
	}
	return nil
}

// isRetryableWrite classifies write failures worth another attempt: rate
// limiting, write conflicts, server errors, and transport failures.
func isRetryableWrite(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		if ghErr.Response == nil {
			return false
		}
		code := ghErr.Response.StatusCode
		return code == http.StatusConflict || code >= 500
	}
	// Anything that never reached the API (connection resets, timeouts).
	return true
}

// isStaleBase matches tree creation failing because the base tree no longer
// exists or was rejected.
func isStaleBase(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		return code == http.StatusNotFound || code == http.StatusUnprocessableEntity
	}
	return false
}
