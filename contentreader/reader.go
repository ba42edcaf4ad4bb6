/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package contentreader enumerates the full file content of a repository at
// a single commit. It walks the recursive git tree through the hosting API,
// fetches blob content in bounded batches, and returns decoded files in tree
// order. Binary and undecodable blobs are dropped with a warning rather than
// failing the enumeration.
package contentreader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize  = 5
	defaultBatchDelay = 200 * time.Millisecond
)

// File is one blob-backed entry of a repository snapshot with its decoded
// content.
type File struct {
	Path    string
	Content string
	// Mode is the git file mode ("100644" or "100755").
	Mode string
	// SHA is the blob sha the content was read from.
	SHA  string
	Size int
}

// Snapshot is the enumerated content of one repository at one commit.
type Snapshot struct {
	// CommitSHA is the commit the snapshot was taken at. Empty when the
	// repository or ref resolved to nothing.
	CommitSHA string
	Files     []File
}

// Branch is one branch head of a repository.
type Branch struct {
	Name string
	SHA  string
}

// Reader enumerates repository content through the hosting API.
type Reader struct {
	client     *github.Client
	batchSize  int
	batchDelay time.Duration
}

// Option configures a Reader.
type Option func(*Reader)

// WithBatchSize bounds how many blobs are fetched in parallel per batch.
func WithBatchSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between consecutive blob batches.
func WithBatchDelay(d time.Duration) Option {
	return func(r *Reader) {
		r.batchDelay = d
	}
}

// New returns a Reader backed by the given client.
func New(client *github.Client, opts ...Option) *Reader {
	r := &Reader{
		client:     client,
		batchSize:  defaultBatchSize,
		batchDelay: defaultBatchDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var commitSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ResolveRef resolves a branch name or raw commit sha to a commit sha. An
// empty ref resolves to the repository's default branch head.
func (r *Reader) ResolveRef(ctx context.Context, owner, repo, ref string) (string, error) {
	if ref == "" {
		repository, _, err := r.client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return "", fmt.Errorf("reading repository %s/%s: %w", owner, repo, err)
		}
		ref = repository.GetDefaultBranch()
	}

	if commitSHAPattern.MatchString(ref) {
		commit, _, err := r.client.Git.GetCommit(ctx, owner, repo, ref)
		if err != nil {
			return "", fmt.Errorf("reading commit %s in %s/%s: %w", ref, owner, repo, err)
		}
		return commit.GetSHA(), nil
	}

	gitRef, _, err := r.client.Git.GetRef(ctx, owner, repo, "heads/"+ref)
	if err != nil {
		return "", fmt.Errorf("resolving ref %q in %s/%s: %w", ref, owner, repo, err)
	}
	return gitRef.GetObject().GetSHA(), nil
}

// Snapshot enumerates all files reachable from ref. An unresolvable ref or
// an empty repository yields an empty snapshot, not an error: downstream
// operations treat both as "empty source".
func (r *Reader) Snapshot(ctx context.Context, owner, repo, ref string) (*Snapshot, error) {
	log := clog.FromContext(ctx).With("owner", owner).With("repo", repo)

	sha, err := r.ResolveRef(ctx, owner, repo, ref)
	if err != nil {
		if isNotFound(err) || isEmptyRepository(err) {
			log.With("ref", ref).Info("Ref did not resolve, treating source as empty")
			return &Snapshot{}, nil
		}
		return nil, err
	}

	tree, _, err := r.client.Git.GetTree(ctx, owner, repo, sha, true)
	if err != nil {
		if isNotFound(err) || isEmptyRepository(err) {
			log.With("sha", sha).Info("No tree at commit, treating source as empty")
			return &Snapshot{CommitSHA: sha}, nil
		}
		return nil, fmt.Errorf("reading tree at %s in %s/%s: %w", sha, owner, repo, err)
	}
	if tree.GetTruncated() {
		log.Warn("Tree listing truncated by the API, snapshot will be partial")
	}

	var blobs []*github.TreeEntry
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			blobs = append(blobs, entry)
		}
	}

	files := make([]*File, len(blobs))
	for start := 0; start < len(blobs); start += r.batchSize {
		end := min(start+r.batchSize, len(blobs))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				f, err := r.fetchFile(gctx, owner, repo, blobs[i])
				if err != nil {
					// Per-file failures drop the file; only give up
					// when the whole operation is being cancelled.
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.With("path", blobs[i].GetPath()).With("error", err.Error()).
						Warn("Skipping file")
					return nil
				}
				files[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("fetching blobs in %s/%s: %w", owner, repo, err)
		}

		if end < len(blobs) && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}

	snapshot := &Snapshot{CommitSHA: sha}
	for _, f := range files {
		if f != nil {
			snapshot.Files = append(snapshot.Files, *f)
		}
	}
	log.With("ref", ref).With("sha", sha).
		Infof("Enumerated %d of %d files", len(snapshot.Files), len(blobs))
	return snapshot, nil
}

// fetchFile reads and decodes one blob. Non-UTF8 content is rejected so the
// engine only ever replays text files.
func (r *Reader) fetchFile(ctx context.Context, owner, repo string, entry *github.TreeEntry) (*File, error) {
	blob, _, err := r.client.Git.GetBlob(ctx, owner, repo, entry.GetSHA())
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}

	content := blob.GetContent()
	if blob.GetEncoding() == "base64" {
		// The API wraps base64 bodies with newlines.
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decoding blob: %w", err)
		}
		content = string(decoded)
	}
	if !utf8.ValidString(content) {
		return nil, errors.New("content is not valid UTF-8")
	}

	return &File{
		Path:    entry.GetPath(),
		Content: content,
		Mode:    entry.GetMode(),
		SHA:     entry.GetSHA(),
		Size:    entry.GetSize(),
	}, nil
}

// Branches lists every branch head of the repository.
func (r *Reader) Branches(ctx context.Context, owner, repo string) ([]Branch, error) {
	var branches []Branch
	opts := &github.BranchListOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := r.client.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			if isEmptyRepository(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("listing branches of %s/%s: %w", owner, repo, err)
		}
		for _, b := range page {
			branches = append(branches, Branch{
				Name: b.GetName(),
				SHA:  b.GetCommit().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return branches, nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == 404 || ghErr.Response.StatusCode == 422
	}
	return false
}

// isEmptyRepository matches the conflict the API raises when git data is
// requested from a repository with no commits.
func isEmptyRepository(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == 409 &&
			strings.Contains(strings.ToLower(ghErr.Message), "empty")
	}
	return false
}
