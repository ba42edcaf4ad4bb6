/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/graftdev/graft/syncmark"
)

// SyncRequest describes one replay of template state onto a target.
type SyncRequest struct {
	SourceOwner string
	SourceRepo  string

	// SourceRef pins the template ref to replay. Empty means the template's
	// default branch.
	SourceRef string

	TargetOwner string
	TargetRepo  string

	// TargetBranch receives the sync. Empty means the target's default
	// branch.
	TargetBranch string

	// CommitMessage overrides the generated sync message. The template-sha
	// trailer is appended regardless, so drift scans keep working.
	CommitMessage string

	// DirectToMain advances the target branch immediately instead of going
	// through a review branch.
	DirectToMain bool

	// SkipPullRequest leaves the review branch without a pull request.
	// Ignored in direct mode.
	SkipPullRequest bool
}

// SyncResult reports a finished sync.
type SyncResult struct {
	// FilesCount is the number of template files carried by the sync
	// commit. Zero means nothing was written.
	FilesCount int

	// SyncBranch is the branch the sync commit landed on: the target branch
	// in direct mode, a generated review branch otherwise. Empty when
	// nothing was written.
	SyncBranch string

	// CommitSHA is the created sync commit. Empty when nothing was written.
	CommitSHA string

	// PullRequestURL is set when a pull request was opened.
	PullRequestURL string

	Message string
}

// Sync replays the template's entire current file set onto the target. The
// target branch's own files survive untouched because the new tree builds
// on the branch head's tree. Direct mode advances the branch; review mode
// lands the commit on a uniquely named branch and opens a pull request.
func (m *Manager) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	switch {
	case req.SourceOwner == "" || req.SourceRepo == "":
		return nil, errors.New("source owner and repository must not be empty")
	case req.TargetOwner == "" || req.TargetRepo == "":
		return nil, errors.New("target owner and repository must not be empty")
	}

	source := req.SourceOwner + "/" + req.SourceRepo
	targetName := req.TargetOwner + "/" + req.TargetRepo
	mode := modeReview
	if req.DirectToMain {
		mode = modeDirect
	}
	log := clog.FromContext(ctx).
		With("operation", uuid.NewString()).
		With("source", source).
		With("target", targetName)

	tr := otel.Tracer("graft/syncmanager", oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "sync_with_template", oteltrace.WithAttributes(
		attribute.String("template.source", source),
		attribute.String("template.target", targetName),
		attribute.String("template.mode", mode),
	))
	defer span.End()

	head, err := m.templateHead(ctx, req.SourceOwner, req.SourceRepo, req.SourceRef)
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, err)
	}
	if head == nil {
		log.Infof("Template %s has no reachable head, nothing to sync", source)
		syncCounter.WithLabelValues(mode, outcomeSuccess).Inc()
		return &SyncResult{Message: fmt.Sprintf("Template %s has nothing to sync", source)}, nil
	}

	// Snapshotting at the head sha pins the written set to exactly the
	// commit the trailer will record, even if the template branch moves
	// mid-sync.
	snap, err := m.reader.Snapshot(ctx, req.SourceOwner, req.SourceRepo, head.SHA)
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("enumerating template %s: %w", source, err))
	}
	files := m.denylist.Filter(snap.Files)
	if len(files) == 0 {
		log.Infof("Template %s has no syncable files (%d before filtering)", source, len(snap.Files))
		syncCounter.WithLabelValues(mode, outcomeSuccess).Inc()
		return &SyncResult{Message: fmt.Sprintf("Template %s has nothing to sync", source)}, nil
	}

	target, _, err := m.target.Repositories.Get(ctx, req.TargetOwner, req.TargetRepo)
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("reading target repository %s: %w", targetName, err))
	}
	branch := req.TargetBranch
	if branch == "" {
		branch = defaultBranch(target)
	}

	// The branch head is read immediately before the build; it is the one
	// shared mutable resource, and the commit's parent must be the head the
	// tree was built against.
	ref, _, err := m.target.Git.GetRef(ctx, req.TargetOwner, req.TargetRepo, "heads/"+branch)
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("reading head of %s@%s: %w", targetName, branch, err))
	}
	headSHA := ref.GetObject().GetSHA()
	baseCommit, _, err := m.target.Git.GetCommit(ctx, req.TargetOwner, req.TargetRepo, headSHA)
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("reading base commit %s: %w", headSHA, err))
	}

	tree, err := m.writer.WriteTree(ctx, req.TargetOwner, req.TargetRepo, files, baseCommit.GetTree().GetSHA())
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("building sync tree for %s: %w", targetName, err))
	}

	message := syncmark.SyncMessage(source, head.SHA)
	if req.CommitMessage != "" {
		message = syncmark.WithTrailer(req.CommitMessage, head.SHA)
	}
	commit, err := m.writer.Commit(ctx, req.TargetOwner, req.TargetRepo, tree.SHA, message, []string{headSHA})
	if err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("committing sync for %s: %w", targetName, err))
	}

	written := tree.Written + tree.Reused
	syncFileCounter.Add(float64(written))
	span.SetAttributes(attribute.Int("template.files", written))
	result := &SyncResult{
		FilesCount: written,
		CommitSHA:  commit,
	}

	if req.DirectToMain {
		if err := m.writer.AdvanceRef(ctx, req.TargetOwner, req.TargetRepo, branch, commit, false); err != nil {
			syncCounter.WithLabelValues(mode, outcomeError).Inc()
			return nil, m.fail(span, err)
		}
		syncCounter.WithLabelValues(mode, outcomeSuccess).Inc()
		result.SyncBranch = branch
		result.Message = fmt.Sprintf("Synced %d files from %s directly to %s", written, source, branch)
		log.Infof("%s", result.Message)
		return result, nil
	}

	syncBranch := m.syncBranchName(time.Now())
	if err := m.writer.CreateBranch(ctx, req.TargetOwner, req.TargetRepo, syncBranch, commit); err != nil {
		syncCounter.WithLabelValues(mode, outcomeError).Inc()
		return nil, m.fail(span, fmt.Errorf("creating sync branch %s: %w", syncBranch, err))
	}
	result.SyncBranch = syncBranch
	syncCounter.WithLabelValues(mode, outcomeSuccess).Inc()

	if req.SkipPullRequest {
		result.Message = fmt.Sprintf("Synced %d files from %s onto %s", written, source, syncBranch)
		log.Infof("%s", result.Message)
		return result, nil
	}

	prURL, err := m.openPullRequest(ctx, req, branch, syncBranch, head, written)
	if err != nil {
		// The branch and commit are already in place and remain usable, so
		// a failed pull request must not fail the sync.
		log.Warnf("Opening sync pull request for %s: %v", syncBranch, err)
		result.Message = fmt.Sprintf("Synced %d files onto %s, but pull request creation failed", written, syncBranch)
		return result, nil
	}
	result.PullRequestURL = prURL
	result.Message = fmt.Sprintf("Opened %s to sync %d files from %s", prURL, written, source)
	log.Infof("%s", result.Message)
	return result, nil
}

// syncBranchName builds the unique review branch name.
func (m *Manager) syncBranchName(now time.Time) string {
	return fmt.Sprintf("%s%s-%s", branchPrefix, now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func (m *Manager) openPullRequest(ctx context.Context, req SyncRequest, base, head string, tpl *TemplateCommit, files int) (string, error) {
	source := req.SourceOwner + "/" + req.SourceRepo
	pr, _, err := m.target.PullRequests.Create(ctx, req.TargetOwner, req.TargetRepo, &github.NewPullRequest{
		Title:               github.Ptr(syncmark.SyncTitle(source)),
		Head:                github.Ptr(head),
		Base:                github.Ptr(base),
		Body:                github.Ptr(syncBody(source, tpl, files)),
		MaintainerCanModify: github.Ptr(true),
	})
	if err != nil {
		return "", err
	}
	return pr.GetHTMLURL(), nil
}

// syncBody renders the pull request description. The trailer rides along at
// the end so a squash merge keeps the anchor discoverable.
func syncBody(source string, tpl *TemplateCommit, files int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Brings this repository up to date with template %s.\n\n", source)
	fmt.Fprintf(&b, "**Template commit**: `%s`\n", tpl.SHA)
	fmt.Fprintf(&b, "**Message**: %s\n", firstLine(tpl.Message))
	if tpl.Author != "" {
		fmt.Fprintf(&b, "**Author**: %s\n", tpl.Author)
	}
	if !tpl.Date.IsZero() {
		fmt.Fprintf(&b, "**Date**: %s\n", tpl.Date.Format(time.RFC1123))
	}
	fmt.Fprintf(&b, "**Files**: %d\n", files)
	fmt.Fprintf(&b, "\n%s: %s\n", syncmark.TrailerKey, tpl.SHA)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
