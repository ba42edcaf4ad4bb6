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
	"github.com/shurcooL/githubv4"
	"github.com/waigani/diffparser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/graftdev/graft/syncmark"
)

// DriftRequest names the template and the provisioned target to compare.
type DriftRequest struct {
	SourceOwner string
	SourceRepo  string

	// SourceRef pins the template ref tracked. Empty means the template's
	// default branch.
	SourceRef string

	TargetOwner string
	TargetRepo  string

	// TargetBranch is the branch whose history anchors the sync state.
	// Empty means the target's default branch.
	TargetBranch string
}

// Anchor is the recovered sync baseline.
type Anchor struct {
	// CommitSHA is the target commit whose message carried the marker.
	// Empty when no anchor exists and the repository creation time is the
	// baseline instead.
	CommitSHA string

	// TemplateSHA is the template commit the anchor recorded. May be empty
	// even when an anchor commit exists, if its message lost the trailer.
	TemplateSHA string

	// Timestamp is the anchor commit's time, or the target's creation time
	// when no anchor exists.
	Timestamp time.Time
}

// ChangedFile is one entry of the informational template diff.
type ChangedFile struct {
	Path      string
	Change    string
	Additions int
	Deletions int
}

// DriftReport is the read-only answer to "is the target behind its
// template".
type DriftReport struct {
	HasUpdates bool

	// LatestCommit is the template's current head. Nil when the template
	// has no reachable head.
	LatestCommit *TemplateCommit

	Anchor Anchor

	// ChangedFiles lists what changed between the anchor and the template
	// head. Only meaningful when ChangedFilesKnown is true; with no known
	// baseline the entire template file set must be treated as potentially
	// changed.
	ChangedFiles      []ChangedFile
	ChangedFilesKnown bool

	// PendingPullRequest is the URL of an already-open sync pull request,
	// when one exists.
	PendingPullRequest string
}

// CheckDrift reports whether the template moved past the target's last
// applied state. It writes nothing.
func (m *Manager) CheckDrift(ctx context.Context, req DriftRequest) (*DriftReport, error) {
	switch {
	case req.SourceOwner == "" || req.SourceRepo == "":
		return nil, errors.New("source owner and repository must not be empty")
	case req.TargetOwner == "" || req.TargetRepo == "":
		return nil, errors.New("target owner and repository must not be empty")
	}

	source := req.SourceOwner + "/" + req.SourceRepo
	targetName := req.TargetOwner + "/" + req.TargetRepo
	log := clog.FromContext(ctx).
		With("operation", uuid.NewString()).
		With("source", source).
		With("target", targetName)

	tr := otel.Tracer("graft/syncmanager", oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "check_drift", oteltrace.WithAttributes(
		attribute.String("template.source", source),
		attribute.String("template.target", targetName),
	))
	defer span.End()

	target, _, err := m.target.Repositories.Get(ctx, req.TargetOwner, req.TargetRepo)
	if err != nil {
		driftCounter.WithLabelValues(driftError).Inc()
		return nil, m.fail(span, fmt.Errorf("reading target repository %s: %w", targetName, err))
	}
	branch := req.TargetBranch
	if branch == "" {
		branch = defaultBranch(target)
	}

	head, err := m.templateHead(ctx, req.SourceOwner, req.SourceRepo, req.SourceRef)
	if err != nil {
		driftCounter.WithLabelValues(driftError).Inc()
		return nil, m.fail(span, err)
	}
	if head == nil {
		log.Infof("Template %s has no reachable head, nothing to compare", source)
		driftCounter.WithLabelValues(driftClean).Inc()
		return &DriftReport{ChangedFilesKnown: true}, nil
	}

	anchor, err := m.findAnchor(ctx, req.TargetOwner, req.TargetRepo, branch, target.GetCreatedAt().Time)
	if err != nil {
		driftCounter.WithLabelValues(driftError).Inc()
		return nil, m.fail(span, err)
	}

	report := &DriftReport{
		LatestCommit: head,
		Anchor:       anchor,
		HasUpdates:   head.Date.After(anchor.Timestamp),
	}
	switch {
	case !report.HasUpdates:
		report.ChangedFilesKnown = true
	case anchor.TemplateSHA != "":
		report.ChangedFiles, report.ChangedFilesKnown = m.changedFiles(ctx,
			req.SourceOwner, req.SourceRepo, anchor.TemplateSHA, head.SHA)
	default:
		// No baseline sha: every template file is potentially changed.
		report.ChangedFilesKnown = false
	}

	report.PendingPullRequest = m.pendingPullRequest(ctx, req.TargetOwner, req.TargetRepo, branch)

	if report.HasUpdates {
		driftCounter.WithLabelValues(driftBehind).Inc()
		log.Infof("Target %s is behind template head %s", targetName, head.SHA)
	} else {
		driftCounter.WithLabelValues(driftClean).Inc()
		log.Infof("Target %s is current with template %s", targetName, source)
	}
	span.SetAttributes(attribute.Bool("template.has_updates", report.HasUpdates))
	return report, nil
}

// findAnchor scans one bounded page of branch history for the newest commit
// marking applied template state. Absence is not an error: the repository
// creation time becomes the baseline.
func (m *Manager) findAnchor(ctx context.Context, owner, repo, branch string, created time.Time) (Anchor, error) {
	commits, _, err := m.target.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: m.historyDepth},
	})
	if err != nil {
		if isEmptyRepository(err) || isNotFound(err) {
			return Anchor{Timestamp: created}, nil
		}
		return Anchor{}, fmt.Errorf("listing history of %s/%s@%s: %w", owner, repo, branch, err)
	}

	for _, rc := range commits {
		message := rc.GetCommit().GetMessage()
		if !syncmark.IsAnchor(message) {
			continue
		}
		sha, _ := syncmark.TemplateSHA(message)
		return Anchor{
			CommitSHA:   rc.GetSHA(),
			TemplateSHA: sha,
			Timestamp:   rc.GetCommit().GetCommitter().GetDate().Time,
		}, nil
	}
	return Anchor{Timestamp: created}, nil
}

// changedFiles turns the raw compare diff between two template commits into
// per-file change entries. The diff is informational only, so any failure
// here degrades to "changed files unknown" instead of failing the check.
func (m *Manager) changedFiles(ctx context.Context, owner, repo, base, head string) ([]ChangedFile, bool) {
	log := clog.FromContext(ctx)

	raw, _, err := m.source.Repositories.CompareCommitsRaw(ctx, owner, repo, base, head,
		github.RawOptions{Type: github.Diff})
	if err != nil {
		log.Warnf("Comparing %s...%s in %s/%s: %v", base, head, owner, repo, err)
		return nil, false
	}
	diff, err := diffparser.Parse(raw)
	if err != nil {
		log.Warnf("Parsing compare diff of %s/%s: %v", owner, repo, err)
		return nil, false
	}

	files := make([]ChangedFile, 0, len(diff.Files))
	for _, f := range diff.Files {
		cf := ChangedFile{Path: f.NewName}
		switch f.Mode {
		case diffparser.NEW:
			cf.Change = "added"
		case diffparser.DELETED:
			cf.Change = "deleted"
			cf.Path = f.OrigName
		default:
			cf.Change = "modified"
		}
		for _, h := range f.Hunks {
			for _, l := range h.NewRange.Lines {
				if l.Mode == diffparser.ADDED {
					cf.Additions++
				}
			}
			for _, l := range h.OrigRange.Lines {
				if l.Mode == diffparser.REMOVED {
					cf.Deletions++
				}
			}
		}
		files = append(files, cf)
	}
	return files, true
}

// pendingPullRequest looks for an open sync pull request against the
// tracked branch. Discovery is best effort and needs the GraphQL client;
// without one it reports nothing.
func (m *Manager) pendingPullRequest(ctx context.Context, owner, repo, branch string) string {
	log := clog.FromContext(ctx)
	if m.graphql == nil {
		log.Debug("No GraphQL client configured, skipping pull request discovery")
		return ""
	}

	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes []struct {
					Number      int
					URL         string
					HeadRefName string
				}
			} `graphql:"pullRequests(first: 20, states: OPEN, baseRefName: $base, orderBy: {field: CREATED_AT, direction: DESC})"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner": githubv4.String(owner),
		"repo":  githubv4.String(repo),
		"base":  githubv4.String(branch),
	}
	if err := m.graphql.Query(ctx, &query, variables); err != nil {
		log.Warnf("Discovering open sync pull requests: %v", err)
		return ""
	}

	for _, pr := range query.Repository.PullRequests.Nodes {
		if strings.HasPrefix(pr.HeadRefName, branchPrefix) {
			log.Infof("Found open sync pull request #%d", pr.Number)
			return pr.URL
		}
	}
	return ""
}

func (m *Manager) fail(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func defaultBranch(repo *github.Repository) string {
	if b := repo.GetDefaultBranch(); b != "" {
		return b
	}
	return fallbackBranch
}
