/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package clonemanager provisions new repositories from template
// repositories. A clone enumerates the template's file set once and then
// tries two delivery strategies in order: a per-file strategy built on the
// hosting API's contents endpoints, and a git database strategy that
// assembles one tree and one commit from raw objects. The per-file strategy
// produces a readable commit-per-file history; the git strategy is the
// fallback because it succeeds in cases the contents endpoints reject, at
// the cost of a single opaque import commit. Only the failure of both is
// fatal.
package clonemanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/objectwriter"
	"github.com/graftdev/graft/protection"
	"github.com/graftdev/graft/syncmark"
)

const (
	strategyContents = "contents"
	strategyGitData  = "git-data"

	fallbackBranch = "main"
)

// CloneRequest describes a template clone.
type CloneRequest struct {
	// SourceOwner and SourceRepo name the template repository.
	SourceOwner string
	SourceRepo  string

	// SourceRef optionally pins the template state to import. Empty means
	// the template's default branch.
	SourceRef string

	// TargetOwner is the organization receiving the new repository. Empty
	// creates the repository under the authenticated user.
	TargetOwner string

	// TargetName is the name of the repository to create. Cloning never
	// adopts a repository that already exists.
	TargetName string

	// Description and Private are applied to the created repository.
	Description string
	Private     bool

	// IncludeBranches replicates each non-default template branch onto the
	// target as an independent commit chain. Branch replication is best
	// effort and never fails the clone.
	IncludeBranches bool
}

// CloneResult reports a finished clone.
type CloneResult struct {
	// Repository is the full name of the provisioned repository.
	Repository string

	// FilesCount is the number of template files applied to the default
	// branch. Files skipped after repeated write failures are not counted.
	FilesCount int

	// Strategy names the delivery strategy that succeeded.
	Strategy string

	Message string
}

// Manager clones template repositories. Reads go through the source client
// and writes through the target client, so the two sides may carry
// different credentials.
type Manager struct {
	target *github.Client
	source *github.Client
	reader *contentreader.Reader
	writer *objectwriter.Writer

	placeholder        string
	writeDelay         time.Duration
	conflictRetryDelay time.Duration
	readyAttempts      int
	readyDelay         time.Duration
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
		target:             target,
		source:             source,
		placeholder:        defaultPlaceholder,
		writeDelay:         defaultWriteDelay,
		conflictRetryDelay: defaultConflictRetryDelay,
		readyAttempts:      defaultReadyAttempts,
		readyDelay:         defaultReadyDelay,
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
	return m, nil
}

// Clone provisions a new repository holding the template's current file
// set. The per-file strategy runs first; any error there falls back to the
// git database strategy, and only the failure of both is returned, with the
// fallback's error as the cause.
func (m *Manager) Clone(ctx context.Context, req CloneRequest) (*CloneResult, error) {
	switch {
	case req.SourceOwner == "":
		return nil, errors.New("source owner must not be empty")
	case req.SourceRepo == "":
		return nil, errors.New("source repository must not be empty")
	case req.TargetName == "":
		return nil, errors.New("target name must not be empty")
	}

	source := req.SourceOwner + "/" + req.SourceRepo
	log := clog.FromContext(ctx).
		With("operation", uuid.NewString()).
		With("source", source).
		With("target", req.TargetName)

	tr := otel.Tracer("graft/clonemanager", oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "clone_as_template", oteltrace.WithAttributes(
		attribute.String("template.source", source),
		attribute.String("template.target", req.TargetName),
	))
	defer span.End()

	// Resolve the template before creating anything on the target side. A
	// missing template must not leave an empty repository behind.
	srcRepo, _, err := m.source.Repositories.Get(ctx, req.SourceOwner, req.SourceRepo)
	if err != nil {
		return nil, m.fail(span, fmt.Errorf("reading template repository %s: %w", source, err))
	}

	ref := req.SourceRef
	if ref == "" {
		ref = srcRepo.GetDefaultBranch()
	}
	snap, err := m.reader.Snapshot(ctx, req.SourceOwner, req.SourceRepo, ref)
	if err != nil {
		return nil, m.fail(span, fmt.Errorf("enumerating template %s: %w", source, err))
	}
	log.Infof("Template %s holds %d files at %s", source, len(snap.Files), snap.CommitSHA)

	strategy := strategyContents
	repo, written, cloneErr := m.cloneWithContents(ctx, req, snap)
	if cloneErr != nil {
		log.Warnf("Per-file clone into %s failed, falling back to git database strategy: %v", req.TargetName, cloneErr)
		fallbackCounter.Inc()
		strategy = strategyGitData

		var gitErr error
		repo, written, gitErr = m.cloneWithGitData(ctx, req, snap, repo)
		if gitErr != nil {
			cloneCounter.WithLabelValues(strategy, outcomeError).Inc()
			return nil, m.fail(span, fmt.Errorf("all clone strategies failed (per-file: %v): %w", cloneErr, gitErr))
		}
	}
	cloneCounter.WithLabelValues(strategy, outcomeSuccess).Inc()

	if req.IncludeBranches {
		m.replicateBranches(ctx, req, srcRepo, repo)
	}
	m.mirrorProtection(ctx, req, srcRepo, repo)

	span.SetAttributes(attribute.Int("template.files", written))
	result := &CloneResult{
		Repository: repo.GetFullName(),
		FilesCount: written,
		Strategy:   strategy,
		Message:    fmt.Sprintf("Cloned %s into %s with %d files", source, repo.GetFullName(), written),
	}
	log.Infof("%s", result.Message)
	return result, nil
}

func (m *Manager) fail(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// createRepository creates the target repository. Creation is strict: an
// existing repository of the same name is an error, never silently adopted,
// because both strategies overwrite target content.
func (m *Manager) createRepository(ctx context.Context, req CloneRequest) (*github.Repository, error) {
	repo := &github.Repository{
		Name:     github.Ptr(req.TargetName),
		Private:  github.Ptr(req.Private),
		AutoInit: github.Ptr(true),
	}
	if req.Description != "" {
		repo.Description = github.Ptr(req.Description)
	}
	created, _, err := m.target.Repositories.Create(ctx, req.TargetOwner, repo)
	if err != nil {
		return nil, fmt.Errorf("creating repository %s: %w", req.TargetName, err)
	}
	clog.FromContext(ctx).Infof("Created repository %s", created.GetFullName())
	return created, nil
}

// replicateBranches copies each non-default template branch onto the target
// as an independent, parentless commit chain. Per-branch failures are
// logged and skipped.
func (m *Manager) replicateBranches(ctx context.Context, req CloneRequest, srcRepo, repo *github.Repository) {
	log := clog.FromContext(ctx)
	branches, err := m.reader.Branches(ctx, req.SourceOwner, req.SourceRepo)
	if err != nil {
		log.Warnf("Listing template branches: %v", err)
		return
	}

	owner, name := repo.GetOwner().GetLogin(), repo.GetName()
	for _, b := range branches {
		if b.Name == srcRepo.GetDefaultBranch() {
			continue
		}
		if err := m.replicateBranch(ctx, req, owner, name, b); err != nil {
			log.Warnf("Replicating branch %s: %v", b.Name, err)
			continue
		}
		log.Infof("Replicated branch %s", b.Name)
	}
}

func (m *Manager) replicateBranch(ctx context.Context, req CloneRequest, owner, name string, b contentreader.Branch) error {
	snap, err := m.reader.Snapshot(ctx, req.SourceOwner, req.SourceRepo, b.SHA)
	if err != nil {
		return fmt.Errorf("enumerating branch %s: %w", b.Name, err)
	}
	if len(snap.Files) == 0 {
		return fmt.Errorf("branch %s resolved to no files", b.Name)
	}

	tree, err := m.writer.WriteTree(ctx, owner, name, snap.Files, "")
	if err != nil {
		return err
	}
	message := syncmark.ImportMessage(req.SourceOwner+"/"+req.SourceRepo, snap.CommitSHA)
	commit, err := m.writer.Commit(ctx, owner, name, tree.SHA, message, nil)
	if err != nil {
		return err
	}
	return m.writer.CreateBranch(ctx, owner, name, b.Name, commit)
}

// mirrorProtection copies the template's default-branch protection rules
// onto the target's default branch. Best effort: failures are logged, never
// returned.
func (m *Manager) mirrorProtection(ctx context.Context, req CloneRequest, srcRepo, repo *github.Repository) {
	err := protection.Mirror(ctx, m.source, m.target,
		protection.RepoRef{Owner: req.SourceOwner, Repo: req.SourceRepo}, defaultBranch(srcRepo),
		protection.RepoRef{Owner: repo.GetOwner().GetLogin(), Repo: repo.GetName()}, defaultBranch(repo))
	if err != nil {
		clog.FromContext(ctx).Warnf("Mirroring branch protection: %v", err)
	}
}

func defaultBranch(repo *github.Repository) string {
	if b := repo.GetDefaultBranch(); b != "" {
		return b
	}
	return fallbackBranch
}
