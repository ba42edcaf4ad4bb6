/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package protection copies branch protection rules from a template
// repository onto a freshly provisioned target. Mirroring is best effort:
// an unprotected source branch is a no-op, and callers treat any returned
// error as log-only.
package protection

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// RepoRef names one repository.
type RepoRef struct {
	Owner string
	Repo  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Repo
}

// Mirror copies the protection rules of srcBranch in src onto dstBranch in
// dst. The source and target may be reachable under different credentials,
// so each side takes its own client. A source branch without protection
// rules is not an error.
func Mirror(ctx context.Context, source, target *github.Client, src RepoRef, srcBranch string, dst RepoRef, dstBranch string) error {
	log := clog.FromContext(ctx).With("source", src.String()).With("target", dst.String()).With("branch", dstBranch)

	rules, _, err := source.Repositories.GetBranchProtection(ctx, src.Owner, src.Repo, srcBranch)
	if err != nil {
		if isUnprotected(err) {
			log.Debug("Source branch carries no protection rules")
			return nil
		}
		return fmt.Errorf("reading protection of %s@%s: %w", src, srcBranch, err)
	}

	req := &github.ProtectionRequest{
		// The status checks shape passes through unchanged so contexts and
		// check configurations survive as the source declared them.
		RequiredStatusChecks: rules.GetRequiredStatusChecks(),
	}
	if admins := rules.GetEnforceAdmins(); admins != nil {
		req.EnforceAdmins = admins.Enabled
	}
	if reviews := rules.GetRequiredPullRequestReviews(); reviews != nil {
		req.RequiredPullRequestReviews = &github.PullRequestReviewsEnforcementRequest{
			DismissStaleReviews:          reviews.DismissStaleReviews,
			RequireCodeOwnerReviews:      reviews.RequireCodeOwnerReviews,
			RequiredApprovingReviewCount: reviews.RequiredApprovingReviewCount,
		}
	}

	if _, _, err := target.Repositories.UpdateBranchProtection(ctx, dst.Owner, dst.Repo, dstBranch, req); err != nil {
		return fmt.Errorf("applying protection to %s@%s: %w", dst, dstBranch, err)
	}
	log.Info("Mirrored branch protection")
	return nil
}

// isUnprotected matches the API's "not protected" responses, including the
// 404 raised when the protection feature is unavailable for the repository.
func isUnprotected(err error) bool {
	if errors.Is(err, github.ErrBranchNotProtected) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
