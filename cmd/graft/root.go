/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/spf13/cobra"

	"github.com/graftdev/graft/githubauth"
)

var rootFlags struct {
	configFile string
	debug      bool
}

var rootCmd = &cobra.Command{
	Use:   "graft",
	Short: "Provision repositories from templates and keep them in sync",
	Long: `graft clones template repositories into newly created targets and
replays later template changes onto them.

A clone copies the template's full file tree into a fresh repository,
writing per-file through the contents API and falling back to a single
tree and commit through the git database API. A sync re-enumerates the
template and lands its current state on the target as one commit,
either directly on the tracked branch or on a review branch with a
pull request. The only persisted sync state is the template-sha
trailer in the target's commit history.

Credentials come from the environment: GITHUB_TOKEN for the target
(and, absent anything else, the template), GRAFT_SOURCE_TOKEN for a
separately credentialed template, or GRAFT_APP_ID,
GRAFT_APP_INSTALLATION_ID and GRAFT_APP_PRIVATE_KEY for a GitHub App
installation. GITHUB_API_URL points at an enterprise instance.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if rootFlags.debug {
			level = slog.LevelDebug
		}
		logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configFile, "config", "c", "",
		"tuning file (defaults to .graft.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.debug, "debug", false, "enable debug logging")
}

// parseRepo splits an owner/repo argument.
func parseRepo(arg string) (string, string, error) {
	owner, repo, ok := strings.Cut(arg, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("expected owner/repo, got %q", arg)
	}
	return owner, repo, nil
}

// session carries the per-invocation settings and authenticated clients.
type session struct {
	settings *settings
	builder  *githubauth.Builder
	target   *github.Client
	source   *github.Client
}

// newSession loads settings, validates the target credential and builds the
// client pair. sourceToken optionally overrides the environment's source
// credential for one invocation. Write commands require a target credential
// and abort before touching anything when it is missing or rejected.
func newSession(ctx context.Context, sourceToken string, requireWrite bool) (*session, error) {
	s, err := loadSettings(ctx, rootFlags.configFile)
	if err != nil {
		return nil, err
	}

	var opts []githubauth.Option
	if s.env.APIURL != "" {
		opts = append(opts, githubauth.WithBaseURL(s.env.APIURL))
	}
	if s.env.UploadURL != "" {
		opts = append(opts, githubauth.WithUploadURL(s.env.UploadURL))
	}
	builder := githubauth.NewBuilder(opts...)

	target := s.targetCredential()
	if target.IsZero() {
		if requireWrite {
			return nil, errors.New("no target credential: set GITHUB_TOKEN or the GRAFT_APP_* variables")
		}
	} else {
		identity, err := builder.Validate(ctx, target)
		if err != nil {
			return nil, err
		}
		clog.FromContext(ctx).With("identity", identity).Debug("Authenticated")
	}

	tgt, src, err := builder.Pair(ctx, target, s.sourceCredential(sourceToken))
	if err != nil {
		return nil, err
	}
	return &session{settings: s, builder: builder, target: tgt, source: src}, nil
}
