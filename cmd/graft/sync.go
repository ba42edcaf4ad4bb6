/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/graftdev/graft/syncmanager"
)

var syncFlags struct {
	branch      string
	message     string
	direct      bool
	skipPR      bool
	sourceRef   string
	sourceToken string
}

var syncCmd = &cobra.Command{
	Use:   "sync <owner>/<template> <owner>/<repo>",
	Short: "Replay the template's current state onto a repository",
	Long: `Replay the template's entire current file set onto the target as a
single commit.

By default the commit lands on a template-sync/ review branch and a
pull request is opened against the tracked branch; --direct advances
the tracked branch immediately instead. The commit message carries a
template-sha trailer recording the template commit that was applied,
which later drift checks anchor on.

Examples:
  # Open a review pull request with the template's latest state
  graft sync acme/service-template acme/payments-service

  # Land the sync directly on main
  graft sync acme/service-template acme/payments-service --direct`,
	Args: cobra.ExactArgs(2),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVar(&syncFlags.branch, "branch", "", "target branch to sync (default: target's default branch)")
	syncCmd.Flags().StringVar(&syncFlags.message, "message", "", "override the sync commit message (the template-sha trailer is kept)")
	syncCmd.Flags().BoolVar(&syncFlags.direct, "direct", false, "advance the tracked branch instead of opening a pull request")
	syncCmd.Flags().BoolVar(&syncFlags.skipPR, "skip-pr", false, "create the review branch but no pull request")
	syncCmd.Flags().StringVar(&syncFlags.sourceRef, "source-ref", "", "template ref to sync from (default: template's default branch)")
	syncCmd.Flags().StringVar(&syncFlags.sourceToken, "source-token", "", "token for reading the template, when it differs from the target credential")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srcOwner, srcRepo, err := parseRepo(args[0])
	if err != nil {
		return err
	}
	tgtOwner, tgtRepo, err := parseRepo(args[1])
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, syncFlags.sourceToken, true)
	if err != nil {
		return err
	}
	manager, err := syncmanager.New(sess.target, sess.source,
		sess.settings.syncOptions(sess.target, sess.source)...)
	if err != nil {
		return err
	}

	result, err := manager.Sync(ctx, syncmanager.SyncRequest{
		SourceOwner:     srcOwner,
		SourceRepo:      srcRepo,
		SourceRef:       syncFlags.sourceRef,
		TargetOwner:     tgtOwner,
		TargetRepo:      tgtRepo,
		TargetBranch:    syncFlags.branch,
		CommitMessage:   syncFlags.message,
		DirectToMain:    syncFlags.direct,
		SkipPullRequest: syncFlags.skipPR,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}
