/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/graftdev/graft/syncmanager"
)

var checkFlags struct {
	branch      string
	sourceRef   string
	sourceToken string
}

var checkCmd = &cobra.Command{
	Use:   "check <owner>/<template> <owner>/<repo>",
	Short: "Report whether a repository is behind its template",
	Long: `Compare the template's head against the target's last applied
template state and report the drift.

The last applied state is recovered from the target's commit history:
the newest commit whose message carries a sync marker, with the
template-sha trailer naming the exact template commit. Nothing is
written.`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkFlags.branch, "branch", "", "target branch to inspect (default: target's default branch)")
	checkCmd.Flags().StringVar(&checkFlags.sourceRef, "source-ref", "", "template ref to compare against (default: template's default branch)")
	checkCmd.Flags().StringVar(&checkFlags.sourceToken, "source-token", "", "token for reading the template, when it differs from the target credential")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srcOwner, srcRepo, err := parseRepo(args[0])
	if err != nil {
		return err
	}
	tgtOwner, tgtRepo, err := parseRepo(args[1])
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, checkFlags.sourceToken, false)
	if err != nil {
		return err
	}

	opts := sess.settings.syncOptions(sess.target, sess.source)
	graphql, err := sess.builder.GraphQL(ctx, sess.settings.targetCredential())
	if err != nil {
		return err
	}
	opts = append(opts, syncmanager.WithGraphQL(graphql))

	manager, err := syncmanager.New(sess.target, sess.source, opts...)
	if err != nil {
		return err
	}

	report, err := manager.CheckDrift(ctx, syncmanager.DriftRequest{
		SourceOwner:  srcOwner,
		SourceRepo:   srcRepo,
		SourceRef:    checkFlags.sourceRef,
		TargetOwner:  tgtOwner,
		TargetRepo:   tgtRepo,
		TargetBranch: checkFlags.branch,
	})
	if err != nil {
		return err
	}

	renderDrift(cmd.OutOrStdout(), args[0], args[1], report)
	return nil
}

func renderDrift(w io.Writer, source, target string, report *syncmanager.DriftReport) {
	if !report.HasUpdates {
		fmt.Fprintf(w, "%s is up to date with %s\n", target, source)
		if report.PendingPullRequest != "" {
			fmt.Fprintf(w, "Open sync pull request: %s\n", report.PendingPullRequest)
		}
		return
	}

	fmt.Fprintf(w, "%s is behind %s\n\n", target, source)
	if head := report.LatestCommit; head != nil {
		fmt.Fprintf(w, "Template head: %s\n", head.SHA)
		if head.Message != "" {
			fmt.Fprintf(w, "  %s\n", firstLine(head.Message))
		}
		if head.Author != "" && !head.Date.IsZero() {
			fmt.Fprintf(w, "  %s, %s\n", head.Author, head.Date.Format(time.RFC1123))
		}
	}
	if report.Anchor.CommitSHA != "" {
		fmt.Fprintf(w, "Last synced:   %s (%s)\n", report.Anchor.TemplateSHA, report.Anchor.Timestamp.Format(time.RFC1123))
	} else {
		fmt.Fprintf(w, "Never synced; comparing against repository creation (%s)\n", report.Anchor.Timestamp.Format(time.RFC1123))
	}
	fmt.Fprintln(w)

	switch {
	case !report.ChangedFilesKnown:
		fmt.Fprintln(w, "Changed files unknown: treat the entire template file set as changed.")
	case len(report.ChangedFiles) == 0:
		fmt.Fprintln(w, "No file-level changes between the synced state and the template head.")
	default:
		renderChangedFiles(w, report.ChangedFiles)
	}

	if report.PendingPullRequest != "" {
		fmt.Fprintf(w, "\nOpen sync pull request: %s\n", report.PendingPullRequest)
	}
}

func renderChangedFiles(w io.Writer, files []syncmanager.ChangedFile) {
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
			Behavior: tw.Behavior{TrimSpace: tw.Off},
		}),
		tablewriter.WithHeader([]string{"File", "Change", "+", "-"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	for _, f := range files {
		_ = table.Append([]string{f.Path, f.Change, strconv.Itoa(f.Additions), strconv.Itoa(f.Deletions)})
	}
	_ = table.Render()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
