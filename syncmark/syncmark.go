/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package syncmark defines the commit-message markers that anchor template
// synchronization state. There is no database behind the sync engine: the
// only record of "which template commit was last applied" is a trailer
// embedded in commit messages on the target repository, and drift detection
// works by scanning history for these markers. Clone and sync both stamp
// their commits through this package so the two sides agree on the format.
package syncmark

import (
	"fmt"
	"strings"
)

// TrailerKey is the commit-message trailer carrying the template commit sha
// that a clone or sync applied.
const TrailerKey = "template-sha"

const (
	importPrefix = "Initial import from template"
	syncPrefix   = "Sync with template"
)

// ImportMessage is the commit message for a whole-tree template import,
// stamped with the template commit it captured.
func ImportMessage(source, templateSHA string) string {
	return WithTrailer(fmt.Sprintf("%s %s", importPrefix, source), templateSHA)
}

// FileImportMessage is the commit message for a single-file import during a
// per-file clone. Each file lands as its own commit, so each message carries
// the trailer and the final commit on the branch is a usable anchor.
func FileImportMessage(path, templateSHA string) string {
	return WithTrailer(fmt.Sprintf("Add %s from template", path), templateSHA)
}

// SyncMessage is the commit message for replaying template changes onto an
// existing target.
func SyncMessage(source, templateSHA string) string {
	return WithTrailer(SyncTitle(source), templateSHA)
}

// SyncTitle is the first line of a sync commit and the title of a sync pull
// request. Drift scans recognize it, so review branches are discoverable as
// anchors even before they merge.
func SyncTitle(source string) string {
	return fmt.Sprintf("%s %s", syncPrefix, source)
}

// WithTrailer appends the template-sha trailer to message unless the message
// already carries one for the same sha. Caller-supplied commit messages pass
// through here so custom text stays anchored.
func WithTrailer(message, templateSHA string) string {
	if templateSHA == "" {
		return message
	}
	if sha, ok := TemplateSHA(message); ok && sha == templateSHA {
		return message
	}
	return fmt.Sprintf("%s\n\n%s: %s", strings.TrimRight(message, "\n"), TrailerKey, templateSHA)
}

// IsAnchor reports whether a commit message marks a point where template
// state was applied. Marker prefixes cover messages written by this tool;
// the trailer check covers caller-supplied messages that kept the trailer
// but replaced the text.
func IsAnchor(message string) bool {
	if strings.HasPrefix(message, importPrefix) || strings.HasPrefix(message, syncPrefix) {
		return true
	}
	_, ok := TemplateSHA(message)
	return ok
}

// TemplateSHA extracts the template commit sha from a message's trailer.
// When a message carries several trailers the last one wins, matching how
// git resolves repeated trailers.
func TemplateSHA(message string) (string, bool) {
	var (
		sha   string
		found bool
	)
	for _, line := range strings.Split(message, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), TrailerKey+":")
		if !ok {
			continue
		}
		if v := strings.TrimSpace(rest); v != "" {
			sha, found = v, true
		}
	}
	return sha, found
}
