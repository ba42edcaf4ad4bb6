/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadSettings_TuningFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batchSize: 10
batchDelay: 150ms
blobRetries: 5
blobRetryDelay: 2s
writeDelay: 1s
conflictRetryDelay: 750ms
readyAttempts: 8
readyDelay: 3s
historyDepth: 200
placeholder: BOOTSTRAP.md
denylist:
  files: [CHANGELOG.md]
  dirs: [dist]
`), 0o644))

	s, err := loadSettings(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, 10, s.tuning.BatchSize)
	require.Equal(t, 150*time.Millisecond, time.Duration(s.tuning.BatchDelay))
	require.Equal(t, 5, s.tuning.BlobRetries)
	require.Equal(t, 2*time.Second, time.Duration(s.tuning.BlobRetryDelay))
	require.Equal(t, time.Second, time.Duration(s.tuning.WriteDelay))
	require.Equal(t, 750*time.Millisecond, time.Duration(s.tuning.ConflictRetryDelay))
	require.Equal(t, 8, s.tuning.ReadyAttempts)
	require.Equal(t, 3*time.Second, time.Duration(s.tuning.ReadyDelay))
	require.Equal(t, 200, s.tuning.HistoryDepth)
	require.Equal(t, "BOOTSTRAP.md", s.tuning.Placeholder)
	require.Equal(t, []string{"CHANGELOG.md"}, s.tuning.Denylist.Files)
	require.Equal(t, []string{"dist"}, s.tuning.Denylist.Dirs)
}

func TestLoadSettings_DefaultFileAbsent(t *testing.T) {
	s, err := loadSettings(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, s.tuning.BatchSize)
}

func TestLoadSettings_ExplicitFileMissing(t *testing.T) {
	_, err := loadSettings(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "reading tuning file")
}

func TestLoadSettings_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batchDelay: quickly\n"), 0o644))

	_, err := loadSettings(context.Background(), path)
	require.ErrorContains(t, err, "parsing duration")
}

func TestCredentialResolution(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok")
	t.Setenv("GRAFT_SOURCE_TOKEN", "src")
	t.Setenv("GRAFT_APP_ID", "7")
	t.Setenv("GRAFT_APP_INSTALLATION_ID", "8")
	t.Setenv("GRAFT_APP_PRIVATE_KEY", "/tmp/key.pem")

	s, err := loadSettings(context.Background(), "")
	require.NoError(t, err)

	target := s.targetCredential()
	require.True(t, target.IsApp(), "app installation must win over the static token")
	require.Equal(t, int64(7), target.AppID)
	require.Equal(t, int64(8), target.InstallationID)
	require.Equal(t, "/tmp/key.pem", target.PrivateKeyPath)

	require.Equal(t, "flag", s.sourceCredential("flag").Token, "flag token wins")
	require.Equal(t, "src", s.sourceCredential("").Token, "environment source token is the fallback")
}

func TestCredentialResolution_TokenOnly(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok")
	t.Setenv("GRAFT_APP_ID", "0")
	t.Setenv("GRAFT_APP_INSTALLATION_ID", "0")
	t.Setenv("GRAFT_SOURCE_TOKEN", "")

	s, err := loadSettings(context.Background(), "")
	require.NoError(t, err)

	target := s.targetCredential()
	require.False(t, target.IsApp())
	require.Equal(t, "tok", target.Token)
	require.True(t, s.sourceCredential("").IsZero(), "zero source falls back to the target client")
}
