/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/graftdev/graft/clonemanager"
	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/githubauth"
	"github.com/graftdev/graft/objectwriter"
	"github.com/graftdev/graft/retry"
	"github.com/graftdev/graft/syncmanager"
)

// defaultTuningFile is looked up in the working directory when --config is
// not given. Its absence is not an error.
const defaultTuningFile = ".graft.yaml"

// envConfig is the credential and endpoint configuration, environment only.
type envConfig struct {
	// Token authenticates against the target (and, without a separate
	// source credential, the template).
	Token string `env:"GITHUB_TOKEN"`

	// SourceToken authenticates template reads separately, for templates
	// private to another owner.
	SourceToken string `env:"GRAFT_SOURCE_TOKEN"`

	// APIURL and UploadURL point at a GitHub Enterprise Server instance.
	APIURL    string `env:"GITHUB_API_URL"`
	UploadURL string `env:"GITHUB_UPLOAD_URL"`

	// GitHub App installation credentials, used for the target instead of
	// Token when all three are set.
	AppID          int64  `env:"GRAFT_APP_ID"`
	InstallationID int64  `env:"GRAFT_APP_INSTALLATION_ID"`
	PrivateKeyPath string `env:"GRAFT_APP_PRIVATE_KEY"`
}

// duration is a time.Duration that unmarshals from "250ms" style strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// tuning is the optional .graft.yaml file. Every knob defaults to the
// engine's built-in value when absent.
type tuning struct {
	// Blob batch shape shared by reads and writes.
	BatchSize  int      `yaml:"batchSize"`
	BatchDelay duration `yaml:"batchDelay"`

	// Blob write retries.
	BlobRetries    int      `yaml:"blobRetries"`
	BlobRetryDelay duration `yaml:"blobRetryDelay"`

	// Contents-strategy pacing.
	WriteDelay         duration `yaml:"writeDelay"`
	ConflictRetryDelay duration `yaml:"conflictRetryDelay"`
	Placeholder        string   `yaml:"placeholder"`

	// Git-strategy readiness polling and first-write settling.
	ReadyAttempts   int      `yaml:"readyAttempts"`
	ReadyDelay      duration `yaml:"readyDelay"`
	FirstWriteDelay duration `yaml:"firstWriteDelay"`

	// Sync engine.
	HistoryDepth int `yaml:"historyDepth"`
	Denylist     struct {
		Files []string `yaml:"files"`
		Dirs  []string `yaml:"dirs"`
	} `yaml:"denylist"`
}

// settings is everything one invocation runs with.
type settings struct {
	env    envConfig
	tuning tuning
}

// loadSettings reads the environment and the tuning file. An explicitly
// named tuning file must exist; the default one may be absent.
func loadSettings(ctx context.Context, path string) (*settings, error) {
	s := &settings{}
	if err := envconfig.Process(ctx, &s.env); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = defaultTuningFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && !explicit:
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading tuning file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.tuning); err != nil {
		return nil, fmt.Errorf("parsing tuning file %s: %w", path, err)
	}
	return s, nil
}

// targetCredential prefers the App installation over a static token.
func (s *settings) targetCredential() githubauth.Credential {
	if s.env.AppID != 0 && s.env.InstallationID != 0 {
		return githubauth.Credential{
			AppID:          s.env.AppID,
			InstallationID: s.env.InstallationID,
			PrivateKeyPath: s.env.PrivateKeyPath,
		}
	}
	return githubauth.Credential{Token: s.env.Token}
}

// sourceCredential resolves the template-side credential: the flag wins over
// the environment, and a zero result falls back to the target credential.
func (s *settings) sourceCredential(flagToken string) githubauth.Credential {
	if flagToken != "" {
		return githubauth.Credential{Token: flagToken}
	}
	return githubauth.Credential{Token: s.env.SourceToken}
}

func (s *settings) readerOptions() []contentreader.Option {
	var opts []contentreader.Option
	if s.tuning.BatchSize > 0 {
		opts = append(opts, contentreader.WithBatchSize(s.tuning.BatchSize))
	}
	if s.tuning.BatchDelay > 0 {
		opts = append(opts, contentreader.WithBatchDelay(time.Duration(s.tuning.BatchDelay)))
	}
	return opts
}

func (s *settings) writerOptions() []objectwriter.Option {
	var opts []objectwriter.Option
	if s.tuning.BatchSize > 0 {
		opts = append(opts, objectwriter.WithBatchSize(s.tuning.BatchSize))
	}
	if s.tuning.BatchDelay > 0 {
		opts = append(opts, objectwriter.WithBatchDelay(time.Duration(s.tuning.BatchDelay)))
	}
	if s.tuning.BlobRetries > 0 || s.tuning.BlobRetryDelay > 0 {
		cfg := retry.DefaultConfig()
		if s.tuning.BlobRetries > 0 {
			cfg.MaxRetries = s.tuning.BlobRetries
		}
		if s.tuning.BlobRetryDelay > 0 {
			cfg.BaseDelay = time.Duration(s.tuning.BlobRetryDelay)
		}
		opts = append(opts, objectwriter.WithBlobRetry(cfg))
	}
	if s.tuning.FirstWriteDelay > 0 {
		opts = append(opts, objectwriter.WithFirstWriteDelay(time.Duration(s.tuning.FirstWriteDelay)))
	}
	return opts
}

func (s *settings) cloneOptions(target, source *github.Client) []clonemanager.Option {
	opts := []clonemanager.Option{
		clonemanager.WithReader(contentreader.New(source, s.readerOptions()...)),
		clonemanager.WithWriter(objectwriter.New(target, s.writerOptions()...)),
	}
	if s.tuning.WriteDelay > 0 {
		opts = append(opts, clonemanager.WithWriteDelay(time.Duration(s.tuning.WriteDelay)))
	}
	if s.tuning.ConflictRetryDelay > 0 {
		opts = append(opts, clonemanager.WithConflictRetryDelay(time.Duration(s.tuning.ConflictRetryDelay)))
	}
	if s.tuning.ReadyAttempts > 0 && s.tuning.ReadyDelay > 0 {
		opts = append(opts, clonemanager.WithReadiness(s.tuning.ReadyAttempts, time.Duration(s.tuning.ReadyDelay)))
	}
	if s.tuning.Placeholder != "" {
		opts = append(opts, clonemanager.WithPlaceholder(s.tuning.Placeholder))
	}
	return opts
}

func (s *settings) syncOptions(target, source *github.Client) []syncmanager.Option {
	opts := []syncmanager.Option{
		syncmanager.WithReader(contentreader.New(source, s.readerOptions()...)),
		syncmanager.WithWriter(objectwriter.New(target, s.writerOptions()...)),
	}
	if s.tuning.HistoryDepth > 0 {
		opts = append(opts, syncmanager.WithHistoryDepth(s.tuning.HistoryDepth))
	}
	if len(s.tuning.Denylist.Files) > 0 || len(s.tuning.Denylist.Dirs) > 0 {
		d := syncmanager.DefaultDenylist()
		d.ExtendFiles(s.tuning.Denylist.Files...)
		d.ExtendDirs(s.tuning.Denylist.Dirs...)
		opts = append(opts, syncmanager.WithDenylist(d))
	}
	return opts
}
