/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package githubauth resolves credentials into authenticated GitHub API
// clients. Two independent credentials may be in play during one operation:
// one scoped to the target repository (read/write) and one scoped to the
// template repository (read-only), so templates private to another owner can
// still be cloned. Clients are cached per credential so repeated operations
// in one process reuse transports.
package githubauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Credential describes one way to authenticate against the GitHub API.
// Either Token is set (personal access token) or the three App fields are
// set (GitHub App installation). A zero Credential yields an unauthenticated
// client, which is sufficient for public template reads.
type Credential struct {
	// Token is a static personal access token.
	Token string

	// AppID, InstallationID and PrivateKeyPath identify a GitHub App
	// installation and its signing key.
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// IsApp reports whether the credential is a GitHub App installation.
func (c Credential) IsApp() bool {
	return c.AppID != 0 && c.InstallationID != 0
}

// IsZero reports whether no credential material is present.
func (c Credential) IsZero() bool {
	return c.Token == "" && !c.IsApp()
}

// cacheKey derives a stable map key without retaining raw token material.
func (c Credential) cacheKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", c.Token, c.AppID, c.InstallationID, c.PrivateKeyPath)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Builder constructs and caches GitHub clients, one per credential.
type Builder struct {
	baseURL   string
	uploadURL string

	mu      sync.RWMutex
	clients map[string]*github.Client
}

// NewBuilder returns a Builder. Options select an enterprise API endpoint;
// without them clients talk to api.github.com.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		clients: make(map[string]*github.Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns a GitHub client authenticated with cred, creating and
// caching it on first use.
func (b *Builder) Client(ctx context.Context, cred Credential) (*github.Client, error) {
	key := cred.cacheKey()

	b.mu.RLock()
	client, ok := b.clients[key]
	b.mu.RUnlock()
	if ok {
		return client, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check after acquiring the write lock.
	if client, ok := b.clients[key]; ok {
		return client, nil
	}

	client, err := b.build(ctx, cred)
	if err != nil {
		return nil, err
	}
	b.clients[key] = client
	return client, nil
}

func (b *Builder) build(ctx context.Context, cred Credential) (*github.Client, error) {
	clog.FromContext(ctx).With("app", cred.IsApp()).With("base_url", b.baseURL).
		Debug("Building GitHub client")

	var client *github.Client
	switch {
	case cred.IsApp():
		itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cred.AppID, cred.InstallationID, cred.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading app installation key: %w", err)
		}
		if b.baseURL != "" {
			host := strings.TrimSuffix(strings.TrimSuffix(b.baseURL, "/"), "/api/v3")
			itr.BaseURL = host + "/api/v3"
		}
		client = github.NewClient(&http.Client{Transport: itr})
	case cred.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	default:
		client = github.NewClient(nil)
	}

	if b.baseURL != "" {
		upload := b.uploadURL
		if upload == "" {
			upload = b.baseURL
		}
		enterprise, err := client.WithEnterpriseURLs(b.baseURL, upload)
		if err != nil {
			return nil, fmt.Errorf("configuring enterprise endpoint %q: %w", b.baseURL, err)
		}
		client = enterprise
	}
	return client, nil
}

// Pair resolves the target and source clients for one operation. An absent
// source credential falls back to the target credential, covering the common
// case of template and target living under the same account.
func (b *Builder) Pair(ctx context.Context, target, source Credential) (*github.Client, *github.Client, error) {
	tgt, err := b.Client(ctx, target)
	if err != nil {
		return nil, nil, fmt.Errorf("building target client: %w", err)
	}
	if source.IsZero() {
		return tgt, tgt, nil
	}
	src, err := b.Client(ctx, source)
	if err != nil {
		return nil, nil, fmt.Errorf("building source client: %w", err)
	}
	return tgt, src, nil
}

// GraphQL returns a GraphQL client authenticated with cred, sharing the
// cached REST client's transport. Enterprise instances serve GraphQL under
// /api/graphql at the host root rather than the /api/v3 REST prefix.
func (b *Builder) GraphQL(ctx context.Context, cred Credential) (*githubv4.Client, error) {
	client, err := b.Client(ctx, cred)
	if err != nil {
		return nil, err
	}
	if b.baseURL == "" {
		return githubv4.NewClient(client.Client()), nil
	}
	host := strings.TrimSuffix(strings.TrimSuffix(b.baseURL, "/"), "/api/v3")
	return githubv4.NewEnterpriseClient(host+"/api/graphql", client.Client()), nil
}

// Validate probes the credential and returns the authenticated identity.
// Invalid or missing credential material surfaces here as an error so
// callers can abort before any write is attempted.
func (b *Builder) Validate(ctx context.Context, cred Credential) (string, error) {
	client, err := b.Client(ctx, cred)
	if err != nil {
		return "", err
	}

	if cred.IsApp() {
		// Installation tokens cannot call the viewer endpoint; the rate
		// limit probe still forces a token mint.
		if _, _, err := client.RateLimit.Get(ctx); err != nil {
			return "", fmt.Errorf("validating app installation %d: %w", cred.InstallationID, err)
		}
		return fmt.Sprintf("app installation %d", cred.InstallationID), nil
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("validating credentials: %w", err)
	}
	return user.GetLogin(), nil
}
