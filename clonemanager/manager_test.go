/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v75/github"

	"github.com/graftdev/graft/contentreader"
	"github.com/graftdev/graft/objectwriter"
	"github.com/graftdev/graft/retry"
	"github.com/graftdev/graft/syncmark"
)

const (
	templateHeadSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	devHeadSHA      = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testClient(t *testing.T, mux *http.ServeMux) *github.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	client.BaseURL = base
	return client
}

func testManager(t *testing.T, mux *http.ServeMux) *Manager {
	t.Helper()
	client := testClient(t, mux)
	m, err := New(client, client,
		WithReader(contentreader.New(client, contentreader.WithBatchDelay(0))),
		WithWriter(objectwriter.New(client,
			objectwriter.WithFirstWriteDelay(0),
			objectwriter.WithBatchDelay(0),
			objectwriter.WithBlobRetry(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))),
		WithWriteDelay(0),
		WithConflictRetryDelay(time.Millisecond),
		WithReadiness(2, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return m
}

func blobSHA(path string) string {
	return "blob-" + strings.ReplaceAll(path, "/", "-")
}

// registerTemplate wires the read side of the template repository at
// acme/template: metadata, the default branch head, and a tree of files.
func registerTemplate(t *testing.T, mux *http.ServeMux, files map[string]string) {
	t.Helper()
	mux.HandleFunc("/repos/acme/template", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"template","full_name":"acme/template","default_branch":"main"}`)
	})
	mux.HandleFunc("/repos/acme/template/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"ref":"refs/heads/main","object":{"sha":%q,"type":"commit"}}`, templateHeadSHA)
	})
	registerTree(t, mux, "acme/template", templateHeadSHA, files)
}

// registerTree serves a recursive tree at the given sha plus one blob per
// file.
func registerTree(t *testing.T, mux *http.ServeMux, repo, sha string, files map[string]string) {
	t.Helper()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		blob := blobSHA(p)
		entries = append(entries, map[string]any{
			"path": p, "mode": "100644", "type": "blob", "sha": blob, "size": len(files[p]),
		})
		content := files[p]
		mux.HandleFunc("/repos/"+repo+"/git/blobs/"+blob, func(w http.ResponseWriter, r *http.Request) {
			resp, err := json.Marshal(map[string]string{"sha": blob, "encoding": "utf-8", "content": content})
			if err != nil {
				t.Errorf("marshaling blob %s: %v", blob, err)
			}
			w.Write(resp)
		})
	}

	tree, err := json.Marshal(map[string]any{"sha": sha, "tree": entries})
	if err != nil {
		t.Fatalf("marshaling tree: %v", err)
	}
	mux.HandleFunc("/repos/"+repo+"/git/trees/"+sha, func(w http.ResponseWriter, r *http.Request) {
		w.Write(tree)
	})
}

func registerUnprotected(mux *http.ServeMux) {
	mux.HandleFunc("/repos/acme/template/branches/main/protection", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Branch not protected"}`)
	})
}

const createdRepo = `{"name":"app","full_name":"acme/app","default_branch":"main","owner":{"login":"acme"}}`

type contentsPut struct {
	Message string `json:"message"`
	Content []byte `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha"`
}

func TestClone_ContentsStrategy(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, map[string]string{
		"README.md": "# app\n",
		"main.go":   "package main\n",
	})
	registerUnprotected(mux)

	var createReq struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Private     bool   `json:"private"`
		AutoInit    bool   `json:"auto_init"`
	}
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&createReq); err != nil {
			t.Errorf("decoding create request: %v", err)
		}
		fmt.Fprint(w, createdRepo)
	})

	var (
		mu   sync.Mutex
		ops  []string
		puts = map[string]contentsPut{}
	)
	recordPut := func(path string, r *http.Request) {
		var body contentsPut
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding put for %s: %v", path, err)
		}
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, "put-"+path)
		puts[path] = body
	}
	mux.HandleFunc("/repos/acme/app/contents/README.md", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			ops = append(ops, "get-placeholder")
			mu.Unlock()
			fmt.Fprint(w, `{"name":"README.md","path":"README.md","sha":"placeholder-sha","type":"file"}`)
		case http.MethodDelete:
			var del struct {
				SHA string `json:"sha"`
			}
			if err := json.NewDecoder(r.Body).Decode(&del); err != nil {
				t.Errorf("decoding delete request: %v", err)
			}
			if del.SHA != "placeholder-sha" {
				t.Errorf("placeholder delete sha = %q, want placeholder-sha", del.SHA)
			}
			mu.Lock()
			ops = append(ops, "delete-placeholder")
			mu.Unlock()
			fmt.Fprint(w, `{"commit":{"sha":"del-sha"}}`)
		case http.MethodPut:
			recordPut("README.md", r)
			fmt.Fprint(w, `{"commit":{"sha":"c-readme"}}`)
		}
	})
	mux.HandleFunc("/repos/acme/app/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		recordPut("main.go", r)
		fmt.Fprint(w, `{"commit":{"sha":"c-main"}}`)
	})

	m := testManager(t, mux)
	result, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
		Description: "provisioned from template",
		Private:     true,
	})
	if err != nil {
		t.Fatalf("Clone() = %v", err)
	}

	if result.Strategy != strategyContents {
		t.Errorf("Strategy = %q, want %q", result.Strategy, strategyContents)
	}
	if result.Repository != "acme/app" || result.FilesCount != 2 {
		t.Errorf("result = %q with %d files, want acme/app with 2", result.Repository, result.FilesCount)
	}
	if !createReq.AutoInit || !createReq.Private || createReq.Name != "app" {
		t.Errorf("create request = %+v, want auto-initialized private repository named app", createReq)
	}

	wantOps := []string{"get-placeholder", "delete-placeholder", "put-README.md", "put-main.go"}
	if diff := cmp.Diff(wantOps, ops); diff != "" {
		t.Errorf("operation order mismatch (-want +got):\n%s", diff)
	}

	if want := syncmark.FileImportMessage("README.md", templateHeadSHA); puts["README.md"].Message != want {
		t.Errorf("README.md commit message = %q, want %q", puts["README.md"].Message, want)
	}
	if got := string(puts["main.go"].Content); got != "package main\n" {
		t.Errorf("main.go content = %q", got)
	}
	if puts["main.go"].Branch != "main" {
		t.Errorf("main.go branch = %q, want main", puts["main.go"].Branch)
	}
}

func TestClone_FallsBackToGitData(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, map[string]string{
		"lib.go":  "package lib\n",
		"main.go": "package main\n",
	})
	registerUnprotected(mux)

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})
	mux.HandleFunc("/repos/acme/app", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})

	// Every per-file write fails, forcing the git database fallback.
	mux.HandleFunc("/repos/acme/app/contents/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"boom"}`)
	})

	var (
		mu    sync.Mutex
		blobs int
	)
	mux.HandleFunc("/repos/acme/app/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		blobs++
		n := blobs
		mu.Unlock()
		fmt.Fprintf(w, `{"sha":"upload-%d"}`, n)
	})

	var treePaths []string
	mux.HandleFunc("/repos/acme/app/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BaseTree string `json:"base_tree"`
			Tree     []struct {
				Path string `json:"path"`
			} `json:"tree"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding tree request: %v", err)
		}
		if req.BaseTree != "" {
			t.Errorf("base_tree = %q, want empty for a full import", req.BaseTree)
		}
		for _, e := range req.Tree {
			treePaths = append(treePaths, e.Path)
		}
		fmt.Fprint(w, `{"sha":"t1"}`)
	})

	var commitMessage string
	mux.HandleFunc("/repos/acme/app/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
			Tree    string `json:"tree"`
			Parents []struct {
				SHA string `json:"sha"`
			} `json:"parents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding commit request: %v", err)
		}
		if len(req.Parents) != 0 {
			t.Errorf("import commit has %d parents, want none", len(req.Parents))
		}
		if req.Tree != "t1" {
			t.Errorf("commit tree = %q, want t1", req.Tree)
		}
		commitMessage = req.Message
		fmt.Fprint(w, `{"sha":"c1"}`)
	})

	var refUpdate struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	mux.HandleFunc("/repos/acme/app/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&refUpdate); err != nil {
			t.Errorf("decoding ref update: %v", err)
		}
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"c1"}}`)
	})

	m := testManager(t, mux)
	result, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
	})
	if err != nil {
		t.Fatalf("Clone() = %v", err)
	}

	if result.Strategy != strategyGitData {
		t.Errorf("Strategy = %q, want %q", result.Strategy, strategyGitData)
	}
	if result.FilesCount != 2 {
		t.Errorf("FilesCount = %d, want 2", result.FilesCount)
	}
	if diff := cmp.Diff([]string{"lib.go", "main.go"}, treePaths); diff != "" {
		t.Errorf("tree paths mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(commitMessage, "Initial import from template acme/template") {
		t.Errorf("commit message = %q, want initial import marker", commitMessage)
	}
	if sha, ok := syncmark.TemplateSHA(commitMessage); !ok || sha != templateHeadSHA {
		t.Errorf("commit trailer = %q, %v, want %q", sha, ok, templateHeadSHA)
	}
	if refUpdate.SHA != "c1" || !refUpdate.Force {
		t.Errorf("ref update = %+v, want forced advance to c1", refUpdate)
	}
}

func TestClone_BothStrategiesFail(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, map[string]string{"main.go": "package main\n"})

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})
	mux.HandleFunc("/repos/acme/app", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})
	mux.HandleFunc("/repos/acme/app/contents/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"boom"}`)
	})
	mux.HandleFunc("/repos/acme/app/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"still boom"}`)
	})

	m := testManager(t, mux)
	_, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
	})
	if err == nil {
		t.Fatal("Clone() succeeded, want combined failure")
	}
	if !strings.Contains(err.Error(), "all clone strategies failed") {
		t.Errorf("error = %v, want combined strategy failure", err)
	}
}

func TestClone_EmptyTemplate(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, nil)
	registerUnprotected(mux)

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})
	var touched bool
	mux.HandleFunc("/repos/acme/app/contents/", func(w http.ResponseWriter, r *http.Request) {
		touched = true
		fmt.Fprint(w, `{}`)
	})

	m := testManager(t, mux)
	result, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
	})
	if err != nil {
		t.Fatalf("Clone() = %v", err)
	}
	if result.FilesCount != 0 {
		t.Errorf("FilesCount = %d, want 0", result.FilesCount)
	}
	if touched {
		t.Error("contents endpoints were written for an empty template")
	}
}

func TestClone_MissingTemplate(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/template", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	var created bool
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		created = true
		fmt.Fprint(w, createdRepo)
	})

	m := testManager(t, mux)
	_, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
	})
	if err == nil || !strings.Contains(err.Error(), "reading template repository") {
		t.Fatalf("Clone() = %v, want template read failure", err)
	}
	if created {
		t.Error("target repository was created for a missing template")
	}
}

func TestClone_ConflictRetryReReadsSHA(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, map[string]string{"app.yaml": "x: 1\n"})
	registerUnprotected(mux)

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})

	var puts []contentsPut
	mux.HandleFunc("/repos/acme/app/contents/app.yaml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"name":"app.yaml","path":"app.yaml","sha":"existing-sha","type":"file"}`)
			return
		}
		var body contentsPut
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding put: %v", err)
		}
		puts = append(puts, body)
		if len(puts) == 1 {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"message":"app.yaml does not match expected sha"}`)
			return
		}
		fmt.Fprint(w, `{"commit":{"sha":"c1"}}`)
	})

	m := testManager(t, mux)
	result, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner: "acme",
		SourceRepo:  "template",
		TargetOwner: "acme",
		TargetName:  "app",
	})
	if err != nil {
		t.Fatalf("Clone() = %v", err)
	}
	if result.FilesCount != 1 {
		t.Errorf("FilesCount = %d, want 1", result.FilesCount)
	}
	if len(puts) != 2 {
		t.Fatalf("put attempts = %d, want 2", len(puts))
	}
	if puts[0].SHA != "" {
		t.Errorf("first attempt carried sha %q, want none", puts[0].SHA)
	}
	if puts[1].SHA != "existing-sha" {
		t.Errorf("retry sha = %q, want existing-sha from the re-read", puts[1].SHA)
	}
}

func TestClone_IncludeBranches(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	registerTemplate(t, mux, map[string]string{"main.go": "package main\n"})
	registerTree(t, mux, "acme/template", devHeadSHA, map[string]string{"feature.go": "package feature\n"})
	registerUnprotected(mux)

	mux.HandleFunc("/repos/acme/template/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name":"main","commit":{"sha":%q}},{"name":"dev","commit":{"sha":%q}}]`,
			templateHeadSHA, devHeadSHA)
	})
	mux.HandleFunc("/repos/acme/template/git/commits/"+devHeadSHA, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"sha":%q}`, devHeadSHA)
	})

	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdRepo)
	})
	mux.HandleFunc("/repos/acme/app/contents/main.go", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"commit":{"sha":"c-main"}}`)
	})
	mux.HandleFunc("/repos/acme/app/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"upload-1"}`)
	})
	mux.HandleFunc("/repos/acme/app/git/trees", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"t-dev"}`)
	})
	var branchMessage string
	mux.HandleFunc("/repos/acme/app/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding commit request: %v", err)
		}
		branchMessage = req.Message
		fmt.Fprint(w, `{"sha":"c-dev"}`)
	})
	var createdRef struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	mux.HandleFunc("/repos/acme/app/git/refs", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&createdRef); err != nil {
			t.Errorf("decoding ref create: %v", err)
		}
		fmt.Fprint(w, `{"ref":"refs/heads/dev","object":{"sha":"c-dev"}}`)
	})

	m := testManager(t, mux)
	result, err := m.Clone(context.Background(), CloneRequest{
		SourceOwner:     "acme",
		SourceRepo:      "template",
		TargetOwner:     "acme",
		TargetName:      "app",
		IncludeBranches: true,
	})
	if err != nil {
		t.Fatalf("Clone() = %v", err)
	}

	// The default branch alone determines the file count.
	if result.FilesCount != 1 {
		t.Errorf("FilesCount = %d, want 1", result.FilesCount)
	}
	if createdRef.Ref != "refs/heads/dev" || createdRef.SHA != "c-dev" {
		t.Errorf("created ref = %+v, want refs/heads/dev at c-dev", createdRef)
	}
	if sha, ok := syncmark.TemplateSHA(branchMessage); !ok || sha != devHeadSHA {
		t.Errorf("branch commit trailer = %q, %v, want %q", sha, ok, devHeadSHA)
	}
}

func TestClone_Validation(t *testing.T) {
	t.Parallel()
	m := testManager(t, http.NewServeMux())

	tests := []struct {
		name string
		req  CloneRequest
	}{
		{"no source owner", CloneRequest{SourceRepo: "template", TargetName: "app"}},
		{"no source repo", CloneRequest{SourceOwner: "acme", TargetName: "app"}},
		{"no target name", CloneRequest{SourceOwner: "acme", SourceRepo: "template"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Clone(context.Background(), tc.req); err == nil {
				t.Error("Clone() succeeded, want validation error")
			}
		})
	}
}

func TestNew_RequiresClients(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, github.NewClient(nil)); err == nil {
		t.Error("New(nil target) succeeded")
	}
	if _, err := New(github.NewClient(nil), nil); err == nil {
		t.Error("New(nil source) succeeded")
	}
}
