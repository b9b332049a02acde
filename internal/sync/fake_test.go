package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type obj = map[string]any

// fakeGitHub serves canned REST responses keyed by request path.
type fakeGitHub struct {
	srv *httptest.Server

	mu     sync.Mutex
	routes map[string]any
	raw    map[string]string
	status map[string]int
	onHit  map[string]func()
	hits   map[string]int
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	f := &fakeGitHub{
		routes: map[string]any{},
		raw:    map[string]string{},
		status: map[string]int{},
		onHit:  map[string]func(){},
		hits:   map[string]int{},
	}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	path := r.URL.Path
	f.hits[path]++
	status, forced := f.status[path]
	body, isRaw := f.raw[path]
	value, ok := f.routes[path]
	hook := f.onHit[path]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	switch {
	case forced:
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"message":"forced failure"}`)
	case isRaw:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, body)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(value)
	}
}

func (f *fakeGitHub) set(path string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = v
}

func (f *fakeGitHub) setRaw(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[path] = body
}

func (f *fakeGitHub) fail(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = status
}

func (f *fakeGitHub) heal(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.status, path)
}

func (f *fakeGitHub) hook(path string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHit[path] = fn
}

func (f *fakeGitHub) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeGitHub) cloneURL(owner, name string) string {
	return fmt.Sprintf("%s/%s/%s.git", f.srv.URL, owner, name)
}

func (f *fakeGitHub) repoInfo(owner, name string, hasWiki bool) obj {
	return obj{
		"id":             1,
		"name":           name,
		"full_name":      owner + "/" + name,
		"owner":          obj{"login": owner},
		"has_issues":     true,
		"has_wiki":       hasWiki,
		"clone_url":      f.cloneURL(owner, name),
		"default_branch": "main",
		"private":        false,
	}
}

func (f *fakeGitHub) issue(owner, name string, number, comments int, title, updated string) obj {
	return obj{
		"id":           1000 + number,
		"number":       number,
		"title":        title,
		"state":        "open",
		"comments":     comments,
		"updated_at":   updated,
		"comments_url": fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", f.srv.URL, owner, name, number),
		"user":         obj{"login": "octocat", "id": 1},
	}
}

// scenario installs a repository with 3 issues (plus one pull request in
// the issues listing), 2 comments on issue 1, 1 label, no milestones, no
// pull requests and 1 release carrying 1 asset.
func (f *fakeGitHub) scenario(owner, name string) {
	base := "/repos/" + owner + "/" + name
	f.set(base, f.repoInfo(owner, name, false))
	f.set(base+"/issues", []any{
		f.issue(owner, name, 1, 2, "First issue", "2024-01-01T00:00:00Z"),
		f.issue(owner, name, 2, 0, "Second issue", "2024-01-02T00:00:00Z"),
		f.issue(owner, name, 3, 0, "Third issue", "2024-01-03T00:00:00Z"),
		obj{"id": 1004, "number": 4, "comments": 0, "pull_request": obj{"url": "https://example.invalid/pulls/4"}},
	})
	f.set(base+"/issues/1/comments", []any{
		obj{"id": 101, "body": "first comment", "unknown_field": obj{"kept": true}},
		obj{"id": 102, "body": "second comment"},
	})
	f.set(base+"/labels", []any{obj{"id": 201, "name": "bug", "color": "f29513"}})
	f.set(base+"/milestones", []any{})
	f.set(base+"/pulls", []any{})
	f.set(base+"/releases", []any{obj{
		"id":       301,
		"tag_name": "v1.0.0",
		"name":     "v1.0.0",
		"assets": []any{obj{
			"id":           401,
			"name":         "app.tar.gz",
			"size":         7,
			"content_type": "application/gzip",
		}},
	}})
	f.setRaw(base+"/releases/assets/401", "tarball")
}

// layout lists the archived files below root, one relative path per line.
func layout(t *testing.T, root string) string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return strings.Join(files, "\n") + "\n"
}

// snapshot returns the content of every archived file below root.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, rel := range strings.Fields(layout(t, root)) {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		require.NoError(t, err)
		out[rel] = string(data)
	}
	return out
}
