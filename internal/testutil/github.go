// Package testutil provides an in-process stand-in for the GitHub API and raw content host.
package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// GitHub serves commits, recursive trees, compares and raw file contents for one repository.
type GitHub struct {
	Owner  string
	Name   string
	Branch string

	server *httptest.Server

	mu       sync.Mutex
	commits  []snapshot
	requests map[string]int
	failures map[string]int
}

type snapshot struct {
	sha   string
	files map[string]string
}

type treeItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type compareFile struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// NewGitHub starts a server for owner/name with branch as its head. It is closed when t ends.
func NewGitHub(t testing.TB, owner, name, branch string) *GitHub {
	t.Helper()
	g := &GitHub{
		Owner:    owner,
		Name:     name,
		Branch:   branch,
		requests: make(map[string]int),
		failures: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Route("/repos/{owner}/{name}", func(r chi.Router) {
		r.Get("/commits/{ref}", g.handle("commit", g.serveCommit))
		r.Get("/git/trees/{sha}", g.handle("tree", g.serveTree))
		r.Get("/compare/{spec}", g.handle("compare", g.serveCompare))
	})
	r.Get("/raw/{owner}/{name}/{ref}/*", g.handle("content", g.serveContent))

	g.server = httptest.NewServer(r)
	t.Cleanup(g.server.Close)
	return g
}

// APIURL is the base URL of the emulated REST API
func (g *GitHub) APIURL() string {
	return g.server.URL
}

// RawURL is the base URL of the emulated raw content host
func (g *GitHub) RawURL() string {
	return g.server.URL + "/raw"
}

// Commit records a new head holding exactly files and returns its sha.
func (g *GitHub) Commit(files map[string]string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	copied := make(map[string]string, len(files))
	h := sha1.New()
	_, _ = fmt.Fprintf(h, "%d\n", len(g.commits))
	for _, p := range sortedPaths(files) {
		copied[p] = files[p]
		_, _ = fmt.Fprintf(h, "%s\x00%s\x00", p, files[p])
	}
	sha := hex.EncodeToString(h.Sum(nil))
	g.commits = append(g.commits, snapshot{sha: sha, files: copied})
	return sha
}

// Requests returns how many requests an endpoint (commit, tree, compare, content) served
func (g *GitHub) Requests(endpoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[endpoint]
}

// ResetRequests zeroes the request counters
func (g *GitHub) ResetRequests() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = make(map[string]int)
}

// Fail makes every request to endpoint answer with status until cleared with status 0.
func (g *GitHub) Fail(endpoint string, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if status == 0 {
		delete(g.failures, endpoint)
		return
	}
	g.failures[endpoint] = status
}

func (g *GitHub) handle(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.requests[endpoint]++
		status := g.failures[endpoint]
		g.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		if chi.URLParam(r, "owner") != g.Owner || chi.URLParam(r, "name") != g.Name {
			http.NotFound(w, r)
			return
		}
		fn(w, r)
	}
}

func (g *GitHub) serveCommit(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if chi.URLParam(r, "ref") != g.Branch || len(g.commits) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]string{"sha": g.commits[len(g.commits)-1].sha})
}

func (g *GitHub) serveTree(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap, ok := g.lookup(chi.URLParam(r, "sha"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	dirs := make(map[string]bool)
	var items []treeItem
	for _, p := range sortedPaths(snap.files) {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			dirs[dir] = true
		}
		items = append(items, treeItem{Path: p, Type: "blob"})
	}
	for dir := range dirs {
		items = append(items, treeItem{Path: dir, Type: "tree"})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	writeJSON(w, map[string]any{"sha": snap.sha, "tree": items, "truncated": false})
}

func (g *GitHub) serveCompare(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	base, head, ok := strings.Cut(chi.URLParam(r, "spec"), "...")
	if !ok {
		http.NotFound(w, r)
		return
	}
	from, okFrom := g.lookup(base)
	to, okTo := g.lookup(head)
	if !okFrom || !okTo {
		http.NotFound(w, r)
		return
	}

	files := []compareFile{}
	for _, p := range sortedPaths(to.files) {
		old, existed := from.files[p]
		switch {
		case !existed:
			files = append(files, compareFile{Filename: p, Status: "added"})
		case old != to.files[p]:
			files = append(files, compareFile{Filename: p, Status: "modified"})
		}
	}
	for _, p := range sortedPaths(from.files) {
		if _, ok := to.files[p]; !ok {
			files = append(files, compareFile{Filename: p, Status: "removed"})
		}
	}

	writeJSON(w, map[string]any{"status": "ahead", "files": files})
}

func (g *GitHub) serveContent(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap, ok := g.lookup(chi.URLParam(r, "ref"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	content, ok := snap.files[chi.URLParam(r, "*")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(content))
}

// lookup finds a commit by sha or by branch name. Callers hold g.mu.
func (g *GitHub) lookup(ref string) (snapshot, bool) {
	if ref == g.Branch && len(g.commits) > 0 {
		return g.commits[len(g.commits)-1], true
	}
	for _, c := range g.commits {
		if c.sha == ref {
			return c, true
		}
	}
	return snapshot{}, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
