package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// ManifestPath and PatchPrefix mirror the layout of the live servers.
const (
	ManifestPath = "/content/patchmanifest.txt"
	PatchPrefix  = "/patches/"
)

type servedFile struct {
	key       string
	hash      string
	platforms []string
	dl        string
	artifact  []byte
}

// PatchServer is an in-process manifest and distribution server.
type PatchServer struct {
	*httptest.Server

	mu        sync.Mutex
	files     []servedFile
	failing   map[string]int // dl name -> status code
	truncated map[string]bool
	manifest  []byte // overrides the generated manifest when set
	status    int    // manifest status override
	requests  []string
	userAgent string
}

// NewPatchServer starts a server and registers its shutdown with t.
func NewPatchServer(t testing.TB) *PatchServer {
	t.Helper()
	ps := &PatchServer{
		failing:   make(map[string]int),
		truncated: make(map[string]bool),
	}
	ps.Server = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.Close)
	return ps
}

// ManifestURL returns the manifest endpoint.
func (ps *PatchServer) ManifestURL() string {
	return ps.URL + ManifestPath
}

// DownloadURL returns the distribution base URL.
func (ps *PatchServer) DownloadURL() string {
	return ps.URL + strings.TrimSuffix(PatchPrefix, "/")
}

// AddFixture publishes f under key as a bzip2 artifact named key+".bz2".
func (ps *PatchServer) AddFixture(key string, f Fixture, platforms ...string) {
	ps.Add(key, f.SHA1, dlName(key)+".bz2", f.Bzip2, platforms...)
}

// Add publishes an arbitrary artifact.
func (ps *PatchServer) Add(key, hash, dl string, artifact []byte, platforms ...string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.files = append(ps.files, servedFile{
		key:       key,
		hash:      hash,
		platforms: platforms,
		dl:        dl,
		artifact:  artifact,
	})
}

// Fail makes downloads of dl answer with status.
func (ps *PatchServer) Fail(dl string, status int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.failing[dl] = status
}

// Truncate makes downloads of dl announce more bytes than they send.
func (ps *PatchServer) Truncate(dl string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.truncated[dl] = true
}

// SetManifest serves body verbatim instead of the generated manifest.
func (ps *PatchServer) SetManifest(status int, body []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.status = status
	ps.manifest = body
}

// Requests returns every request path served so far.
func (ps *PatchServer) Requests() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.requests...)
}

// Downloads returns the artifact names requested so far.
func (ps *PatchServer) Downloads() []string {
	var out []string
	for _, r := range ps.Requests() {
		if strings.HasPrefix(r, PatchPrefix) {
			out = append(out, strings.TrimPrefix(r, PatchPrefix))
		}
	}
	return out
}

// UserAgent returns the User-Agent of the most recent request.
func (ps *PatchServer) UserAgent() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.userAgent
}

func (ps *PatchServer) handle(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	ps.requests = append(ps.requests, r.URL.Path)
	ps.userAgent = r.UserAgent()
	ps.mu.Unlock()

	switch {
	case r.URL.Path == ManifestPath:
		ps.serveManifest(w)
	case strings.HasPrefix(r.URL.Path, PatchPrefix):
		ps.serveArtifact(w, strings.TrimPrefix(r.URL.Path, PatchPrefix))
	default:
		http.NotFound(w, r)
	}
}

func (ps *PatchServer) serveManifest(w http.ResponseWriter) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.manifest != nil || ps.status != 0 {
		status := ps.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(ps.manifest)
		return
	}

	// Build the object by hand to keep publication order
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, f := range ps.files {
		if i > 0 {
			buf.WriteString(",")
		}
		key, _ := json.Marshal(f.key)
		val, _ := json.Marshal(map[string]any{
			"hash": f.hash,
			"only": f.platforms,
			"dl":   f.dl,
		})
		buf.Write(key)
		buf.WriteString(":")
		buf.Write(val)
	}
	buf.WriteString("}")

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (ps *PatchServer) serveArtifact(w http.ResponseWriter, dl string) {
	ps.mu.Lock()
	status := ps.failing[dl]
	truncated := ps.truncated[dl]
	var artifact []byte
	found := false
	for _, f := range ps.files {
		if f.dl == dl {
			artifact, found = f.artifact, true
			break
		}
	}
	ps.mu.Unlock()

	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
	case !found:
		http.Error(w, "no such artifact", http.StatusNotFound)
	case truncated:
		w.Header().Set("Content-Length", strconv.Itoa(len(artifact)+100))
		_, _ = w.Write(artifact)
	default:
		_, _ = w.Write(artifact)
	}
}

// dlName flattens a key into a download name the way the live server does.
func dlName(key string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(key)
}
