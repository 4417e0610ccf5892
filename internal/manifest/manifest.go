package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/customlauncher/patchsync/internal/hasher"
	"github.com/customlauncher/patchsync/internal/platform"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

// Entry is one file governed by the patch manifest
type Entry struct {
	Key          string         // relative install path, "/" separated
	Hash         string         // expected digest of the installed file
	Platforms    []platform.Tag // platforms the file applies to
	DownloadName string         // compressed artifact name on the distribution server
}

// AppliesTo reports whether the entry should be installed on host
func (e Entry) AppliesTo(host platform.Tag) bool {
	return platform.Contains(e.Platforms, host)
}

// Manifest is a parsed manifest snapshot with entries in document order
type Manifest struct {
	Entries []Entry
	index   map[string]int
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// New builds a manifest from entries, rejecting duplicate keys
func New(entries []Entry) (*Manifest, error) {
	m := &Manifest{
		Entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if err := m.add(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifest) add(e Entry) error {
	if _, dup := m.index[e.Key]; dup {
		return fmt.Errorf("duplicate key %q", e.Key)
	}
	m.index[e.Key] = len(m.Entries)
	m.Entries = append(m.Entries, e)
	return nil
}

// rawEntry mirrors one value of the manifest JSON object
type rawEntry struct {
	Hash string   `json:"hash"`
	Only []string `json:"only"`
	DL   string   `json:"dl"`
}

// Parse decodes a manifest body. The body must be a JSON object keyed by
// install path; key order is preserved. Any structural problem is a
// syncerr.ErrParse.
func Parse(r io.Reader) (*Manifest, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, syncerr.Parse("parse manifest", "", errors.New("empty body"))
	}
	if err != nil {
		return nil, syncerr.Parse("parse manifest", "", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, syncerr.Parse("parse manifest", "", fmt.Errorf("expected object, got %v", tok))
	}

	m := &Manifest{index: make(map[string]int)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, syncerr.Parse("parse manifest", "", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, syncerr.Parse("parse manifest", "", fmt.Errorf("unexpected token %v", tok))
		}

		var raw rawEntry
		if err := dec.Decode(&raw); err != nil {
			return nil, syncerr.Parse("parse manifest", key, err)
		}

		entry, err := raw.toEntry(key)
		if err != nil {
			return nil, syncerr.Parse("parse manifest", key, err)
		}
		if err := m.add(entry); err != nil {
			return nil, syncerr.Parse("parse manifest", key, err)
		}
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, syncerr.Parse("parse manifest", "", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, syncerr.Parse("parse manifest", "", errors.New("trailing data after manifest object"))
	}

	return m, nil
}

func (raw rawEntry) toEntry(key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(raw.Hash) == "" {
		return Entry{}, errors.New("missing hash")
	}
	if !hasher.Valid(raw.Hash) {
		return Entry{}, fmt.Errorf("hash %q is not a %d-byte hex digest", raw.Hash, hasher.Size)
	}
	if strings.TrimSpace(raw.DL) == "" {
		return Entry{}, errors.New("missing dl")
	}

	platforms := make([]platform.Tag, 0, len(raw.Only))
	for _, p := range raw.Only {
		platforms = append(platforms, platform.Tag(strings.ToLower(strings.TrimSpace(p))))
	}

	return Entry{
		Key:          key,
		Hash:         strings.TrimSpace(raw.Hash),
		Platforms:    platforms,
		DownloadName: strings.TrimSpace(raw.DL),
	}, nil
}

// ValidateKey rejects keys that are empty or would resolve outside the
// installation directory.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, `\`) || strings.Contains(key, ":") {
		return fmt.Errorf("key %q is not a relative path", key)
	}
	for _, seg := range strings.FieldsFunc(key, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("key %q escapes the installation directory", key)
		}
	}
	return nil
}
