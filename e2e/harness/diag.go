//go:build e2e

package harness

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Diagnostics represents collected diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	Items       []DiagItem
}

// DiagItem represents a single piece of diagnostic output
type DiagItem struct {
	Name   string
	Output string
}

// CollectDiagnostics gathers the serve output, its status and the files on disk
func (s *Suite) CollectDiagnostics(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		Items:       []DiagItem{},
	}

	diag.Items = append(diag.Items, DiagItem{Name: "serve-output", Output: s.Output()})

	statusOut := ""
	if st, err := s.Status(ctx); err != nil {
		statusOut = "error: " + err.Error()
	} else {
		data, _ := json.MarshalIndent(st, "", "  ")
		statusOut = string(data)
	}
	diag.Items = append(diag.Items, DiagItem{Name: "status", Output: statusOut})

	if cfg, err := os.ReadFile(s.ConfigPath); err == nil {
		diag.Items = append(diag.Items, DiagItem{Name: "config", Output: string(cfg)})
	}

	diag.Items = append(diag.Items,
		DiagItem{Name: "ls-install-dir", Output: listTree(s.InstallDir)},
		DiagItem{Name: "ls-staging-dir", Output: listTree(filepath.Join(s.WorkDir, "temp"))},
		DiagItem{Name: "server-requests", Output: strings.Join(s.Server.Requests(), "\n")},
	)

	return diag, nil
}

func listTree(root string) string {
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		b.WriteString(info.Mode().String() + " " + rel + "\n")
		return nil
	})
	if err != nil {
		b.WriteString("error: " + err.Error() + "\n")
	}
	return b.String()
}

// DumpDiagnostics collects diagnostics and writes them to the test log
func (s *Suite) DumpDiagnostics(ctx context.Context) {
	diag, err := s.CollectDiagnostics(ctx)
	if err != nil {
		s.Logf("Failed to collect diagnostics: %v", err)
		return
	}

	s.Logf("=== Diagnostics (%s) ===", diag.CollectedAt.Format(time.RFC3339))
	for _, item := range diag.Items {
		output := strings.TrimRight(item.Output, "\n")
		if output == "" {
			output = "(empty)"
		}
		s.Logf("--- %s ---\n%s", item.Name, output)
	}
	s.Logf("=== End diagnostics ===")
}

// RunScenario runs fn and dumps diagnostics when it fails
func (s *Suite) RunScenario(ctx context.Context, name string, fn func(context.Context) error) error {
	s.Logf("Running scenario: %s", name)
	start := time.Now()

	if err := fn(ctx); err != nil {
		s.Logf("Scenario %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		s.DumpDiagnostics(ctx)
		return err
	}

	s.Logf("Scenario %s passed in %s", name, time.Since(start).Round(time.Millisecond))
	return nil
}
