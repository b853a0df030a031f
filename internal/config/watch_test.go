package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newWatchedFile(t *testing.T, contents string) (string, *Watcher, chan *Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, got
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path, _, got := newWatchedFile(t, "log:\n  level: info\n")

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-got:
		if cfg.Log.Level != "debug" {
			t.Errorf("reloaded Log.Level = %q, want debug", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_SurvivesRenameStyleSave(t *testing.T) {
	path, _, got := newWatchedFile(t, "log:\n  level: info\n")

	// Editors often write a temp file and rename it over the original.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("log:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	select {
	case cfg := <-got:
		if cfg.Log.Level != "warn" {
			t.Errorf("reloaded Log.Level = %q, want warn", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload after rename")
	}
}

func TestWatcher_SkipsInvalidThenRecovers(t *testing.T) {
	path, _, got := newWatchedFile(t, "log:\n  level: info\n")

	if err := os.WriteFile(path, []byte("hub: [broken"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case cfg := <-got:
		t.Fatalf("handler ran for invalid config: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case cfg := <-got:
		if cfg.Log.Level != "error" {
			t.Errorf("reloaded Log.Level = %q, want error", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recovery reload")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	path, _, got := newWatchedFile(t, "log:\n  level: info\n")

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	if err := os.WriteFile(other, []byte("unrelated"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-got:
		t.Fatalf("handler ran for sibling file change: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}
}
