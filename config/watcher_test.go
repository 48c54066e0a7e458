package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, "[upstream]\ntemperature = 0.1\n")

	load := func() (*Config, error) { return Load(path, envMap(nil)) }
	initial, err := load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w := NewWatcher(path, initial, load)
	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) { reloaded <- c })
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "[upstream]\ntemperature = 0.9\nmodel = \"gpt-4o\"\n")

	select {
	case cfg := <-reloaded:
		if cfg.Upstream.Temperature != 0.9 || cfg.Upstream.Model != "gpt-4o" {
			t.Errorf("unexpected reloaded config %+v", cfg.Upstream)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
	}

	if w.Current().Upstream.Temperature != 0.9 {
		t.Errorf("Current should return reloaded config, got %v", w.Current().Upstream.Temperature)
	}
}

func TestWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, "[upstream]\ntemperature = 0.4\n")

	load := func() (*Config, error) { return Load(path, envMap(nil)) }
	initial, _ := load()
	w := NewWatcher(path, initial, load)

	writeFile(t, path, "[upstream]\ntemperature = 5\n")
	w.reload()

	if w.Current().Upstream.Temperature != 0.4 {
		t.Errorf("invalid reload must keep previous config, got %v", w.Current().Upstream.Temperature)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, "")

	calls := make(chan struct{}, 4)
	load := func() (*Config, error) {
		calls <- struct{}{}
		return Default(), nil
	}
	w := NewWatcher(path, Default(), load)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "other.toml"), "x = 1\n")

	select {
	case <-calls:
		t.Error("change to another file must not trigger a reload")
	case <-time.After(reloadDebounce + 300*time.Millisecond):
	}
}
