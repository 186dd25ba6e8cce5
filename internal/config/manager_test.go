package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"serialarr/pkg/logx"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "serialarr.yaml")
	writeConfig(t, path, "engine:\n  workers: 2\n")

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Workers != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Engine.Workers)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the committed config")
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "serialarr.yaml")
	writeConfig(t, path, "log:\n  level: nope\n")

	if _, err := NewManager(path, logx.Nop()).Load(); err == nil {
		t.Fatal("invalid config loaded")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "serialarr.yaml")
	writeConfig(t, path, "engine:\n  workers: 2\n")

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before mutating the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "engine:\n  workers: 6\n")

	select {
	case cfg := <-sub:
		if cfg.Engine.Workers != 6 {
			t.Fatalf("reloaded workers = %d, want 6", cfg.Engine.Workers)
		}
		if m.Get().Engine.Workers != 6 {
			t.Fatal("Get not updated after reload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatchKeepsLastGoodConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "serialarr.yaml")
	writeConfig(t, path, "engine:\n  workers: 2\n")

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "engine:\n  workers: [broken\n")

	// The bad edit must be rejected; the committed config stays intact.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get().Engine.Workers != 2 {
			t.Fatalf("workers = %d, broken config committed", m.Get().Engine.Workers)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
