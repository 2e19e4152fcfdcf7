package config_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/recall/internal/config"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := config.NewWatcher(home, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		if ev.Path != path {
			t.Fatalf("unexpected event path: %q", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event within 5s")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := config.NewWatcher(home, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
