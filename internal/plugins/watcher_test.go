package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conduit.yaml")
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(file, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	reloaded := make(chan struct{}, 8)
	w := &Watcher{
		Files:    []string{file},
		Debounce: 100 * time.Millisecond,
		Reload: func(context.Context) error {
			reloads.Add(1)
			reloaded <- struct{}{}
			return nil
		},
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(other, []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if err := os.WriteFile(file, []byte("version: "+string(rune('1'+i))+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
	time.Sleep(300 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("reloads = %d, want 1 for a burst of writes", n)
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	if err := (&Watcher{Files: []string{"x"}}).Start(context.Background()); err == nil {
		t.Error("Start() accepted a watcher without Reload")
	}

	w := &Watcher{Files: []string{filepath.Join(t.TempDir(), "a.yaml")}, Reload: func(context.Context) error { return nil }}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
