package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/config"
)

const watcherYAML = `
server: { log_level: info }
session: { instructions: "Be brief." }
`

const watcherUpdatedYAML = `
server: { log_level: debug }
session: { instructions: "Be thorough." }
`

type changes struct {
	mu   sync.Mutex
	seen [][2]*config.Config
	ch   chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 16)} }

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.seen = append(c.seen, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// writeConfig writes data and moves the mtime forward so coarse filesystem
// timestamps still register a change.
func writeConfig(t *testing.T, path, data string, at time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, initial string) (string, *config.Watcher, *changes) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	writeConfig(t, path, initial, time.Now().Add(-time.Hour))
	c := newChanges()
	w, err := config.NewWatcher(path, c.record, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, c
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	_, w, _ := startWatcher(t, watcherYAML)
	if got := w.Current().Session.Instructions; got != "Be brief." {
		t.Errorf("instructions = %q", got)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path, w, c := startWatcher(t, watcherYAML)
	writeConfig(t, path, watcherUpdatedYAML, time.Now())

	select {
	case <-c.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	c.mu.Lock()
	old, new := c.seen[0][0], c.seen[0][1]
	c.mu.Unlock()
	d := config.Diff(old, new)
	if !d.InstructionsChanged || !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if w.Current() != new {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()

	path, w, c := startWatcher(t, watcherYAML)
	before := w.Current()
	writeConfig(t, path, "server: { log_level: loud }", time.Now())

	time.Sleep(100 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("callback ran %d times for an invalid edit", c.count())
	}
	if w.Current() != before {
		t.Error("invalid edit replaced the current config")
	}

	writeConfig(t, path, watcherUpdatedYAML, time.Now().Add(time.Second))
	select {
	case <-c.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("valid edit after an invalid one was not picked up")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	path, _, c := startWatcher(t, watcherYAML)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("callback ran %d times for a touch", c.count())
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher succeeded on a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	_, w, _ := startWatcher(t, watcherYAML)
	w.Stop()
	w.Stop()
}
