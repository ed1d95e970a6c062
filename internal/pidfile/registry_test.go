package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

// A pid far above the default kernel pid_max, so the SIGTERM hits nothing.
const stalePID = 999999999

func TestRegisterWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "pids")
	r := NewRegistry(dir, nil)

	if err := r.Register(3, 12345); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "client_3.pid"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "12345" {
		t.Errorf("pid file contents = %q", data)
	}
}

func TestUnregisterMissingFileIsNoError(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	if err := r.Unregister(42); err != nil {
		t.Errorf("Unregister = %v", err)
	}
}

func TestTerminateStaleProcess(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	if err := r.Register(1, stalePID); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(r.Dir(), "client_1.pid")

	if err := r.Terminate(path, true); err != nil {
		t.Fatalf("Terminate = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file not removed")
	}
}

func TestTerminateMalformedFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil)
	path := filepath.Join(dir, "client_9.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Terminate(path, true); err == nil {
		t.Error("expected error for malformed pid file")
	}
	// Swallowed when throwOnError is false.
	if err := r.Terminate(path, false); err != nil {
		t.Errorf("Terminate(throwOnError=false) = %v", err)
	}
}

func TestTerminateAllSweepsOnlyPidFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, nil)

	for id := 1; id <= 3; id++ {
		if err := r.Register(id, stalePID); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.pid"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := r.TerminateAll(true); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 {
		t.Errorf("leftover entries = %v, want notes.txt and sub.pid only", names)
	}
}

func TestTerminateAllMissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "never-created"), nil)
	if err := r.TerminateAll(true); err != nil {
		t.Errorf("TerminateAll on missing dir = %v", err)
	}
}
