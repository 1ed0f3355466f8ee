package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestTryLockAndUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	fl := New(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("expected own pid in lock file, got %q", raw)
	}

	if err := fl.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed")
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	fl := New(filepath.Join(t.TempDir(), "foreman.lock"))
	if err := fl.Unlock(); err != nil {
		t.Fatalf("unlock on unacquired lock must be a no-op: %v", err)
	}
}

func TestRelockAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	fl := New(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := fl.TryLock(); err != nil {
		t.Fatalf("relock: %v", err)
	}
	fl.Unlock()
}
