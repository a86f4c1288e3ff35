package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// FileBackend is a MemoryBackend whose state is written to a JSON snapshot
// after every mutation. The snapshot is owned by one process at a time via an
// exclusive flock on a sidecar lock file.
type FileBackend struct {
	*MemoryBackend
	path     string
	lockFile *os.File
}

func NewFileBackend(path string, clock Clock) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("snapshot %s is locked by another process", path)
		}
		return nil, fmt.Errorf("lock snapshot %s: %w", path, err)
	}

	mem := NewMemoryBackend(clock)
	mem.name = "file"
	b := &FileBackend{MemoryBackend: mem, path: path, lockFile: lockFile}
	state, err := b.load()
	if err != nil {
		_ = b.unlock()
		return nil, err
	}
	if state != nil {
		mem.state = state
	}
	mem.commit = b.save
	return b, nil
}

func (b *FileBackend) Close() error {
	return b.unlock()
}

func (b *FileBackend) load() (*memoryState, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	state := newMemoryState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", b.path, err)
	}
	if state.Records == nil {
		state.Records = map[string]map[string]SyncRecord{}
	}
	if state.Ledger == nil {
		state.Ledger = map[string]map[string]StatusEntry{}
	}
	return state, nil
}

func (b *FileBackend) save(state *memoryState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *FileBackend) unlock() error {
	if b.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
	err := b.lockFile.Close()
	b.lockFile = nil
	return err
}
