package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const outboxFileName = "outbox.json"

var ErrOutboxLocked = errors.New("outbox is locked by another process")

// Outbox is the device's durable operation log. Operations stay queued until
// the server has settled them; every mutation is fsynced to disk before it
// returns so a crash never loses an accepted edit.
type Outbox struct {
	mu       sync.Mutex
	path     string
	lockFile *os.File
	ops      []fieldsync.SyncOperation
	now      func() time.Time
}

type outboxSnapshot struct {
	Operations []fieldsync.SyncOperation `json:"operations"`
}

func OpenOutbox(dir string) (*Outbox, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("outbox directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, outboxFileName+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrOutboxLocked
		}
		return nil, fmt.Errorf("lock outbox: %w", err)
	}
	o := &Outbox{
		path:     filepath.Join(dir, outboxFileName),
		lockFile: lockFile,
		now:      time.Now,
	}
	if err := o.load(); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

// Enqueue appends an operation, filling in an id and client timestamp when the
// caller left them empty. It returns the stored operation.
func (o *Outbox) Enqueue(op fieldsync.SyncOperation) (fieldsync.SyncOperation, error) {
	if !op.Kind.Valid() {
		return op, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	if strings.TrimSpace(op.Entity) == "" || strings.TrimSpace(op.RecordID) == "" {
		return op, fmt.Errorf("tableName and recordId are required")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = o.now().UTC()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, queued := range o.ops {
		if queued.ID == op.ID {
			return queued, nil
		}
	}
	next := append(append([]fieldsync.SyncOperation(nil), o.ops...), op)
	if err := o.persist(next); err != nil {
		return op, err
	}
	o.ops = next
	return op, nil
}

// Peek returns up to limit queued operations in enqueue order.
func (o *Outbox) Peek(limit int) []fieldsync.SyncOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.ops) {
		limit = len(o.ops)
	}
	out := make([]fieldsync.SyncOperation, limit)
	copy(out, o.ops[:limit])
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Remove drops settled operations from the queue.
func (o *Outbox) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return o.rewrite(func(op fieldsync.SyncOperation) (fieldsync.SyncOperation, bool) {
		_, gone := drop[op.ID]
		return op, !gone
	})
}

// MarkRetried bumps the retry counter of operations that failed transiently.
func (o *Outbox) MarkRetried(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	bump := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		bump[id] = struct{}{}
	}
	return o.rewrite(func(op fieldsync.SyncOperation) (fieldsync.SyncOperation, bool) {
		if _, ok := bump[op.ID]; ok {
			op.RetryCount++
		}
		return op, true
	})
}

func (o *Outbox) Close() error {
	if o.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(o.lockFile.Fd()), unix.LOCK_UN)
	err := o.lockFile.Close()
	o.lockFile = nil
	return err
}

func (o *Outbox) rewrite(fn func(fieldsync.SyncOperation) (fieldsync.SyncOperation, bool)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make([]fieldsync.SyncOperation, 0, len(o.ops))
	for _, op := range o.ops {
		if updated, keep := fn(op); keep {
			next = append(next, updated)
		}
	}
	if err := o.persist(next); err != nil {
		return err
	}
	o.ops = next
	return nil
}

func (o *Outbox) load() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot outboxSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode outbox %s: %w", o.path, err)
	}
	o.ops = snapshot.Operations
	return nil
}

func (o *Outbox) persist(ops []fieldsync.SyncOperation) error {
	if ops == nil {
		ops = []fieldsync.SyncOperation{}
	}
	data, err := json.Marshal(outboxSnapshot{Operations: ops})
	if err != nil {
		return err
	}
	return writeFileAtomic(o.path, data, 0o644)
}
