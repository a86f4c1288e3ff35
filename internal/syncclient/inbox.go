package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const inboxSettleDelay = 100 * time.Millisecond

type Enqueuer interface {
	Enqueue(op fieldsync.SyncOperation) (fieldsync.SyncOperation, error)
}

// Inbox turns JSON files dropped into a directory into queued operations.
// A file holds one operation object or an array of them. Accepted files are
// removed; files that cannot be parsed are renamed with a .rejected suffix.
// Producers should write under a dot-prefixed name and rename into place.
type Inbox struct {
	dir    string
	sink   Enqueuer
	logger logrus.FieldLogger
	queued chan int
}

func NewInbox(dir string, sink Enqueuer, logger logrus.FieldLogger) (*Inbox, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" || sink == nil {
		return nil, fmt.Errorf("inbox directory and sink are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Inbox{
		dir:    dir,
		sink:   sink,
		logger: logger.WithFields(logrus.Fields{"component": "inbox", "dir": dir}),
		queued: make(chan int, 1),
	}, nil
}

// Queued receives the number of operations enqueued by each non-empty scan.
func (i *Inbox) Queued() <-chan int {
	return i.queued
}

// Scan drains every file currently in the directory.
func (i *Inbox) Scan() (int, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isInboxFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		n, err := i.consume(filepath.Join(i.dir, name))
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		select {
		case i.queued <- total:
		default:
		}
	}
	return total, nil
}

// Run scans once, then again whenever files land, until ctx is cancelled.
func (i *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}
	if _, err := i.Scan(); err != nil {
		return err
	}

	timer := time.NewTimer(inboxSettleDelay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isInboxFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				timer.Reset(inboxSettleDelay)
			}
		case <-timer.C:
			if _, err := i.Scan(); err != nil {
				i.logger.WithError(err).Error("inbox scan failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.WithError(err).Warn("inbox watch error")
		}
	}
}

func (i *Inbox) consume(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	ops, err := DecodeOperations(data)
	if err != nil {
		i.logger.WithError(err).WithField("file", filepath.Base(path)).Warn("rejecting inbox file")
		return 0, os.Rename(path, path+".rejected")
	}
	// Ids are written back before anything is queued so a file that is only
	// partly enqueued yields the same ids when it is scanned again.
	if assignOperationIDs(ops) {
		rewritten, err := json.Marshal(ops)
		if err != nil {
			return 0, err
		}
		if err := writeFileAtomic(path, rewritten, 0o644); err != nil {
			return 0, fmt.Errorf("assign ids in %s: %w", filepath.Base(path), err)
		}
	}
	for n, op := range ops {
		if _, err := i.sink.Enqueue(op); err != nil {
			return n, fmt.Errorf("enqueue from %s: %w", filepath.Base(path), err)
		}
	}
	if err := os.Remove(path); err != nil {
		return len(ops), err
	}
	i.logger.WithFields(logrus.Fields{"file": filepath.Base(path), "operations": len(ops)}).Info("inbox file queued")
	return len(ops), nil
}

// DecodeOperations reads one operation object or an array of them and checks
// that each names a kind, an entity and a record.
func DecodeOperations(data []byte) ([]fieldsync.SyncOperation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	var ops []fieldsync.SyncOperation
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, err
		}
	} else {
		var op fieldsync.SyncOperation
		if err := json.Unmarshal(trimmed, &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations")
	}
	for n, op := range ops {
		if !op.Kind.Valid() {
			return nil, fmt.Errorf("operation %d: unsupported operation %q", n, op.Kind)
		}
		if strings.TrimSpace(op.Entity) == "" || strings.TrimSpace(op.RecordID) == "" {
			return nil, fmt.Errorf("operation %d: tableName and recordId are required", n)
		}
	}
	return ops, nil
}

func assignOperationIDs(ops []fieldsync.SyncOperation) bool {
	changed := false
	for n := range ops {
		if strings.TrimSpace(ops[n].ID) == "" {
			ops[n].ID = uuid.NewString()
			changed = true
		}
	}
	return changed
}

func isInboxFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
