package syncclient

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
)

const stateFileName = "state.json"

// MirrorRecord is the device's copy of a server record.
type MirrorRecord struct {
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type agentState struct {
	ClientID string `json:"clientId,omitempty"`
	// LastSync is the watermark passed as lastSyncTimestamp / since.
	LastSync *time.Time                         `json:"lastSync,omitempty"`
	Records  map[string]map[string]MirrorRecord `json:"records"`
}

func newAgentState() agentState {
	return agentState{Records: map[string]map[string]MirrorRecord{}}
}

// apply folds a server change into the mirror. An older copy never replaces a
// newer one, so pages may arrive in any order.
func (s *agentState) apply(change fieldsync.Change) bool {
	table := s.Records[change.Entity]
	if table == nil {
		table = map[string]MirrorRecord{}
		s.Records[change.Entity] = table
	}
	if existing, ok := table[change.RecordID]; ok && existing.UpdatedAt.After(change.UpdatedAt) {
		return false
	}
	table[change.RecordID] = MirrorRecord{
		Data:      change.Data,
		Version:   change.Version,
		UpdatedAt: change.UpdatedAt,
	}
	return true
}

func (s *agentState) applyRecord(rec fieldsync.SyncRecord) bool {
	return s.apply(fieldsync.Change{
		Entity:    rec.Entity,
		Operation: fieldsync.OpUpdate,
		RecordID:  rec.RecordID,
		Data:      rec.Data,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	})
}

// advance moves the watermark forward, never back.
func (s *agentState) advance(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if s.LastSync == nil || ts.After(*s.LastSync) {
		t := ts.UTC()
		s.LastSync = &t
	}
}

func loadAgentState(path string) (agentState, error) {
	state := newAgentState()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return newAgentState(), err
	}
	if state.Records == nil {
		state.Records = map[string]map[string]MirrorRecord{}
	}
	return state, nil
}

func saveAgentState(path string, state agentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
