// Package storage persists the small amount of local state a device keeps
// between runs: its identity and the session resume record.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ResumeFileName is the resume record file name under the home directory.
const ResumeFileName = "session.json"

// ResumeRecord is what a restarted process needs to resume its session.
type ResumeRecord struct {
	// SessionID is the controller-granted session id.
	SessionID string `json:"sessionId"`
	// LastSeenSeq is the inbound watermark: every seq up to it was processed.
	LastSeenSeq int64 `json:"lastSeenSeq"`
	// LastSentSeq is the outbound watermark, so data seqs are never reused.
	LastSentSeq int64 `json:"lastSentSeq"`
	// UpdatedAtMs is the wall-clock timestamp of the most recent write.
	UpdatedAtMs int64 `json:"updatedAtMs,omitempty"`
}

// ResumeStore loads and saves the resume record.
type ResumeStore interface {
	// Load returns ok=false when no record exists.
	Load() (rec ResumeRecord, ok bool, err error)
	Save(rec ResumeRecord) error
	Clear() error
}

// FileResumeStore keeps the record as a JSON file written by atomic rename.
type FileResumeStore struct {
	path string
	now  func() time.Time
}

// NewFileResumeStore returns a store backed by home/session.json.
func NewFileResumeStore(home string) (*FileResumeStore, error) {
	if strings.TrimSpace(home) == "" {
		return nil, errors.New("storage: home directory is required")
	}
	return &FileResumeStore{
		path: filepath.Join(home, ResumeFileName),
		now:  time.Now,
	}, nil
}

// Path returns the record location.
func (s *FileResumeStore) Path() string { return s.path }

// Load implements ResumeStore.
func (s *FileResumeStore) Load() (rec ResumeRecord, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ResumeRecord{}, false, nil
		}
		return ResumeRecord{}, false, fmt.Errorf("read resume record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return ResumeRecord{}, false, fmt.Errorf("parse resume record: %w", err)
	}
	if rec.SessionID == "" {
		return ResumeRecord{}, false, nil
	}
	return rec, true, nil
}

// Save implements ResumeStore.
func (s *FileResumeStore) Save(rec ResumeRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("missing session id")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	rec.UpdatedAtMs = s.now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the record. A missing record is not an error.
func (s *FileResumeStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryResumeStore keeps the record in memory only.
type MemoryResumeStore struct {
	mu  sync.Mutex
	rec *ResumeRecord
}

// NewMemoryResumeStore returns an empty in-memory store.
func NewMemoryResumeStore() *MemoryResumeStore { return &MemoryResumeStore{} }

// Load implements ResumeStore.
func (s *MemoryResumeStore) Load() (ResumeRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return ResumeRecord{}, false, nil
	}
	return *s.rec, true, nil
}

// Save implements ResumeStore.
func (s *MemoryResumeStore) Save(rec ResumeRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("missing session id")
	}
	rec.UpdatedAtMs = time.Now().UnixMilli()
	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	return nil
}

// Clear implements ResumeStore.
func (s *MemoryResumeStore) Clear() error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}
