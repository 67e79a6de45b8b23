// Package idempotency implements the persistent, at-most-once delivery
// ledger described in spec §4.1. The backing file is a single JSON array,
// read once lazily and re-written on change; an LRU front-cache (mirroring
// the teacher's PeerEnricher cache-aside pattern) keeps the hot path
// allocation-free.
package idempotency

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

const defaultCacheSize = 4096

// Store is the single in-process writer for idempotency records (spec §5
// "Shared-resource discipline").
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]model.IdempotencyRecord
	cache   *lru.Cache[string, model.IdempotencyRecord]

	saveMu      sync.Mutex
	saveDirty   bool
	saveTimer   *time.Timer
	saveDelay   time.Duration
}

// New loads (or lazily creates) the store at path.
func New(path string, logger *slog.Logger) *Store {
	cache, _ := lru.New[string, model.IdempotencyRecord](defaultCacheSize)
	s := &Store{
		path:      path,
		logger:    logger,
		records:   make(map[string]model.IdempotencyRecord),
		cache:     cache,
		saveDelay: 200 * time.Millisecond,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("idempotency store: read failed, starting empty", "err", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	var recs []model.IdempotencyRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		s.quarantine(err)
		return
	}
	s.mu.Lock()
	for _, r := range recs {
		s.records[r.Key] = r
	}
	s.mu.Unlock()
}

// quarantine renames a corrupted file aside and continues with an empty
// in-memory cache, per spec §4.1 "Failure semantics".
func (s *Store) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error("idempotency store: corrupted file, rename failed", "err", err, "parse_err", cause)
		return
	}
	s.logger.Error("idempotency store: corrupted file quarantined", "dest", dest, "parse_err", cause)
}

// Get returns the record for key, if any.
func (s *Store) Get(key string) (model.IdempotencyRecord, bool) {
	if r, ok := s.cache.Get(key); ok {
		return r, true
	}
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	return r, ok
}

// IsSent reports whether key has already been delivered (spec §4.1, §8).
func (s *Store) IsSent(key string) bool {
	r, ok := s.Get(key)
	return ok && r.Status == model.StatusSent
}

// IsQueued reports whether key is QUEUED and not yet stale.
func (s *Store) IsQueued(key string, stale time.Duration) bool {
	r, ok := s.Get(key)
	if !ok || r.Status != model.StatusQueued {
		return false
	}
	return time.Since(r.CreatedAt) < stale
}

// Upsert creates or merges a record by key, bumping UpdatedAt and scheduling
// an async save. SENT never regresses (spec §3 invariant).
func (s *Store) Upsert(rec model.IdempotencyRecord) {
	s.mu.Lock()
	if existing, ok := s.records[rec.Key]; ok && existing.Status == model.StatusSent && rec.Status != model.StatusSent {
		s.mu.Unlock()
		return
	}
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		if existing, ok := s.records[rec.Key]; ok {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = rec.UpdatedAt
		}
	}
	s.records[rec.Key] = rec
	s.mu.Unlock()
	s.cache.Add(rec.Key, rec)
	s.scheduleSave()
}

// MarkSent records a successful provider send.
func (s *Store) MarkSent(key, providerID string) {
	rec, _ := s.Get(key)
	rec.Key = key
	rec.Status = model.StatusSent
	rec.ProviderMessageID = providerID
	rec.SentAt = time.Now()
	s.Upsert(rec)
}

// MarkFailed records a terminal failure.
func (s *Store) MarkFailed(key, errMsg string) {
	rec, _ := s.Get(key)
	rec.Key = key
	rec.Status = model.StatusFailed
	rec.Error = errMsg
	s.Upsert(rec)
}

// MarkSkipped records a deliberate skip (e.g. superseded item).
func (s *Store) MarkSkipped(key, reason string) {
	rec, _ := s.Get(key)
	rec.Key = key
	rec.Status = model.StatusSkipped
	rec.Error = reason
	s.Upsert(rec)
}

// Cleanup evicts entries older than maxAge, called once at startup (spec §4.1).
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	s.mu.Lock()
	for k, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			s.cache.Remove(k)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.scheduleSave()
	}
	return removed
}

// DeleteByInstanceName removes every record belonging to a deleted instance
// (spec §3 "Deletion", Open Question #3).
func (s *Store) DeleteByInstanceName(name string) int {
	removed := 0
	s.mu.Lock()
	for k, r := range s.records {
		if r.InstanceName == name {
			delete(s.records, k)
			s.cache.Remove(k)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.scheduleSave()
	}
	return removed
}

func (s *Store) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.saveDirty = true
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDelay, s.flush)
}

func (s *Store) flush() {
	s.saveMu.Lock()
	s.saveTimer = nil
	dirty := s.saveDirty
	s.saveDirty = false
	s.saveMu.Unlock()
	if !dirty {
		return
	}

	s.mu.RLock()
	recs := make([]model.IdempotencyRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(recs)
	if err != nil {
		s.logger.Error("idempotency store: marshal failed", "err", err)
		return
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		// Save errors are logged but never surfaced (spec §4.1).
		s.logger.Error("idempotency store: save failed", "err", err)
	}
}

// Flush forces a pending save to disk synchronously, used at shutdown.
func (s *Store) Flush() {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveDirty = true
	s.saveMu.Unlock()
	s.flush()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".idempotency-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
