// Package instances persists the tenant instance list as a single JSON
// file, overwritten with rename on every mutation (spec §4.5, §5).
package instances

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

// Store is the single writer for the persisted descriptor list.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]model.Descriptor
}

// New loads the descriptor list, tolerating an absent or empty file.
func New(path string, logger *slog.Logger) *Store {
	s := &Store{path: path, logger: logger, items: make(map[string]model.Descriptor)}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("instance store: read failed, starting empty", "err", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	var list []model.Descriptor
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Error("instance store: parse failed, starting empty", "err", err)
		return
	}
	for _, d := range list {
		s.items[d.ID] = d
	}
}

// Put inserts or replaces a descriptor and persists the change.
func (s *Store) Put(d model.Descriptor) error {
	s.mu.Lock()
	s.items[d.ID] = d
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// Delete removes a descriptor and persists the change.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.items, id)
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// Get returns a single descriptor.
func (s *Store) Get(id string) (model.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.items[id]
	return d, ok
}

// List returns every persisted descriptor, order unspecified.
func (s *Store) List() []model.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Descriptor, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	return out
}

func (s *Store) saveLocked() error {
	list := make([]model.Descriptor, 0, len(s.items))
	for _, d := range s.items {
		list = append(list, d)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".instances-*.tmp")
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
	return os.Rename(tmpName, s.path)
}
