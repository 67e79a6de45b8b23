package idempotency

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idempotency.json")
	s := New(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return s, path
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	s.Upsert(model.IdempotencyRecord{Key: "k1", InstanceName: "inst-a", Status: model.StatusQueued})

	rec, ok := s.Get("k1")
	if !ok {
		t.Fatal("expected record to be found")
	}
	if rec.Status != model.StatusQueued {
		t.Errorf("Status = %s, want QUEUED", rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestSentNeverRegresses(t *testing.T) {
	s, _ := newTestStore(t)
	s.MarkSent("k1", "provider-123")

	if !s.IsSent("k1") {
		t.Fatal("expected key to be SENT")
	}

	s.Upsert(model.IdempotencyRecord{Key: "k1", Status: model.StatusFailed, Error: "stale retry"})

	if !s.IsSent("k1") {
		t.Fatal("a SENT record must never regress to a non-SENT status")
	}
}

func TestIsQueuedRespectsStaleness(t *testing.T) {
	s, _ := newTestStore(t)
	s.Upsert(model.IdempotencyRecord{
		Key:       "k1",
		Status:    model.StatusQueued,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	if s.IsQueued("k1", time.Minute) {
		t.Fatal("expected an hour-old queued record to be stale past a one-minute threshold")
	}
	if !s.IsQueued("k1", 2*time.Hour) {
		t.Fatal("expected the record to still count as queued within a two-hour threshold")
	}
}

func TestCleanupEvictsOldRecords(t *testing.T) {
	s, _ := newTestStore(t)
	s.Upsert(model.IdempotencyRecord{Key: "old", Status: model.StatusSent, CreatedAt: time.Now().Add(-8 * 24 * time.Hour)})
	s.Upsert(model.IdempotencyRecord{Key: "fresh", Status: model.StatusSent, CreatedAt: time.Now()})

	removed := s.Cleanup(7 * 24 * time.Hour)
	if removed != 1 {
		t.Fatalf("Cleanup removed %d records, want 1", removed)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("expected old record to be gone")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("expected fresh record to survive cleanup")
	}
}

func TestDeleteByInstanceNameRemovesOnlyMatching(t *testing.T) {
	s, _ := newTestStore(t)
	s.Upsert(model.IdempotencyRecord{Key: "a", InstanceName: "inst-a", Status: model.StatusQueued})
	s.Upsert(model.IdempotencyRecord{Key: "b", InstanceName: "inst-b", Status: model.StatusQueued})

	removed := s.DeleteByInstanceName("inst-a")
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("expected inst-a's record to be removed")
	}
	if _, ok := s.Get("b"); !ok {
		t.Error("expected inst-b's record to survive")
	}
}

func TestFlushPersistsToDiskAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s := New(path, logger)
	s.Upsert(model.IdempotencyRecord{Key: "k1", InstanceName: "inst-a", Status: model.StatusSent})
	s.Flush()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist after Flush: %v", err)
	}

	reloaded := New(path, logger)
	rec, ok := reloaded.Get("k1")
	if !ok || rec.Status != model.StatusSent {
		t.Fatal("expected record to survive a reload from disk")
	}
}

func TestCorruptedFileIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(path, logger)

	if _, ok := s.Get("anything"); ok {
		t.Fatal("expected an empty in-memory store after quarantining a corrupted file")
	}

	matches, _ := filepath.Glob(path + ".corrupted.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantined file, found %d", len(matches))
	}
}
