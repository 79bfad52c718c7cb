package db

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(t.TempDir() + "/rover.db")
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("Failed to read embedded migrations: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("Expected 4 migration files, got %d", len(entries))
	}
}

func TestMigrateVersion(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("Expected version 2 clean, got %d dirty=%v", version, dirty)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if version, _, _ = db.MigrateVersion(); version != 1 {
		t.Errorf("Expected version 1 after down, got %d", version)
	}

	// Up restores the latest version; repeating it is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	path := t.TempDir() + "/rover.db"
	db1, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	if err := db1.RecordEvent(context.Background(), &SafetyEvent{Kind: KindSafety, ToState: "active"}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	db1.Close()

	db2, err := NewDB(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	events, err := db2.Events(context.Background(), 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event after reopen, got %d", len(events))
	}
}

func TestRecordAndListEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, to := range []string{"active", "emergency_stopped", "idle"} {
		e := &SafetyEvent{
			Kind:      KindSafety,
			FromState: "idle",
			ToState:   to,
			Detail:    "cause=command",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
		if e.ID == 0 {
			t.Errorf("Expected ID to be set")
		}
	}

	events, err := db.Events(ctx, 2)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ToState != "idle" || events[1].ToState != "emergency_stopped" {
		t.Errorf("Expected newest first, got %s then %s", events[0].ToState, events[1].ToState)
	}
	if !events[0].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("Unexpected created_at %v", events[0].CreatedAt)
	}

	all, err := db.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected default limit to return all 3 events, got %d", len(all))
	}
}

func TestRecordEventRequiresKind(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordEvent(context.Background(), &SafetyEvent{}); err == nil {
		t.Error("Expected error for event without kind")
	}
}

func TestJournalRoundTrip(t *testing.T) {
	db := newTestDB(t)
	j := NewJournal(db, 16)

	j.Transition(safety.Transition{
		From:  safety.Active,
		To:    safety.EmergencyStopped,
		Cause: safety.CauseAdmin,
		At:    time.Now(),
	})
	j.Transition(safety.Transition{
		From:  safety.Active,
		To:    safety.Idle,
		Cause: safety.CauseWatchdog,
		At:    time.Now().Add(time.Millisecond),
		Err:   errors.New("serial write failed"),
	})
	j.Connection(registry.Event{ID: "abc", Kind: registry.Control, Connected: false, Remaining: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for j.Written() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	events, err := db.Events(context.Background(), 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	var sawStop, sawFault, sawDisconnect bool
	for _, e := range events {
		switch {
		case e.Kind == KindSafety && e.ToState == "emergency_stopped":
			sawStop = e.FromState == "active" && e.Detail == "cause=admin"
		case e.Kind == KindSafety && e.ToState == "idle":
			sawFault = e.Detail == "cause=watchdog error=serial write failed"
		case e.Kind == KindConnection:
			sawDisconnect = e.ToState == "disconnected" && e.Detail == "kind=control id=abc remaining=0"
		}
	}
	if !sawStop || !sawFault || !sawDisconnect {
		t.Errorf("Missing journal rows: stop=%v fault=%v disconnect=%v (%+v)", sawStop, sawFault, sawDisconnect, events)
	}
}

type memRecorder struct {
	mu     sync.Mutex
	events []SafetyEvent
}

func (r *memRecorder) RecordEvent(_ context.Context, e *SafetyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func TestJournalDropsOnOverflow(t *testing.T) {
	rec := &memRecorder{}
	j := NewJournal(rec, 2)

	for i := 0; i < 5; i++ {
		j.Connection(registry.Event{ID: "c", Kind: registry.Telemetry, Connected: true})
	}
	if got := j.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped events, got %d", got)
	}

	// A cancelled Run still flushes the queued events.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = j.Run(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Errorf("Expected 2 flushed events, got %d", len(rec.events))
	}
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordEvent(context.Background(), &SafetyEvent{Kind: KindSafety, ToState: "active"}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LoopbackRequest(http.MethodGet, "/debug/backup", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from backup, got %d: %s", rec.Code, rec.Body.String())
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("backup is not gzip: %v", err)
	}
	body, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("failed to read backup: %v", err)
	}
	if len(body) < 16 || string(body[:15]) != "SQLite format 3" {
		t.Errorf("backup does not look like a SQLite file")
	}
}
