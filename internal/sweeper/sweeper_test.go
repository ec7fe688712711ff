package sweeper

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCleanupConfig() config.CleanupConfig {
	return config.CleanupConfig{
		IntervalSeconds:          60,
		MaxAgeDays:               7,
		StuckRequestMinutes:      15,
		ConnectionRetentionHours: 24,
	}
}

func newFixture(t *testing.T) (*store.Store, *Sweeper) {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "fable.db")}
	st, err := store.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, New(testCleanupConfig(), st, testLogger())
}

func TestSweepFailsStuckRequests(t *testing.T) {
	st, sw := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// One request started 20 minutes ago, one 10 minutes ago.
	st.SetClock(func() time.Time { return base.Add(-20 * time.Minute) })
	stuck := &store.PlaybackRequest{TableID: "table-1", SourceText: "old"}
	if err := st.CreateRequest(ctx, stuck); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := st.MarkRequestGenerating(ctx, stuck.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}

	st.SetClock(func() time.Time { return base.Add(-10 * time.Minute) })
	recent := &store.PlaybackRequest{TableID: "table-1", SourceText: "new"}
	if err := st.CreateRequest(ctx, recent); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := st.MarkRequestGenerating(ctx, recent.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}

	st.SetClock(func() time.Time { return base })
	sw.Sweep(ctx)

	got, err := st.GetRequest(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != store.RequestFailed {
		t.Fatalf("stuck request status = %s, want failed", got.Status)
	}

	got, err = st.GetRequest(ctx, recent.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != store.RequestGenerating {
		t.Fatalf("recent request status = %s, want generating", got.Status)
	}
}

func TestSweepRemovesExpiredAudio(t *testing.T) {
	st, sw := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()
	dir := t.TempDir()

	oldFile := filepath.Join(dir, "old.wav")
	if err := os.WriteFile(oldFile, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	freshFile := filepath.Join(dir, "fresh.wav")
	if err := os.WriteFile(freshFile, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	st.SetClock(func() time.Time { return base.Add(-8 * 24 * time.Hour) })
	req := &store.PlaybackRequest{TableID: "table-1"}
	if err := st.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	old := &store.AudioChunk{RequestID: req.ID, TableID: "table-1", Sequence: 0, FilePath: oldFile}
	if err := st.InsertChunk(ctx, old); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}
	if err := st.MarkChunkPlayed(ctx, old.ID); err != nil {
		t.Fatalf("mark played: %v", err)
	}

	st.SetClock(func() time.Time { return base })
	fresh := &store.AudioChunk{RequestID: req.ID, TableID: "table-1", Sequence: 1, FilePath: freshFile}
	if err := st.InsertChunk(ctx, fresh); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}
	if err := st.MarkChunkPlayed(ctx, fresh.ID); err != nil {
		t.Fatalf("mark played: %v", err)
	}

	sw.Sweep(ctx)

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatal("expired audio file should be removed")
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Fatalf("fresh audio file should survive: %v", err)
	}
	if got, err := st.GetChunk(ctx, old.ID); err != nil || got != nil {
		t.Fatalf("expired chunk row should be gone: got=%v err=%v", got, err)
	}
}

func TestSweepFailsSilentConnections(t *testing.T) {
	st, sw := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	st.SetClock(func() time.Time { return base.Add(-10 * time.Minute) })
	silent := &store.Connection{ReconnectToken: "tok-silent", TableID: "table-1"}
	if err := st.InsertConnection(ctx, silent); err != nil {
		t.Fatalf("insert connection: %v", err)
	}

	st.SetClock(func() time.Time { return base })
	live := &store.Connection{ReconnectToken: "tok-live", TableID: "table-1"}
	if err := st.InsertConnection(ctx, live); err != nil {
		t.Fatalf("insert connection: %v", err)
	}

	sw.Sweep(ctx)

	got, err := st.GetConnection(ctx, silent.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Status != store.ConnFailed {
		t.Fatalf("silent connection status = %s, want failed", got.Status)
	}

	got, err = st.GetConnection(ctx, live.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Status != store.ConnConnected {
		t.Fatalf("live connection status = %s, want connected", got.Status)
	}
}

func TestSweepDeletesOldTerminalConnections(t *testing.T) {
	st, sw := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	st.SetClock(func() time.Time { return base.Add(-48 * time.Hour) })
	old := &store.Connection{ReconnectToken: "tok-old", TableID: "table-1"}
	if err := st.InsertConnection(ctx, old); err != nil {
		t.Fatalf("insert connection: %v", err)
	}
	if ok, err := st.MarkConnectionTerminal(ctx, old.ID, store.ConnDisconnected); err != nil || !ok {
		t.Fatalf("disconnect: ok=%v err=%v", ok, err)
	}

	st.SetClock(func() time.Time { return base })
	sw.Sweep(ctx)

	got, err := st.GetConnection(ctx, old.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got != nil {
		t.Fatalf("old terminal connection should be deleted, got %+v", got)
	}
}
