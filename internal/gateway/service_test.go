package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/protocol"
	"github.com/fableforge/fableforge-core/internal/registry"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *store.Store
	tracker *tracker.Tracker
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "fable.db")}
	st, err := store.Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr := tracker.New(st, testLogger())
	reg, err := registry.New(ctx, st, tr, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	svc := NewService(ctx, reg, tr, st, nil, testLogger())
	t.Cleanup(svc.Close)
	return &fixture{store: st, tracker: tr, service: svc}
}

func (f *fixture) seedChunks(t *testing.T, tableID string, n int) []store.AudioChunk {
	t.Helper()
	ctx := context.Background()
	req := &store.PlaybackRequest{TableID: tableID, SourceText: "seed"}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	var out []store.AudioChunk
	for seq := 0; seq < n; seq++ {
		ch := &store.AudioChunk{RequestID: req.ID, TableID: tableID, Sequence: seq, MimeType: "audio/wav"}
		if err := f.store.InsertChunk(ctx, ch); err != nil {
			t.Fatalf("insert chunk: %v", err)
		}
		out = append(out, *ch)
	}
	return out
}

func TestDisconnectReportsAbnormalClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-1"})
	if reply.Error != "" {
		t.Fatalf("connect error: %s", reply.Error)
	}

	payload, err := json.Marshal(protocol.ConnectionRef{ConnectionID: reply.ConnectionID, Status: store.ConnFailed})
	if err != nil {
		t.Fatalf("marshal ref: %v", err)
	}
	f.service.handleDisconnect(&nats.Msg{Data: payload})

	conn, err := f.store.GetConnection(ctx, reply.ConnectionID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if conn.Status != store.ConnFailed {
		t.Fatalf("status = %s, want failed", conn.Status)
	}
}

func TestConnectHandshake(t *testing.T) {
	f := newFixture(t)

	reply := f.service.Connect(context.Background(), protocol.ConnectRequest{TableID: "table-1", UserID: "u1"})
	if reply.Error != "" {
		t.Fatalf("connect error: %s", reply.Error)
	}
	if reply.ConnectionID == "" || reply.ReconnectToken == "" {
		t.Fatalf("incomplete reply: %+v", reply)
	}
	if reply.LastPlayedSequence != -1 {
		t.Fatalf("fresh connection should start at -1, got %d", reply.LastPlayedSequence)
	}
}

func TestConnectRejectsMissingTable(t *testing.T) {
	f := newFixture(t)
	reply := f.service.Connect(context.Background(), protocol.ConnectRequest{})
	if reply.Error == "" {
		t.Fatal("expected an error for a missing table id")
	}
}

func TestCatchupReturnsUnsentInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := f.seedChunks(t, "table-1", 3)

	conn := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-1"})
	if conn.Error != "" {
		t.Fatalf("connect: %s", conn.Error)
	}

	// One chunk was already delivered live.
	if !f.tracker.RecordSent(ctx, conn.ConnectionID, chunks[1].ID) {
		t.Fatal("record sent")
	}

	reply := f.service.Catchup(ctx, protocol.CatchupRequest{ConnectionID: conn.ConnectionID})
	if reply.Error != "" {
		t.Fatalf("catchup: %s", reply.Error)
	}
	if len(reply.Chunks) != 2 {
		t.Fatalf("expected 2 pending chunks, got %d", len(reply.Chunks))
	}
	if reply.Chunks[0].ChunkID != chunks[0].ID || reply.Chunks[1].ChunkID != chunks[2].ID {
		t.Fatalf("wrong catch-up order: %+v", reply.Chunks)
	}

	// Catch-up marks the returned chunks as sent; a second call is empty.
	reply = f.service.Catchup(ctx, protocol.CatchupRequest{ConnectionID: conn.ConnectionID})
	if reply.Error != "" || len(reply.Chunks) != 0 {
		t.Fatalf("second catchup should be empty: %+v", reply)
	}
}

func TestCatchupUnknownConnection(t *testing.T) {
	f := newFixture(t)
	reply := f.service.Catchup(context.Background(), protocol.CatchupRequest{ConnectionID: "ghost"})
	if reply.Error == "" {
		t.Fatal("expected an error for an unknown connection")
	}
}

func TestReconnectSkipsHeardAudio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := f.seedChunks(t, "table-1", 2)

	first := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-1", UserID: "u1"})
	if first.Error != "" {
		t.Fatalf("connect: %s", first.Error)
	}
	if !f.tracker.RecordPlayed(ctx, first.ConnectionID, chunks[0].ID) {
		t.Fatal("record played")
	}

	second := f.service.Connect(ctx, protocol.ConnectRequest{
		TableID: "table-1", UserID: "u1", ReconnectToken: first.ReconnectToken,
	})
	if second.Error != "" {
		t.Fatalf("reconnect: %s", second.Error)
	}
	if second.LastPlayedSequence != 0 {
		t.Fatalf("reconnect should resume after sequence 0, got %d", second.LastPlayedSequence)
	}

	reply := f.service.Catchup(ctx, protocol.CatchupRequest{ConnectionID: second.ConnectionID})
	if reply.Error != "" {
		t.Fatalf("catchup: %s", reply.Error)
	}
	if len(reply.Chunks) != 1 || reply.Chunks[0].ChunkID != chunks[1].ID {
		t.Fatalf("only the unheard chunk should come back: %+v", reply.Chunks)
	}
}

func TestMarkSentToTableCoversActiveConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := f.seedChunks(t, "table-1", 1)

	a := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-1", UserID: "a"})
	b := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-1", UserID: "b"})
	other := f.service.Connect(ctx, protocol.ConnectRequest{TableID: "table-2", UserID: "c"})

	f.service.MarkSentToTable(ctx, "table-1", chunks[0].ID)

	for _, connID := range []string{a.ConnectionID, b.ConnectionID} {
		d, err := f.store.GetDelivery(ctx, connID, chunks[0].ID)
		if err != nil || d == nil || !d.Sent {
			t.Fatalf("chunk not marked sent for %s: d=%v err=%v", connID, d, err)
		}
	}
	if d, err := f.store.GetDelivery(ctx, other.ConnectionID, chunks[0].ID); err != nil || d != nil {
		t.Fatalf("other table must be untouched: d=%v err=%v", d, err)
	}
}
