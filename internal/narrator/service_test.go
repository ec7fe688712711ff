package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/playback"
	"github.com/fableforge/fableforge-core/internal/protocol"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{messages: make(map[string][][]byte)}
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], data)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[subject])
}

func (p *recordingPublisher) last(subject string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// flakySynth fails on the call numbers listed in failOn.
type flakySynth struct {
	inner  synth.Synthesizer
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *flakySynth) Synthesize(ctx context.Context, req synth.Request) (synth.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.failOn[call] {
		return synth.Result{}, errors.New("synthesis backend unavailable")
	}
	return f.inner.Synthesize(ctx, req)
}

type fixture struct {
	cfg     *config.Config
	store   *store.Store
	queues  *playback.Manager
	pub     *recordingPublisher
	service *Service
}

func newFixture(t *testing.T, sy synth.Synthesizer) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "fable.db")
	cfg.Store.AudioDir = filepath.Join(dir, "audio")
	cfg.Chunking.TargetSize = 40
	cfg.Chunking.MaxSize = 60
	cfg.Chunking.SentencesPerChunk = 2
	cfg.Playback.ChunkDelayMS = 0
	cfg.Playback.PauseDelayMS = 0

	st, err := store.Open(ctx, cfg.Store, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	onPlayed := func(tableID, chunkID string) {
		markCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := st.MarkChunkPlayed(markCtx, chunkID); err != nil {
			t.Errorf("mark chunk played: %v", err)
		}
	}
	player := playback.NewMockPlayer(time.Millisecond)
	queues := playback.NewManager(ctx, cfg.Playback, player, testLogger(), onPlayed, nil)
	t.Cleanup(queues.Close)

	pub := newRecordingPublisher()
	svc := NewService(ctx, &cfg, nil, st, sy, queues, pub, testLogger())
	t.Cleanup(svc.Close)

	return &fixture{cfg: &cfg, store: st, queues: queues, pub: pub, service: svc}
}

func (f *fixture) waitForDone(t *testing.T) protocol.NarrationDone {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.pub.count(protocol.SubjectNarrationDone) > 0 {
			var evt protocol.NarrationDone
			if err := json.Unmarshal(f.pub.last(protocol.SubjectNarrationDone), &evt); err != nil {
				t.Fatalf("unmarshal done event: %v", err)
			}
			return evt
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for narration.done")
	return protocol.NarrationDone{}
}

func TestNarrateEndToEnd(t *testing.T) {
	f := newFixture(t, synth.NewMockSynth())
	ctx := context.Background()

	text := "Hello there. Welcome, traveler!\n\nThe door creaks open."
	record, err := f.service.Narrate(ctx, protocol.NarrationRequest{TableID: "table-1", Text: text})
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}

	done := f.waitForDone(t)
	if done.RequestID != record.ID || done.Failed {
		t.Fatalf("unexpected done event: %+v", done)
	}
	if done.Chunks != 2 {
		t.Fatalf("done.Chunks = %d, want 2", done.Chunks)
	}

	if got := f.pub.count(protocol.SubjectChunkReady); got != 2 {
		t.Fatalf("chunk events = %d, want 2", got)
	}

	req, err := f.store.GetRequest(ctx, record.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestGenerated || req.ChunkCount != 2 {
		t.Fatalf("unexpected request state: %+v", req)
	}

	chunks, err := f.store.ListRequestChunks(ctx, record.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("persisted %d chunks, want 2", len(chunks))
	}
	for _, ch := range chunks {
		if ch.Status != store.ChunkPlayed {
			t.Fatalf("chunk %d status = %s, want played", ch.Sequence, ch.Status)
		}
		if ch.MimeType != "audio/wav" || ch.ByteSize == 0 {
			t.Fatalf("unexpected chunk metadata: %+v", ch)
		}
		if _, err := os.Stat(ch.FilePath); err != nil {
			t.Fatalf("audio file missing: %v", err)
		}
		if ch.DurationMS <= 0 {
			t.Fatalf("duration not probed: %+v", ch)
		}
	}
}

func TestNarrateAllSynthesisFails(t *testing.T) {
	f := newFixture(t, &flakySynth{inner: synth.NewMockSynth(), failOn: map[int]bool{1: true, 2: true, 3: true, 4: true}})
	ctx := context.Background()

	record, err := f.service.Narrate(ctx, protocol.NarrationRequest{TableID: "table-1", Text: "One sentence."})
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}

	done := f.waitForDone(t)
	if !done.Failed || done.Chunks != 0 {
		t.Fatalf("unexpected done event: %+v", done)
	}

	req, err := f.store.GetRequest(ctx, record.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestFailed {
		t.Fatalf("request status = %s, want failed", req.Status)
	}
	if f.pub.count(protocol.SubjectChunkReady) != 0 {
		t.Fatal("no chunk events expected")
	}
}

func TestNarratePartialFailureKeepsSiblings(t *testing.T) {
	f := newFixture(t, &flakySynth{inner: synth.NewMockSynth(), failOn: map[int]bool{2: true}})
	ctx := context.Background()

	text := "First sentence stands alone here.\n\nSecond paragraph sentence.\n\nThird paragraph sentence."
	record, err := f.service.Narrate(ctx, protocol.NarrationRequest{TableID: "table-1", Text: text})
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}

	done := f.waitForDone(t)
	if !done.Failed {
		t.Fatal("done event must flag the failed chunk")
	}
	if done.Chunks != 2 {
		t.Fatalf("done.Chunks = %d, want 2 surviving chunks", done.Chunks)
	}

	req, err := f.store.GetRequest(ctx, record.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestFailed {
		t.Fatalf("request status = %s, want failed when any chunk fails", req.Status)
	}

	chunks, err := f.store.ListRequestChunks(ctx, record.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d surviving chunks, want 2", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != store.ChunkPlayed {
			t.Fatalf("surviving chunk %s status = %s, want played", c.ID, c.Status)
		}
	}
}

func TestNarrateEmptyText(t *testing.T) {
	f := newFixture(t, synth.NewMockSynth())
	ctx := context.Background()

	record, err := f.service.Narrate(ctx, protocol.NarrationRequest{TableID: "table-1", Text: "   "})
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}

	done := f.waitForDone(t)
	if done.Failed || done.Chunks != 0 {
		t.Fatalf("unexpected done event: %+v", done)
	}

	req, err := f.store.GetRequest(ctx, record.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != store.RequestGenerated || req.ChunkCount != 0 {
		t.Fatalf("empty narration should finish cleanly: %+v", req)
	}
}

func TestNarrateDefaultsToConfiguredTable(t *testing.T) {
	f := newFixture(t, synth.NewMockSynth())
	ctx := context.Background()

	record, err := f.service.Narrate(ctx, protocol.NarrationRequest{Text: "Default table test."})
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if record.TableID != f.cfg.Playback.DefaultTable {
		t.Fatalf("table = %s, want %s", record.TableID, f.cfg.Playback.DefaultTable)
	}
	f.waitForDone(t)
}
