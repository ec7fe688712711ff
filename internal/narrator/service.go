package narrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/nats-io/nats.go"

	"github.com/fableforge/fableforge-core/internal/bus"
	"github.com/fableforge/fableforge-core/internal/chunker"
	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/playback"
	"github.com/fableforge/fableforge-core/internal/protocol"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/synth"
)

// Publisher is the slice of the bus client the narrator needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Service drives narration requests end to end: chunk the text, synthesize
// each chunk, persist it, hand it to the table's playback queue and announce
// progress on the bus. One request is one batch; the batch-done signal from
// the queue triggers the final narration.done event.
type Service struct {
	cfg     *config.Config
	profile chunker.Profile
	bus     *bus.Client
	pub     Publisher
	store   *store.Store
	synth   synth.Synthesizer
	queues  *playback.Manager
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *slog.Logger
	clock   func() time.Time
}

func NewService(parent context.Context, cfg *config.Config, busClient *bus.Client, st *store.Store,
	sy synth.Synthesizer, queues *playback.Manager, pub Publisher, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		profile: chunker.ProfileFromConfig(cfg.Chunking),
		bus:     busClient,
		pub:     pub,
		store:   st,
		synth:   sy,
		queues:  queues,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(slog.String("component", "narrator-service")),
		clock:   time.Now,
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	conn := s.bus.Conn()
	reqSub, err := conn.Subscribe(protocol.SubjectNarrationRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe narration requests: %w", err)
	}
	s.subs = append(s.subs, reqSub)

	ctrlSub, err := conn.Subscribe(protocol.SubjectPlaybackControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe playback control: %w", err)
	}
	s.subs = append(s.subs, ctrlSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || len(s.subs) > 0 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid narration request", slogError(err))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Narrate(s.ctx, req); err != nil {
			s.log.Warn("narration failed", slogError(err))
		}
	}()
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.PlaybackControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("invalid playback control", slogError(err))
		return
	}
	queue, ok := s.queues.Lookup(ctrl.TableID)
	if !ok {
		return
	}
	switch ctrl.Action {
	case "stop":
		queue.StopCurrent()
		s.log.Info("playback stopped", slog.String("table", ctrl.TableID))
	case "clear":
		n := queue.ClearQueue()
		s.log.Info("playback queue cleared", slog.String("table", ctrl.TableID), slog.Int("removed", n))
	default:
		s.log.Warn("unknown playback action", slog.String("action", ctrl.Action))
	}
}

// Narrate runs one narration request to the point where every chunk is
// generated and queued. It returns the persisted request; playback completes
// asynchronously and ends with a narration.done event.
func (s *Service) Narrate(ctx context.Context, req protocol.NarrationRequest) (*store.PlaybackRequest, error) {
	tableID := req.TableID
	if tableID == "" {
		tableID = s.cfg.Playback.DefaultTable
	}

	record := &store.PlaybackRequest{
		TableID:    tableID,
		Group:      req.Group,
		MessageID:  req.MessageID,
		SourceText: req.Text,
	}
	if err := s.store.CreateRequest(ctx, record); err != nil {
		return nil, fmt.Errorf("create playback request: %w", err)
	}
	if err := s.store.MarkRequestGenerating(ctx, record.ID); err != nil {
		return nil, err
	}

	segments := chunker.Chunk(req.Text, s.profile)
	queue := s.queues.Queue(tableID)
	queue.BeginBatch(record.ID)

	generated := 0
	failed := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			break
		}
		if seg.Pause {
			queue.Enqueue(playback.Item{PlaybackID: record.ID, Pause: true, Delay: s.pauseDelay(seg)})
			continue
		}
		chunk, err := s.generateChunk(ctx, record, tableID, req, seg)
		if err != nil {
			failed++
			s.log.Warn("chunk synthesis failed",
				slog.String("request", record.ID), slog.Int("sequence", seg.Sequence), slogError(err))
			continue
		}
		generated++
		queue.Enqueue(playback.Item{
			ChunkID:    chunk.ID,
			PlaybackID: record.ID,
			FilePath:   chunk.FilePath,
			Delay:      time.Duration(s.cfg.Playback.ChunkDelayMS) * time.Millisecond,
		})
		s.publishChunkReady(tableID, record.ID, chunk)
	}

	// Any provider failure fails the owning request; chunks that did come out
	// stay queued and playable.
	if failed > 0 {
		if err := s.store.MarkRequestFailed(ctx, record.ID); err != nil {
			s.log.Warn("failed to mark request failed", slogError(err))
		}
	} else if err := s.store.MarkRequestGenerated(ctx, record.ID, generated); err != nil {
		s.log.Warn("failed to mark request generated", slogError(err))
	}
	queue.EndBatch(record.ID)

	s.wg.Add(1)
	go s.awaitCompletion(queue, tableID, record.ID, generated, failed > 0)

	s.log.Info("narration queued",
		slog.String("request", record.ID),
		slog.String("table", tableID),
		slog.Int("chunks", generated),
		slog.Int("failed", failed))
	return record, nil
}

func (s *Service) generateChunk(ctx context.Context, record *store.PlaybackRequest, tableID string,
	req protocol.NarrationRequest, seg chunker.Segment) (*store.AudioChunk, error) {
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Synthesis.Voice
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.cfg.Synthesis.Speed
	}

	result, err := s.synth.Synthesize(ctx, synth.Request{
		Text:   seg.Text,
		Voice:  voice,
		Speed:  speed,
		Format: s.profile.AudioFormat,
	})
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.Store.AudioDir, record.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	name := fmt.Sprintf("%04d.%s", seg.Sequence, s.profile.AudioFormat)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, result.Audio, 0o644); err != nil {
		return nil, fmt.Errorf("write audio file: %w", err)
	}

	chunk := &store.AudioChunk{
		RequestID:  record.ID,
		TableID:    tableID,
		Sequence:   seg.Sequence,
		FilePath:   path,
		MimeType:   result.MimeType,
		ByteSize:   len(result.Audio),
		DurationMS: probeDurationMS(result),
	}
	if s.cfg.Store.ProxyURL != "" {
		chunk.ProxyURL = fmt.Sprintf("%s/audio/%s/%s", s.cfg.Store.ProxyURL, record.ID, name)
	}
	if err := s.store.InsertChunk(ctx, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *Service) awaitCompletion(queue *playback.Queue, tableID, requestID string, chunks int, anyFailed bool) {
	defer s.wg.Done()
	select {
	case <-queue.Done(requestID):
	case <-s.ctx.Done():
		return
	}
	s.publishDone(tableID, requestID, chunks, anyFailed)
}

func (s *Service) publishChunkReady(tableID, requestID string, chunk *store.AudioChunk) {
	if s.pub == nil {
		return
	}
	evt := protocol.ChunkReady{
		TableID:   tableID,
		RequestID: requestID,
		ChunkID:   chunk.ID,
		Sequence:  chunk.Sequence,
		MimeType:  chunk.MimeType,
		ProxyURL:  chunk.ProxyURL,
		ByteSize:  chunk.ByteSize,
		Timestamp: s.clock().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.SubjectChunkReady, payload); err != nil {
		s.log.Warn("failed to publish chunk event", slogError(err))
	}
}

func (s *Service) publishDone(tableID, requestID string, chunks int, failed bool) {
	if s.pub == nil {
		return
	}
	evt := protocol.NarrationDone{
		TableID:   tableID,
		RequestID: requestID,
		Chunks:    chunks,
		Failed:    failed,
		Timestamp: s.clock().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.SubjectNarrationDone, payload); err != nil {
		s.log.Warn("failed to publish done event", slogError(err))
	}
}

func (s *Service) pauseDelay(seg chunker.Segment) time.Duration {
	if seg.PauseDuration > 0 {
		return seg.PauseDuration
	}
	return time.Duration(s.cfg.Playback.PauseDelayMS) * time.Millisecond
}

// probeDurationMS reads the WAV header to get the clip length. Non-WAV or
// unreadable audio reports zero.
func probeDurationMS(result synth.Result) int64 {
	if result.MimeType != "audio/wav" {
		return 0
	}
	dec := wav.NewDecoder(bytes.NewReader(result.Audio))
	dur, err := dec.Duration()
	if err != nil {
		return 0
	}
	return dur.Milliseconds()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
