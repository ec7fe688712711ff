package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/fableforge/fableforge-core/internal/bus"
	"github.com/fableforge/fableforge-core/internal/protocol"
	"github.com/fableforge/fableforge-core/internal/registry"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/tracker"
)

// Service is the bus-facing delivery surface. It answers connection
// handshakes and catch-up queries over request-reply, and keeps per-connection
// delivery bookkeeping current as chunks are announced and acknowledged. The
// actual client sockets live in a separate edge process; this service owns
// everything they need to resume cleanly.
type Service struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
	store    *store.Store
	bus      *bus.Client
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger
}

func NewService(parent context.Context, reg *registry.Registry, tr *tracker.Tracker, st *store.Store,
	busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		registry: reg,
		tracker:  tr,
		store:    st,
		bus:      busClient,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With(slog.String("component", "gateway-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	conn := s.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectConnConnect:    s.handleConnect,
		protocol.SubjectConnHeartbeat:  s.handleHeartbeat,
		protocol.SubjectConnDisconnect: s.handleDisconnect,
		protocol.SubjectConnCatchup:    s.handleCatchup,
		protocol.SubjectChunkAck:       s.handleAck,
		protocol.SubjectChunkPlayed:    s.handlePlayed,
		protocol.SubjectChunkReady:     s.handleChunkReady,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
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

// Connect performs the connection handshake and reports where playback left
// off for resuming clients.
func (s *Service) Connect(ctx context.Context, req protocol.ConnectRequest) protocol.ConnectReply {
	conn, err := s.registry.Connect(ctx, registry.ConnectParams{
		TableID:        req.TableID,
		UserID:         req.UserID,
		UserEmail:      req.UserEmail,
		Role:           req.Role,
		Seat:           req.Seat,
		ReconnectToken: req.ReconnectToken,
	})
	if err != nil {
		return protocol.ConnectReply{Error: err.Error()}
	}
	pos := s.tracker.Position(ctx, conn.ID)
	return protocol.ConnectReply{
		ConnectionID:       conn.ID,
		ReconnectToken:     conn.ReconnectToken,
		LastPlayedSequence: pos.LastPlayedSequence,
	}
}

// Catchup returns the table chunks not yet sent to the connection, in
// playback order, and records them as sent.
func (s *Service) Catchup(ctx context.Context, req protocol.CatchupRequest) protocol.CatchupReply {
	conn, err := s.registry.Get(ctx, req.ConnectionID)
	if err != nil {
		return protocol.CatchupReply{Error: err.Error()}
	}
	if conn == nil {
		return protocol.CatchupReply{Error: "unknown connection"}
	}

	chunks, err := s.store.ListTableChunks(ctx, conn.TableID, 0)
	if err != nil {
		return protocol.CatchupReply{Error: err.Error()}
	}
	byID := make(map[string]store.AudioChunk, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
		ids = append(ids, ch.ID)
	}

	var reply protocol.CatchupReply
	for _, id := range s.tracker.UnsentChunks(ctx, conn.ID, ids) {
		ch := byID[id]
		reply.Chunks = append(reply.Chunks, protocol.ChunkReady{
			TableID:   ch.TableID,
			RequestID: ch.RequestID,
			ChunkID:   ch.ID,
			Sequence:  ch.Sequence,
			MimeType:  ch.MimeType,
			ProxyURL:  ch.ProxyURL,
			ByteSize:  ch.ByteSize,
			Timestamp: ch.CreatedAt,
		})
		s.tracker.RecordSent(ctx, conn.ID, id)
	}
	return reply
}

func (s *Service) handleConnect(msg *nats.Msg) {
	var req protocol.ConnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.ConnectReply{Error: "invalid connect request"})
		return
	}
	s.respond(msg, s.Connect(s.ctx, req))
}

func (s *Service) handleCatchup(msg *nats.Msg) {
	var req protocol.CatchupRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.CatchupReply{Error: "invalid catchup request"})
		return
	}
	s.respond(msg, s.Catchup(s.ctx, req))
}

func (s *Service) handleHeartbeat(msg *nats.Msg) {
	var ref protocol.ConnectionRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		return
	}
	s.registry.Heartbeat(s.ctx, ref.ConnectionID)
}

func (s *Service) handleDisconnect(msg *nats.Msg) {
	var ref protocol.ConnectionRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		return
	}
	if err := s.registry.Disconnect(s.ctx, ref.ConnectionID, ref.Status); err != nil {
		s.log.Warn("disconnect failed",
			slog.String("connection", ref.ConnectionID), slog.String("error", err.Error()))
	}
}

func (s *Service) handleAck(msg *nats.Msg) {
	var receipt protocol.ChunkReceipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		return
	}
	s.tracker.RecordAcknowledged(s.ctx, receipt.ConnectionID, receipt.ChunkID)
}

func (s *Service) handlePlayed(msg *nats.Msg) {
	var receipt protocol.ChunkReceipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		return
	}
	s.tracker.RecordPlayed(s.ctx, receipt.ConnectionID, receipt.ChunkID)
}

// handleChunkReady marks a freshly announced chunk as sent to every active
// connection at its table. The edge process relays the event to sockets; the
// bookkeeping here is what reconnect catch-up is computed from.
func (s *Service) handleChunkReady(msg *nats.Msg) {
	var evt protocol.ChunkReady
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	s.MarkSentToTable(s.ctx, evt.TableID, evt.ChunkID)
}

// MarkSentToTable records one chunk as sent to all of a table's active
// connections.
func (s *Service) MarkSentToTable(ctx context.Context, tableID, chunkID string) {
	conns, err := s.registry.ListActive(ctx, tableID)
	if err != nil {
		s.log.Warn("listing active connections failed", slog.String("error", err.Error()))
		return
	}
	for _, conn := range conns {
		s.tracker.RecordSent(ctx, conn.ID, chunkID)
	}
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to respond", slog.String("error", err.Error()))
	}
}
