package tracker

import (
	"context"
	"log/slog"

	"github.com/fableforge/fableforge-core/internal/store"
)

// Tracker records which audio chunks each connection has received and played.
// Storage failures never block delivery: writes report false and reads fall
// back to "send everything", so a degraded database at worst causes duplicate
// audio rather than silence.
type Tracker struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store, log *slog.Logger) *Tracker {
	return &Tracker{
		store: st,
		log:   log.With(slog.String("component", "tracker")),
	}
}

// RecordSent marks a chunk as sent to a connection. Returns false when the
// chunk or connection no longer exists, or when storage is unavailable.
func (t *Tracker) RecordSent(ctx context.Context, connectionID, chunkID string) bool {
	ok, err := t.store.UpsertSent(ctx, connectionID, chunkID)
	if err != nil {
		t.log.Warn("record sent failed", slog.String("chunk", chunkID), slogError(err))
		return false
	}
	return ok
}

// RecordAcknowledged marks a chunk as received by the client. Implies sent.
func (t *Tracker) RecordAcknowledged(ctx context.Context, connectionID, chunkID string) bool {
	ok, err := t.store.UpsertAcknowledged(ctx, connectionID, chunkID)
	if err != nil {
		t.log.Warn("record acknowledged failed", slog.String("chunk", chunkID), slogError(err))
		return false
	}
	return ok
}

// RecordPlayed marks a chunk as played to completion on the client. Implies
// sent and acknowledged.
func (t *Tracker) RecordPlayed(ctx context.Context, connectionID, chunkID string) bool {
	ok, err := t.store.UpsertPlayed(ctx, connectionID, chunkID)
	if err != nil {
		t.log.Warn("record played failed", slog.String("chunk", chunkID), slogError(err))
		return false
	}
	return ok
}

// UnsentChunks filters candidateIDs down to the chunks not yet sent to the
// connection, preserving order. When delivery history cannot be read the full
// candidate list comes back, favoring duplicates over gaps.
func (t *Tracker) UnsentChunks(ctx context.Context, connectionID string, candidateIDs []string) []string {
	sent, err := t.store.SentChunkIDs(ctx, connectionID)
	if err != nil {
		t.log.Warn("reading delivery history failed, resending all",
			slog.String("connection", connectionID), slogError(err))
		return candidateIDs
	}
	seen := make(map[string]struct{}, len(sent))
	for _, id := range sent {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range candidateIDs {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Position returns a connection's aggregated playback progress. On storage
// failure it reports an empty position with LastPlayedSequence -1.
func (t *Tracker) Position(ctx context.Context, connectionID string) store.Position {
	pos, err := t.store.GetPosition(ctx, connectionID)
	if err != nil {
		t.log.Warn("reading position failed", slog.String("connection", connectionID), slogError(err))
		return store.Position{LastPlayedSequence: -1}
	}
	return pos
}

// CloneHistory copies delivery history from a superseded connection onto its
// replacement so catch-up does not replay already-heard audio.
func (t *Tracker) CloneHistory(ctx context.Context, fromConnectionID, toConnectionID string) int64 {
	n, err := t.store.CloneDelivery(ctx, fromConnectionID, toConnectionID)
	if err != nil {
		t.log.Warn("cloning delivery history failed",
			slog.String("from", fromConnectionID), slog.String("to", toConnectionID), slogError(err))
		return 0
	}
	return n
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
