package playback

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
)

// Item is one entry in a table's playback queue: either an audio chunk or a
// silent pause between paragraphs. Delay is the gap inserted after the item.
type Item struct {
	ChunkID    string
	PlaybackID string
	FilePath   string
	Pause      bool
	Delay      time.Duration
}

// Status is a point-in-time snapshot of one queue.
type Status struct {
	TableID            string
	QueueSize          int
	Playing            bool
	PendingPlaybackIDs []string
}

// Queue plays one table's audio strictly in FIFO order, one item at a time.
// Completion of a whole batch (all items sharing a playback ID) is signalled
// through the channel returned by Done.
type Queue struct {
	tableID string
	cfg     config.PlaybackConfig
	player  Player
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu            sync.Mutex
	items         []Item
	pending       map[string]int
	batchDone     map[string]chan struct{}
	playing       bool
	currentCancel context.CancelFunc
	lastActive    time.Time

	onPlayed  func(chunkID string)
	onSkipped func(chunkID string)
}

func newQueue(parent context.Context, tableID string, cfg config.PlaybackConfig, player Player,
	log *slog.Logger, onPlayed, onSkipped func(chunkID string)) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		tableID:    tableID,
		cfg:        cfg,
		player:     player,
		log:        log.With(slog.String("component", "playback-queue"), slog.String("table", tableID)),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		pending:    make(map[string]int),
		batchDone:  make(map[string]chan struct{}),
		lastActive: time.Now(),
		onPlayed:   onPlayed,
		onSkipped:  onSkipped,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// BeginBatch registers a producer hold on a playback ID, keeping its Done
// channel open while items are still being enqueued. Every BeginBatch needs a
// matching EndBatch.
func (q *Queue) BeginBatch(playbackID string) {
	if playbackID == "" {
		return
	}
	q.mu.Lock()
	q.pending[playbackID]++
	q.mu.Unlock()
}

// EndBatch releases the producer hold taken by BeginBatch.
func (q *Queue) EndBatch(playbackID string) {
	if playbackID == "" {
		return
	}
	q.mu.Lock()
	q.pending[playbackID]--
	q.signalIfCompleteLocked(playbackID)
	q.mu.Unlock()
}

// Enqueue appends items to the tail of the queue.
func (q *Queue) Enqueue(items ...Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for _, item := range items {
		q.items = append(q.items, item)
		if item.PlaybackID != "" {
			q.pending[item.PlaybackID]++
		}
	}
	q.lastActive = time.Now()
	q.mu.Unlock()
	q.notify()
}

// Done returns a channel closed when every item of the batch has been played,
// skipped or cleared and the producer hold is released. For an unknown or
// already-finished batch the channel is already closed.
func (q *Queue) Done(playbackID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[playbackID] <= 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := q.batchDone[playbackID]
	if !ok {
		ch = make(chan struct{})
		q.batchDone[playbackID] = ch
	}
	return ch
}

// StopCurrent interrupts the item playing right now and removes everything
// still queued in the same critical section, so nothing queued before the stop
// can start afterwards. Drained items count as skipped. Items enqueued after
// StopCurrent returns play normally. Idempotent.
func (q *Queue) StopCurrent() {
	q.mu.Lock()
	removed := q.items
	q.items = nil
	cancel := q.currentCancel
	q.lastActive = time.Now()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.drainRemoved(removed)
}

// ClearQueue removes all queued items without touching the one currently
// playing. Returns the number of items removed.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	removed := q.items
	q.items = nil
	q.lastActive = time.Now()
	q.mu.Unlock()

	q.drainRemoved(removed)
	return len(removed)
}

func (q *Queue) drainRemoved(removed []Item) {
	// Callbacks run before the batch-done signal so completion observers see
	// every chunk's final state.
	for _, item := range removed {
		if item.ChunkID != "" && q.onSkipped != nil {
			q.onSkipped(item.ChunkID)
		}
	}

	q.mu.Lock()
	for _, item := range removed {
		if item.PlaybackID != "" {
			q.pending[item.PlaybackID]--
			q.signalIfCompleteLocked(item.PlaybackID)
		}
	}
	q.mu.Unlock()
}

// Status reports the queue's current state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.pending))
	for id, n := range q.pending {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return Status{
		TableID:            q.tableID,
		QueueSize:          len(q.items),
		Playing:            q.playing,
		PendingPlaybackIDs: ids,
	}
}

// Idle reports whether the queue has had no work for at least timeout.
func (q *Queue) Idle(timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing || len(q.items) > 0 {
		return false
	}
	for _, n := range q.pending {
		if n > 0 {
			return false
		}
	}
	return time.Since(q.lastActive) >= timeout
}

// Close stops the worker. Unfinished batches have their Done channels closed.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		for q.ctx.Err() == nil && q.processNext() {
		}
		select {
		case <-q.ctx.Done():
			q.abandonAll()
			return
		case <-q.wake:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// processNext pops and handles one item. Returns false when the queue is
// empty.
func (q *Queue) processNext() bool {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	item := q.items[0]
	q.items = q.items[1:]
	var playCtx context.Context
	playCtx, q.currentCancel = context.WithCancel(q.ctx)
	q.playing = !item.Pause
	q.lastActive = time.Now()
	q.mu.Unlock()

	if item.Pause {
		sleepCtx(playCtx, item.Delay)
		q.clearCurrent()
		q.finishItem(item, false)
		return true
	}

	played := q.playChunk(playCtx, item)
	q.clearCurrent()
	q.finishItem(item, played)
	if played && item.Delay > 0 {
		sleepCtx(q.ctx, item.Delay)
	}
	return true
}

func (q *Queue) playChunk(ctx context.Context, item Item) bool {
	if item.FilePath == "" {
		q.log.Warn("chunk has no audio file, skipping", slog.String("chunk", item.ChunkID))
		return false
	}
	if _, err := os.Stat(item.FilePath); err != nil {
		q.log.Warn("audio file missing, skipping",
			slog.String("chunk", item.ChunkID), slog.String("path", item.FilePath))
		return false
	}
	if err := q.player.Play(ctx, item.FilePath); err != nil {
		if errors.Is(err, context.Canceled) {
			q.log.Debug("playback interrupted", slog.String("chunk", item.ChunkID))
		} else {
			q.log.Warn("playback failed",
				slog.String("chunk", item.ChunkID), slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func (q *Queue) clearCurrent() {
	q.mu.Lock()
	q.playing = false
	if q.currentCancel != nil {
		q.currentCancel()
		q.currentCancel = nil
	}
	q.mu.Unlock()
}

func (q *Queue) finishItem(item Item, played bool) {
	// Callbacks run before the batch-done signal so completion observers see
	// every chunk's final state.
	if item.ChunkID != "" {
		if played {
			if q.onPlayed != nil {
				q.onPlayed(item.ChunkID)
			}
		} else if q.onSkipped != nil {
			q.onSkipped(item.ChunkID)
		}
	}

	q.mu.Lock()
	if item.PlaybackID != "" {
		q.pending[item.PlaybackID]--
		q.signalIfCompleteLocked(item.PlaybackID)
	}
	q.lastActive = time.Now()
	q.mu.Unlock()
}

func (q *Queue) signalIfCompleteLocked(playbackID string) {
	if q.pending[playbackID] > 0 {
		return
	}
	delete(q.pending, playbackID)
	if ch, ok := q.batchDone[playbackID]; ok {
		close(ch)
		delete(q.batchDone, playbackID)
	}
}

func (q *Queue) abandonAll() {
	q.mu.Lock()
	q.items = nil
	q.pending = make(map[string]int)
	for id, ch := range q.batchDone {
		close(ch)
		delete(q.batchDone, id)
	}
	q.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
