package playback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fableforge/fableforge-core/internal/config"
)

// Manager owns one playback queue per table, created lazily on first use.
// Queues idle past the configured timeout are reaped; the default table's
// queue always survives.
type Manager struct {
	cfg    config.PlaybackConfig
	player Player
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*Queue

	onPlayed  func(tableID, chunkID string)
	onSkipped func(tableID, chunkID string)

	meter metric.Meter
}

// NewManager builds the registry of queues. onPlayed and onSkipped fire after
// an item finishes or is dropped; either may be nil.
func NewManager(parent context.Context, cfg config.PlaybackConfig, player Player, log *slog.Logger,
	onPlayed, onSkipped func(tableID, chunkID string)) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		cfg:       cfg,
		player:    player,
		log:       log.With(slog.String("component", "playback-manager")),
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string]*Queue),
		onPlayed:  onPlayed,
		onSkipped: onSkipped,
		meter:     otel.Meter("github.com/fableforge/fableforge-core/runtime"),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	m.wg.Add(1)
	go m.runJanitor()
	return m
}

// Queue returns the table's queue, creating it on first use. An empty table
// ID maps to the default table.
func (m *Manager) Queue(tableID string) *Queue {
	if tableID == "" {
		tableID = m.cfg.DefaultTable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[tableID]
	if !ok {
		id := tableID
		q = newQueue(m.ctx, id, m.cfg, m.player, m.log,
			m.wrapCallback(id, m.onPlayed), m.wrapCallback(id, m.onSkipped))
		m.queues[id] = q
		m.log.Info("playback queue created", slog.String("table", id))
	}
	return q
}

// Lookup returns the table's queue without creating one.
func (m *Manager) Lookup(tableID string) (*Queue, bool) {
	if tableID == "" {
		tableID = m.cfg.DefaultTable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[tableID]
	return q, ok
}

// Tables lists the tables that currently have a queue, sorted.
func (m *Manager) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for id := range m.queues {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopTable interrupts and drains one table's queue if it exists.
func (m *Manager) StopTable(tableID string) {
	if q, ok := m.Lookup(tableID); ok {
		q.StopCurrent()
	}
}

// Close shuts down every queue and the janitor.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
	m.wg.Wait()
}

func (m *Manager) wrapCallback(tableID string, fn func(tableID, chunkID string)) func(string) {
	if fn == nil {
		return nil
	}
	return func(chunkID string) { fn(tableID, chunkID) }
}

func (m *Manager) runJanitor() {
	defer m.wg.Done()
	idle := time.Duration(m.cfg.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		return
	}
	interval := idle / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(idle)
		}
	}
}

func (m *Manager) reapIdle(idle time.Duration) {
	m.mu.Lock()
	var victims []*Queue
	for id, q := range m.queues {
		if id == m.cfg.DefaultTable {
			continue
		}
		if q.Idle(idle) {
			victims = append(victims, q)
			delete(m.queues, id)
			m.log.Info("reaping idle playback queue", slog.String("table", id))
		}
	}
	m.mu.Unlock()
	for _, q := range victims {
		q.Close()
	}
}

func (m *Manager) initMetrics() error {
	if m.meter == nil {
		return nil
	}
	queueGauge, err := m.meter.Int64ObservableGauge("fable.playback.queues",
		metric.WithDescription("Number of live playback queues"))
	if err != nil {
		return err
	}
	depthGauge, err := m.meter.Int64ObservableGauge("fable.playback.queued_items",
		metric.WithDescription("Total items waiting across all queues"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		queues, depth := m.snapshotCounts()
		obs.ObserveInt64(queueGauge, queues)
		obs.ObserveInt64(depthGauge, depth)
		return nil
	}, queueGauge, depthGauge)
	return err
}

func (m *Manager) snapshotCounts() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var depth int64
	for _, q := range m.queues {
		depth += int64(q.Status().QueueSize)
	}
	return int64(len(m.queues)), depth
}
