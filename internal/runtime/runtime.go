package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fableforge/fableforge-core/internal/bus"
	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/gateway"
	"github.com/fableforge/fableforge-core/internal/narrator"
	"github.com/fableforge/fableforge-core/internal/natsserver"
	"github.com/fableforge/fableforge-core/internal/playback"
	"github.com/fableforge/fableforge-core/internal/registry"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/story"
	"github.com/fableforge/fableforge-core/internal/sweeper"
	"github.com/fableforge/fableforge-core/internal/synth"
	"github.com/fableforge/fableforge-core/internal/tracker"
)

// Runtime assembles the narration pipeline: embedded bus, storage, playback
// queues, narrator, gateway, story generator and the cleanup sweeper, plus
// the HTTP surface for health and metrics.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *store.Store
	queues   *playback.Manager
	narrator *narrator.Service
	gateway  *gateway.Service
	story    *story.Service
	sweeper  *sweeper.Sweeper
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.stopServices()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	synthesizer, err := synth.NewFromConfig(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("build synthesizer: %w", err)
	}

	player, err := playback.NewPlayer(r.cfg.Playback)
	if err != nil {
		return fmt.Errorf("build player: %w", err)
	}

	onPlayed := func(tableID, chunkID string) {
		markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.MarkChunkPlayed(markCtx, chunkID); err != nil {
			r.logger.Warn("failed to mark chunk played",
				slog.String("chunk", chunkID), slog.String("error", err.Error()))
		}
	}
	r.queues = playback.NewManager(ctx, r.cfg.Playback, player, r.logger, onPlayed, nil)

	tr := tracker.New(st, r.logger)
	reg, err := registry.New(ctx, st, tr, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	r.narrator = narrator.NewService(ctx, &r.cfg, busClient, st, synthesizer, r.queues, busClient, r.logger)
	if err := r.narrator.Start(); err != nil {
		return fmt.Errorf("start narrator: %w", err)
	}

	r.gateway = gateway.NewService(ctx, reg, tr, st, busClient, r.logger)
	if err := r.gateway.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	generator, err := story.NewGenerator(r.cfg.Story)
	if err != nil {
		return fmt.Errorf("build story generator: %w", err)
	}
	r.story = story.NewService(ctx, r.cfg.Story, busClient, generator, r.logger)
	if err := r.story.Start(); err != nil {
		return fmt.Errorf("start story service: %w", err)
	}

	r.sweeper = sweeper.New(r.cfg.Cleanup, st, r.logger)
	if err := r.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	return nil
}

func (r *Runtime) stopServices() {
	if r.sweeper != nil {
		r.sweeper.Close()
	}
	if r.story != nil {
		r.story.Close()
	}
	if r.narrator != nil {
		r.narrator.Close()
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.queues != nil {
		r.queues.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	healthy := true
	if r.bus != nil && !r.bus.Healthy() {
		healthy = false
	}
	if r.store != nil && !r.store.Healthy(req.Context()) {
		healthy = false
	}
	if r.narrator != nil && !r.narrator.Healthy() {
		healthy = false
	}
	if r.gateway != nil && !r.gateway.Healthy() {
		healthy = false
	}
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
