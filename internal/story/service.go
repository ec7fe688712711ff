package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fableforge/fableforge-core/internal/bus"
	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/protocol"
)

// NewGenerator builds the configured narration text backend.
func NewGenerator(cfg config.StoryConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown story mode %q", cfg.Mode)
	}
}

// Service turns story prompts into narration requests: it listens for
// story.prompt events, runs the generator and feeds the accumulated text back
// onto the bus for the narrator to speak.
type Service struct {
	cfg       config.StoryConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *slog.Logger
}

func NewService(parent context.Context, cfg config.StoryConfig, busClient *bus.Client, gen Generator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: gen,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With(slog.String("component", "story-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectStoryPrompt, s.handlePrompt)
	if err != nil {
		return fmt.Errorf("subscribe story prompts: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handlePrompt(msg *nats.Msg) {
	var prompt protocol.StoryPrompt
	if err := json.Unmarshal(msg.Data, &prompt); err != nil {
		s.log.Warn("invalid story prompt", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		text, err := s.generate(ctx, prompt)
		if err != nil {
			s.log.Warn("story generation failed", slog.String("error", err.Error()))
			return
		}
		if strings.TrimSpace(text) == "" {
			s.log.Warn("story generation produced no text", slog.String("table", prompt.TableID))
			return
		}
		s.publishNarration(prompt, text)
	}()
}

func (s *Service) generate(ctx context.Context, prompt protocol.StoryPrompt) (string, error) {
	req := RequestFromConfig(s.cfg)
	req.TableID = prompt.TableID
	req.Prompt = prompt.Prompt

	var builder strings.Builder
	err := s.generator.Generate(ctx, req, func(chunk Chunk) error {
		builder.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}

func (s *Service) publishNarration(prompt protocol.StoryPrompt, text string) {
	req := protocol.NarrationRequest{
		TableID:   prompt.TableID,
		MessageID: prompt.MessageID,
		Text:      text,
		Voice:     prompt.Voice,
		Group:     prompt.Group,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := s.bus.Publish(protocol.SubjectNarrationRequest, payload); err != nil {
		s.log.Warn("failed to publish narration request", slog.String("error", err.Error()))
		return
	}
	s.log.Info("story narration queued",
		slog.String("table", prompt.TableID), slog.Int("length", len(text)))
}
