package story

import (
	"context"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
)

// Request describes a narrator text prompt.
type Request struct {
	TableID     string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed generator output.
type Chunk struct {
	TableID          string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable narration text backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig seeds generation defaults from config.
func RequestFromConfig(cfg config.StoryConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}
