package story

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := "The narrator considers " + strings.TrimSpace(req.Prompt) + " and continues the tale."
	return consumer(Chunk{
		TableID: req.TableID,
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
	})
}
