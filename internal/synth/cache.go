package synth

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedSynth struct {
	inner Synthesizer
	cache *lru.Cache[string, Result]
}

// NewCachedSynth wraps a Synthesizer with an LRU keyed on the full request.
// Repeated narration (stock responses, sound-effect cues) skips the provider.
func NewCachedSynth(inner Synthesizer, size int) (Synthesizer, error) {
	if size <= 0 {
		return inner, nil
	}
	cache, err := lru.New[string, Result](size)
	if err != nil {
		return nil, fmt.Errorf("create synthesis cache: %w", err)
	}
	return &cachedSynth{inner: inner, cache: cache}, nil
}

func (c *cachedSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)
	if result, ok := c.cache.Get(key); ok {
		return result, nil
	}
	result, err := c.inner.Synthesize(ctx, req)
	if err != nil {
		return Result{}, err
	}
	c.cache.Add(key, result)
	return result, nil
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%s|%.3f|%s|%s", req.Voice, req.Speed, req.Format, req.Text)
}
