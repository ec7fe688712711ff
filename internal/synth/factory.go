package synth

import (
	"fmt"

	"github.com/fableforge/fableforge-core/internal/config"
)

// NewFromConfig builds the configured synthesizer, wrapped in an LRU cache
// when cache_size is positive.
func NewFromConfig(cfg config.SynthesisConfig) (Synthesizer, error) {
	var base Synthesizer
	switch cfg.Mode {
	case "", "mock":
		base = NewMockSynth()
	case "exec":
		var err error
		base, err = NewExecSynth(cfg.Command)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
	return NewCachedSynth(base, cfg.CacheSize)
}
