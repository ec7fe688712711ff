package playback

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/fableforge/fableforge-core/internal/config"
)

// Player plays one audio file to completion, honoring cancellation.
type Player interface {
	Play(ctx context.Context, path string) error
}

// NewPlayer builds the configured player implementation.
func NewPlayer(cfg config.PlaybackConfig) (Player, error) {
	switch cfg.PlayerMode {
	case "", "mock":
		return NewMockPlayer(10 * time.Millisecond), nil
	case "exec":
		return newExecPlayer(cfg)
	default:
		return nil, fmt.Errorf("unknown player mode %q", cfg.PlayerMode)
	}
}

// execPlayer shells out to an external audio player (afplay, aplay, mpv) with
// the file path appended to the configured command line.
type execPlayer struct {
	command   []string
	killGrace time.Duration
}

func newExecPlayer(cfg config.PlaybackConfig) (*execPlayer, error) {
	if cfg.PlayerCommand == "" {
		return nil, fmt.Errorf("exec player requires playback.player_command")
	}
	parts, err := shellwords.Parse(cfg.PlayerCommand)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty player command")
	}
	grace := time.Duration(cfg.KillGraceMS) * time.Millisecond
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &execPlayer{command: parts, killGrace: grace}, nil
}

func (p *execPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string(nil), p.command[1:]...), path)
	cmd := exec.Command(p.command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("player exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Ask the player to stop, then force it after the grace window.
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitErr:
	case <-time.After(p.killGrace):
		_ = cmd.Process.Kill()
		<-waitErr
	}
	return ctx.Err()
}

// mockPlayer simulates playback with a fixed latency. Used in tests and on
// hosts with no audio output.
type mockPlayer struct {
	latency time.Duration
}

func NewMockPlayer(latency time.Duration) Player {
	return &mockPlayer{latency: latency}
}

func (p *mockPlayer) Play(ctx context.Context, path string) error {
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
