package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Cleanup.IntervalSeconds != 60 {
		t.Fatalf("expected default cleanup interval 60, got %d", cfg.Cleanup.IntervalSeconds)
	}
	if cfg.Cleanup.MaxAgeDays != 7 {
		t.Fatalf("expected default retention 7 days, got %d", cfg.Cleanup.MaxAgeDays)
	}
	if cfg.Cleanup.StuckRequestMinutes != 15 {
		t.Fatalf("expected default stuck threshold 15 minutes, got %d", cfg.Cleanup.StuckRequestMinutes)
	}
	if cfg.Playback.IdleTimeoutSeconds != 300 {
		t.Fatalf("expected default idle timeout 300s, got %d", cfg.Playback.IdleTimeoutSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FABLE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("FABLE_BUS_EMBEDDED", "false")
	t.Setenv("FABLE_STORE_PATH", "./tmp.db")
	t.Setenv("FABLE_CHUNKING_TARGET_SIZE", "50")
	t.Setenv("FABLE_CHUNKING_MAX_SIZE", "60")
	t.Setenv("FABLE_CHUNKING_SENTENCES_PER_CHUNK", "5")
	t.Setenv("FABLE_SYNTHESIS_SPEED", "1.25")
	t.Setenv("FABLE_PLAYBACK_DEFAULT_TABLE", "lobby")
	t.Setenv("FABLE_CLEANUP_STUCK_REQUEST_MINUTES", "30")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded override false")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override, got %s", cfg.Store.Path)
	}
	if cfg.Chunking.TargetSize != 50 || cfg.Chunking.MaxSize != 60 || cfg.Chunking.SentencesPerChunk != 5 {
		t.Fatalf("expected chunking overrides, got %+v", cfg.Chunking)
	}
	if cfg.Synthesis.Speed != 1.25 {
		t.Fatalf("expected speed override, got %f", cfg.Synthesis.Speed)
	}
	if cfg.Playback.DefaultTable != "lobby" {
		t.Fatalf("expected default table override, got %s", cfg.Playback.DefaultTable)
	}
	if cfg.Cleanup.StuckRequestMinutes != 30 {
		t.Fatalf("expected stuck threshold override, got %d", cfg.Cleanup.StuckRequestMinutes)
	}
}

func TestValidateRejectsBadChunking(t *testing.T) {
	t.Setenv("FABLE_CHUNKING_TARGET_SIZE", "500")
	t.Setenv("FABLE_CHUNKING_MAX_SIZE", "100")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error when max_size < target_size")
	}
}
