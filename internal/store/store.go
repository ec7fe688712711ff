package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fableforge/fableforge-core/internal/config"
	_ "modernc.org/sqlite"
)

// Playback request lifecycle.
const (
	RequestPending    = "pending"
	RequestGenerating = "generating"
	RequestGenerated  = "generated"
	RequestFailed     = "failed"
)

// Audio chunk lifecycle. Played and failed are terminal.
const (
	ChunkPending    = "pending"
	ChunkGenerating = "generating"
	ChunkGenerated  = "generated"
	ChunkPlayed     = "played"
	ChunkFailed     = "failed"
)

// Connection lifecycle. Everything except connected is terminal.
const (
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnFailed       = "failed"
	ConnSuperseded   = "superseded"
)

// Playback groups tag what kind of audio a request carries.
const (
	GroupNarrative   = "narrative"
	GroupResponse    = "response"
	GroupSoundEffect = "sound_effect"
)

// PlaybackRequest is the aggregate root for one narration-to-speech batch.
type PlaybackRequest struct {
	ID          string
	TableID     string
	Group       string
	Status      string
	MessageID   string
	SourceText  string
	ChunkCount  int
	RequestedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AudioChunk is one ordered speakable unit belonging to a PlaybackRequest.
type AudioChunk struct {
	ID         string
	RequestID  string
	TableID    string
	Sequence   int
	FilePath   string
	ProxyURL   string
	MimeType   string
	ByteSize   int
	DurationMS int64
	Status     string
	PlayedAt   *time.Time
	CreatedAt  time.Time
}

// Connection is one physical WebSocket connection instance. A reconnecting
// client always gets a fresh row; the reconnect token links it to history.
type Connection struct {
	ID             string
	ReconnectToken string
	TableID        string
	UserID         string
	UserEmail      string
	Role           string
	Status         string
	Seat           string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	LastHeartbeat  time.Time
}

// DeliveryState tracks one chunk's sent/acknowledged/played progression for
// one connection.
type DeliveryState struct {
	ConnectionID   string
	ChunkID        string
	RequestID      string
	Sequence       int
	Sent           bool
	SentAt         *time.Time
	Acknowledged   bool
	AcknowledgedAt *time.Time
	Played         bool
	PlayedAt       *time.Time
}

// Position aggregates a connection's playback progress.
type Position struct {
	Total              int
	Sent               int
	Acknowledged       int
	Played             int
	LastPlayedSequence int
}

// Store wraps the SQLite-backed persistence for the narration pipeline.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store, creating the data directory and schema.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS playback_requests (
    request_id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL,
    playback_group TEXT NOT NULL DEFAULT 'narrative',
    status TEXT NOT NULL DEFAULT 'pending',
    message_id TEXT,
    source_text TEXT,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    requested_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_requests_table ON playback_requests(table_id, requested_at);
CREATE TABLE IF NOT EXISTS audio_chunks (
    chunk_id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    table_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    file_path TEXT,
    proxy_url TEXT,
    mime_type TEXT,
    byte_size INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    status TEXT NOT NULL DEFAULT 'pending',
    played_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(request_id, sequence),
    FOREIGN KEY(request_id) REFERENCES playback_requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunks_table ON audio_chunks(table_id, created_at);
CREATE TABLE IF NOT EXISTS connections (
    connection_id TEXT PRIMARY KEY,
    reconnect_token TEXT NOT NULL UNIQUE,
    table_id TEXT NOT NULL,
    user_id TEXT,
    user_email TEXT,
    role TEXT NOT NULL DEFAULT 'player',
    status TEXT NOT NULL DEFAULT 'connected',
    seat TEXT,
    connected_at TIMESTAMP NOT NULL,
    disconnected_at TIMESTAMP,
    last_heartbeat TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_table ON connections(table_id, status);
CREATE TABLE IF NOT EXISTS connection_playback (
    connection_id TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    request_id TEXT,
    sequence INTEGER NOT NULL DEFAULT 0,
    sent_to_client INTEGER NOT NULL DEFAULT 0,
    sent_at TIMESTAMP,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_at TIMESTAMP,
    played INTEGER NOT NULL DEFAULT 0,
    played_at TIMESTAMP,
    PRIMARY KEY(connection_id, chunk_id),
    FOREIGN KEY(connection_id) REFERENCES connections(connection_id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// SetClock overrides the store's time source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db != nil && s.db.PingContext(ctx) == nil
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY")
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func scanNullableTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	ts := parseTime(value.String)
	if ts.IsZero() {
		return nil
	}
	return &ts
}
