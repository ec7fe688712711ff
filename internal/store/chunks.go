package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertChunk persists one generated chunk. The (request, sequence) pair is
// unique; inserting a duplicate sequence is an error.
func (s *Store) InsertChunk(ctx context.Context, ch *AudioChunk) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = ChunkGenerated
	}
	ch.CreatedAt = s.clock().UTC()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audio_chunks (chunk_id, request_id, table_id, sequence, file_path, proxy_url, mime_type, byte_size, duration_ms, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.RequestID, ch.TableID, ch.Sequence, ch.FilePath, ch.ProxyURL, ch.MimeType,
		ch.ByteSize, ch.DurationMS, ch.Status, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// GetChunk returns one chunk, or nil when it does not exist.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*AudioChunk, error) {
	row := s.db.QueryRowContext(ctx, chunkSelect+` WHERE chunk_id = ?`, chunkID)
	ch, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

// ListRequestChunks returns a request's chunks in sequence order.
func (s *Store) ListRequestChunks(ctx context.Context, requestID string) ([]AudioChunk, error) {
	rows, err := s.db.QueryContext(ctx, chunkSelect+` WHERE request_id = ? ORDER BY sequence`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request chunks: %w", err)
	}
	return collectChunks(rows)
}

// ListTableChunks returns a table's playable chunks in creation order, oldest
// first, for reconnect catch-up.
func (s *Store) ListTableChunks(ctx context.Context, tableID string, limit int) ([]AudioChunk, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, chunkSelect+`
        WHERE table_id = ? AND status IN (?, ?)
        ORDER BY created_at, sequence LIMIT ?`,
		tableID, ChunkGenerated, ChunkPlayed, limit)
	if err != nil {
		return nil, fmt.Errorf("list table chunks: %w", err)
	}
	return collectChunks(rows)
}

// MarkChunkPlayed records server-side playback completion for a chunk.
func (s *Store) MarkChunkPlayed(ctx context.Context, chunkID string) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx, `
        UPDATE audio_chunks SET status = ?, played_at = ? WHERE chunk_id = ?`,
		ChunkPlayed, now, chunkID)
	if err != nil {
		return fmt.Errorf("mark chunk played: %w", err)
	}
	return nil
}

// MarkChunkFailed moves a chunk to the failed terminal state.
func (s *Store) MarkChunkFailed(ctx context.Context, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE audio_chunks SET status = ? WHERE chunk_id = ?`,
		ChunkFailed, chunkID)
	if err != nil {
		return fmt.Errorf("mark chunk failed: %w", err)
	}
	return nil
}

// DeletePlayedChunksBefore removes played chunks older than maxAge and
// returns their file paths so the caller can unlink the audio.
func (s *Store) DeletePlayedChunksBefore(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.clock().UTC().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx, `
        SELECT COALESCE(file_path, '') FROM audio_chunks
        WHERE status = ? AND played_at < ?`, ChunkPlayed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired chunks: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
        DELETE FROM audio_chunks WHERE status = ? AND played_at < ?`, ChunkPlayed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired chunks: %w", err)
	}
	return paths, nil
}

const chunkSelect = `
        SELECT chunk_id, request_id, table_id, sequence, COALESCE(file_path, ''), COALESCE(proxy_url, ''),
               COALESCE(mime_type, ''), byte_size, COALESCE(duration_ms, 0), status, played_at, created_at
        FROM audio_chunks`

func scanChunk(row rowScanner) (*AudioChunk, error) {
	var ch AudioChunk
	var playedAt sql.NullString
	var createdAt string
	err := row.Scan(&ch.ID, &ch.RequestID, &ch.TableID, &ch.Sequence, &ch.FilePath, &ch.ProxyURL,
		&ch.MimeType, &ch.ByteSize, &ch.DurationMS, &ch.Status, &playedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	ch.PlayedAt = scanNullableTime(playedAt)
	ch.CreatedAt = parseTime(createdAt)
	return &ch, nil
}

func collectChunks(rows *sql.Rows) ([]AudioChunk, error) {
	defer rows.Close()
	var out []AudioChunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}
