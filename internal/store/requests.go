package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRequest persists a new playback request in the pending state. The ID
// is generated when empty.
func (s *Store) CreateRequest(ctx context.Context, req *PlaybackRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Group == "" {
		req.Group = GroupNarrative
	}
	req.Status = RequestPending
	req.RequestedAt = s.clock().UTC()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO playback_requests (request_id, table_id, playback_group, status, message_id, source_text, requested_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TableID, req.Group, req.Status, req.MessageID, req.SourceText, req.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert playback request: %w", err)
	}
	return nil
}

// MarkRequestGenerating transitions a pending request to generating.
func (s *Store) MarkRequestGenerating(ctx context.Context, requestID string) error {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE playback_requests SET status = ?, started_at = ?
        WHERE request_id = ? AND status = ?`,
		RequestGenerating, now, requestID, RequestPending)
	if err != nil {
		return fmt.Errorf("mark request generating: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not pending", requestID)
	}
	return nil
}

// MarkRequestGenerated finalizes a request with its chunk count.
func (s *Store) MarkRequestGenerated(ctx context.Context, requestID string, chunkCount int) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx, `
        UPDATE playback_requests SET status = ?, chunk_count = ?, completed_at = ?
        WHERE request_id = ?`,
		RequestGenerated, chunkCount, now, requestID)
	if err != nil {
		return fmt.Errorf("mark request generated: %w", err)
	}
	return nil
}

// MarkRequestFailed moves a request to the failed terminal state. Chunks that
// already generated stay playable.
func (s *Store) MarkRequestFailed(ctx context.Context, requestID string) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx, `
        UPDATE playback_requests SET status = ?, completed_at = ?
        WHERE request_id = ?`,
		RequestFailed, now, requestID)
	if err != nil {
		return fmt.Errorf("mark request failed: %w", err)
	}
	return nil
}

// GetRequest returns one request, or nil when it does not exist.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*PlaybackRequest, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT request_id, table_id, playback_group, status, COALESCE(message_id, ''), COALESCE(source_text, ''),
               chunk_count, requested_at, started_at, completed_at
        FROM playback_requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// ListTableRequests returns the most recent requests for a table.
func (s *Store) ListTableRequests(ctx context.Context, tableID string, limit int) ([]PlaybackRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, table_id, playback_group, status, COALESCE(message_id, ''), COALESCE(source_text, ''),
               chunk_count, requested_at, started_at, completed_at
        FROM playback_requests WHERE table_id = ?
        ORDER BY requested_at DESC LIMIT ?`, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []PlaybackRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// FailStuckRequests fails requests that have been generating longer than
// maxAge, plus generated requests of the same age with no played chunk.
// Returns the number of requests failed.
func (s *Store) FailStuckRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := s.clock().UTC()
	cutoff := now.Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
        UPDATE playback_requests SET status = ?, completed_at = ?
        WHERE (status = ? AND started_at < ?)
           OR (status = ? AND completed_at < ? AND NOT EXISTS (
                 SELECT 1 FROM audio_chunks c
                 WHERE c.request_id = playback_requests.request_id AND c.status = ?))`,
		RequestFailed, now,
		RequestGenerating, cutoff,
		RequestGenerated, cutoff, ChunkPlayed)
	if err != nil {
		return 0, fmt.Errorf("fail stuck requests: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PlaybackRequest, error) {
	var req PlaybackRequest
	var requestedAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&req.ID, &req.TableID, &req.Group, &req.Status, &req.MessageID, &req.SourceText,
		&req.ChunkCount, &requestedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	req.RequestedAt = parseTime(requestedAt)
	req.StartedAt = scanNullableTime(startedAt)
	req.CompletedAt = scanNullableTime(completedAt)
	return &req, nil
}
