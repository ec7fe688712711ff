package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertSent records that a chunk was sent to a connection. First write wins
// on the timestamp. Returns false without error when the chunk or the
// connection no longer exists.
func (s *Store) UpsertSent(ctx context.Context, connectionID, chunkID string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_playback (connection_id, chunk_id, request_id, sequence, sent_to_client, sent_at)
        SELECT ?, c.chunk_id, c.request_id, c.sequence, 1, ?
        FROM audio_chunks c WHERE c.chunk_id = ?
        ON CONFLICT(connection_id, chunk_id) DO UPDATE SET
            sent_to_client = 1,
            sent_at = COALESCE(connection_playback.sent_at, excluded.sent_at)`,
		connectionID, now, chunkID)
	if err != nil {
		if isForeignKeyErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertAcknowledged records client receipt of a chunk. Acknowledgement
// implies sent. Returns false without error for vanished chunks or
// connections.
func (s *Store) UpsertAcknowledged(ctx context.Context, connectionID, chunkID string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_playback (connection_id, chunk_id, request_id, sequence, sent_to_client, sent_at, acknowledged, acknowledged_at)
        SELECT ?, c.chunk_id, c.request_id, c.sequence, 1, ?, 1, ?
        FROM audio_chunks c WHERE c.chunk_id = ?
        ON CONFLICT(connection_id, chunk_id) DO UPDATE SET
            sent_to_client = 1,
            sent_at = COALESCE(connection_playback.sent_at, excluded.sent_at),
            acknowledged = 1,
            acknowledged_at = COALESCE(connection_playback.acknowledged_at, excluded.acknowledged_at)`,
		connectionID, now, now, chunkID)
	if err != nil {
		if isForeignKeyErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert acknowledged: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertPlayed records client-side playback completion. Played implies both
// sent and acknowledged. Returns false without error for vanished chunks or
// connections.
func (s *Store) UpsertPlayed(ctx context.Context, connectionID, chunkID string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_playback (connection_id, chunk_id, request_id, sequence, sent_to_client, sent_at, acknowledged, acknowledged_at, played, played_at)
        SELECT ?, c.chunk_id, c.request_id, c.sequence, 1, ?, 1, ?, 1, ?
        FROM audio_chunks c WHERE c.chunk_id = ?
        ON CONFLICT(connection_id, chunk_id) DO UPDATE SET
            sent_to_client = 1,
            sent_at = COALESCE(connection_playback.sent_at, excluded.sent_at),
            acknowledged = 1,
            acknowledged_at = COALESCE(connection_playback.acknowledged_at, excluded.acknowledged_at),
            played = 1,
            played_at = COALESCE(connection_playback.played_at, excluded.played_at)`,
		connectionID, now, now, now, chunkID)
	if err != nil {
		if isForeignKeyErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert played: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SentChunkIDs returns the IDs of chunks already sent to a connection.
func (s *Store) SentChunkIDs(ctx context.Context, connectionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT chunk_id FROM connection_playback
        WHERE connection_id = ? AND sent_to_client = 1`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list sent chunks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetDelivery returns one connection-chunk delivery row, or nil when no
// delivery has been recorded.
func (s *Store) GetDelivery(ctx context.Context, connectionID, chunkID string) (*DeliveryState, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT connection_id, chunk_id, COALESCE(request_id, ''), sequence,
               sent_to_client, sent_at, acknowledged, acknowledged_at, played, played_at
        FROM connection_playback WHERE connection_id = ? AND chunk_id = ?`,
		connectionID, chunkID)

	var d DeliveryState
	var sentAt, ackedAt, playedAt sql.NullString
	err := row.Scan(&d.ConnectionID, &d.ChunkID, &d.RequestID, &d.Sequence,
		&d.Sent, &sentAt, &d.Acknowledged, &ackedAt, &d.Played, &playedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	d.SentAt = scanNullableTime(sentAt)
	d.AcknowledgedAt = scanNullableTime(ackedAt)
	d.PlayedAt = scanNullableTime(playedAt)
	return &d, nil
}

// GetPosition aggregates a connection's delivery progress. LastPlayedSequence
// is -1 when nothing has been played.
func (s *Store) GetPosition(ctx context.Context, connectionID string) (Position, error) {
	pos := Position{LastPlayedSequence: -1}
	row := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(sent_to_client), 0),
               COALESCE(SUM(acknowledged), 0),
               COALESCE(SUM(played), 0),
               COALESCE(MAX(CASE WHEN played = 1 THEN sequence END), -1)
        FROM connection_playback WHERE connection_id = ?`, connectionID)
	if err := row.Scan(&pos.Total, &pos.Sent, &pos.Acknowledged, &pos.Played, &pos.LastPlayedSequence); err != nil {
		return Position{LastPlayedSequence: -1}, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// CloneDelivery copies one connection's delivery history onto another,
// leaving rows the target already has untouched. Used when a reconnecting
// client supersedes its previous connection.
func (s *Store) CloneDelivery(ctx context.Context, fromConnectionID, toConnectionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO connection_playback (connection_id, chunk_id, request_id, sequence,
                                         sent_to_client, sent_at, acknowledged, acknowledged_at, played, played_at)
        SELECT ?, chunk_id, request_id, sequence,
               sent_to_client, sent_at, acknowledged, acknowledged_at, played, played_at
        FROM connection_playback WHERE connection_id = ?
        ON CONFLICT(connection_id, chunk_id) DO NOTHING`,
		toConnectionID, fromConnectionID)
	if err != nil {
		return 0, fmt.Errorf("clone delivery: %w", err)
	}
	return res.RowsAffected()
}
