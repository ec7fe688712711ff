package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertConnection persists a new connection row in the connected state. The
// caller supplies the reconnect token; the ID is generated when empty.
func (s *Store) InsertConnection(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Role == "" {
		conn.Role = "player"
	}
	conn.Status = ConnConnected
	now := s.clock().UTC()
	conn.ConnectedAt = now
	conn.LastHeartbeat = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO connections (connection_id, reconnect_token, table_id, user_id, user_email, role, status, seat, connected_at, last_heartbeat)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.ReconnectToken, conn.TableID, conn.UserID, conn.UserEmail,
		conn.Role, conn.Status, conn.Seat, conn.ConnectedAt, conn.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes a connection's liveness timestamp. Returns false
// when the connection is unknown or no longer connected.
func (s *Store) TouchHeartbeat(ctx context.Context, connectionID string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE connections SET last_heartbeat = ?
        WHERE connection_id = ? AND status = ?`,
		now, connectionID, ConnConnected)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkConnectionTerminal transitions a connected row to a terminal status.
// Calling it again for an already-terminal row is a no-op returning false.
func (s *Store) MarkConnectionTerminal(ctx context.Context, connectionID, status string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
        UPDATE connections SET status = ?, disconnected_at = ?
        WHERE connection_id = ? AND status = ?`,
		status, now, connectionID, ConnConnected)
	if err != nil {
		return false, fmt.Errorf("mark connection %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetConnection returns one connection, or nil when it does not exist.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, connSelect+` WHERE connection_id = ?`, connectionID)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conn, err
}

// GetConnectionByToken resolves a reconnect token to its connection row.
func (s *Store) GetConnectionByToken(ctx context.Context, token string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, connSelect+` WHERE reconnect_token = ?`, token)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conn, err
}

// ListActiveConnections returns a table's connected rows.
func (s *Store) ListActiveConnections(ctx context.Context, tableID string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, connSelect+`
        WHERE table_id = ? AND status = ? ORDER BY connected_at`, tableID, ConnConnected)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// CountActiveConnections returns the number of connected rows, optionally
// scoped to one table (empty tableID means all tables).
func (s *Store) CountActiveConnections(ctx context.Context, tableID string) (int, error) {
	var n int
	var err error
	if tableID == "" {
		err = s.db.QueryRowContext(ctx, `
            SELECT COUNT(*) FROM connections WHERE status = ?`, ConnConnected).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `
            SELECT COUNT(*) FROM connections WHERE table_id = ? AND status = ?`, tableID, ConnConnected).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count active connections: %w", err)
	}
	return n, nil
}

// FailSilentConnections marks still-connected rows whose heartbeat is older
// than maxSilence as failed. Returns the number of rows transitioned.
func (s *Store) FailSilentConnections(ctx context.Context, maxSilence time.Duration) (int64, error) {
	now := s.clock().UTC()
	cutoff := now.Add(-maxSilence)
	res, err := s.db.ExecContext(ctx, `
        UPDATE connections SET status = ?, disconnected_at = ?
        WHERE status = ? AND last_heartbeat < ?`,
		ConnFailed, now, ConnConnected, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail silent connections: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalConnectionsBefore removes terminal connection rows older than
// maxAge. Per-connection delivery state goes with them via cascade.
func (s *Store) DeleteTerminalConnectionsBefore(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM connections
        WHERE status != ? AND COALESCE(disconnected_at, last_heartbeat) < ?`,
		ConnConnected, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal connections: %w", err)
	}
	return res.RowsAffected()
}

const connSelect = `
        SELECT connection_id, reconnect_token, table_id, COALESCE(user_id, ''), COALESCE(user_email, ''),
               role, status, COALESCE(seat, ''), connected_at, disconnected_at, last_heartbeat
        FROM connections`

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var connectedAt, lastHeartbeat string
	var disconnectedAt sql.NullString
	err := row.Scan(&conn.ID, &conn.ReconnectToken, &conn.TableID, &conn.UserID, &conn.UserEmail,
		&conn.Role, &conn.Status, &conn.Seat, &connectedAt, &disconnectedAt, &lastHeartbeat)
	if err != nil {
		return nil, err
	}
	conn.ConnectedAt = parseTime(connectedAt)
	conn.DisconnectedAt = scanNullableTime(disconnectedAt)
	conn.LastHeartbeat = parseTime(lastHeartbeat)
	return &conn, nil
}
