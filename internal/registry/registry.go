package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fableforge/fableforge-core/internal/protocol"
	"github.com/fableforge/fableforge-core/internal/store"
	"github.com/fableforge/fableforge-core/internal/tracker"
)

// Publisher is the slice of the bus client the registry needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectParams describes an incoming client connection.
type ConnectParams struct {
	TableID        string
	UserID         string
	UserEmail      string
	Role           string
	Seat           string
	ReconnectToken string
}

// Registry owns the lifecycle of client connections for all tables. Every
// physical connection gets its own row and its own delivery history; a
// reconnecting client supersedes its previous row and inherits that history.
type Registry struct {
	store   *store.Store
	tracker *tracker.Tracker
	pub     Publisher
	log     *slog.Logger
	meter   metric.Meter
	clock   func() time.Time
}

func New(ctx context.Context, st *store.Store, tr *tracker.Tracker, pub Publisher, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:   st,
		tracker: tr,
		pub:     pub,
		log:     log.With(slog.String("component", "connection-registry")),
		meter:   otel.Meter("github.com/fableforge/fableforge-core/runtime"),
		clock:   time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r, nil
}

// Connect registers a new connection and returns its row, including a fresh
// reconnect token. When params carries a valid reconnect token the previous
// connection is superseded and its delivery history is cloned onto the new
// one.
func (r *Registry) Connect(ctx context.Context, params ConnectParams) (*store.Connection, error) {
	if params.TableID == "" {
		return nil, fmt.Errorf("table id required")
	}

	var prior *store.Connection
	if params.ReconnectToken != "" {
		found, err := r.store.GetConnectionByToken(ctx, params.ReconnectToken)
		if err != nil {
			r.log.Warn("reconnect token lookup failed", slog.String("error", err.Error()))
		} else if found != nil && found.TableID == params.TableID {
			prior = found
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate reconnect token: %w", err)
	}

	conn := &store.Connection{
		ReconnectToken: token,
		TableID:        params.TableID,
		UserID:         params.UserID,
		UserEmail:      params.UserEmail,
		Role:           params.Role,
		Seat:           params.Seat,
	}
	if err := r.store.InsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	if prior != nil {
		if _, err := r.store.MarkConnectionTerminal(ctx, prior.ID, store.ConnSuperseded); err != nil {
			r.log.Warn("failed to supersede prior connection",
				slog.String("prior", prior.ID), slog.String("error", err.Error()))
		}
		cloned := r.tracker.CloneHistory(ctx, prior.ID, conn.ID)
		r.log.Info("connection resumed",
			slog.String("connection", conn.ID),
			slog.String("prior", prior.ID),
			slog.Int64("history_rows", cloned))
	} else {
		r.log.Info("connection registered",
			slog.String("connection", conn.ID),
			slog.String("table", conn.TableID),
			slog.String("role", conn.Role))
	}

	r.publishChange(conn, store.ConnConnected)
	return conn, nil
}

// Heartbeat refreshes the connection's liveness window. Returns false when
// the connection is unknown or already terminal.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string) bool {
	ok, err := r.store.TouchHeartbeat(ctx, connectionID)
	if err != nil {
		r.log.Warn("heartbeat failed", slog.String("connection", connectionID), slog.String("error", err.Error()))
		return false
	}
	return ok
}

// Disconnect moves a connection to a terminal state: "disconnected" for a
// clean close, "failed" for an abnormal one. An empty status means a clean
// close. Calling it again for the same connection is a no-op.
func (r *Registry) Disconnect(ctx context.Context, connectionID, status string) error {
	switch status {
	case "":
		status = store.ConnDisconnected
	case store.ConnDisconnected, store.ConnFailed:
	default:
		return fmt.Errorf("invalid disconnect status %q", status)
	}
	changed, err := r.store.MarkConnectionTerminal(ctx, connectionID, status)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err == nil && conn != nil {
		r.publishChange(conn, status)
	}
	r.log.Info("connection closed",
		slog.String("connection", connectionID), slog.String("status", status))
	return nil
}

// Get returns one connection row, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, connectionID string) (*store.Connection, error) {
	return r.store.GetConnection(ctx, connectionID)
}

// ListActive returns the table's currently connected rows.
func (r *Registry) ListActive(ctx context.Context, tableID string) ([]store.Connection, error) {
	return r.store.ListActiveConnections(ctx, tableID)
}

// Healthy reports whether the registry can reach its storage.
func (r *Registry) Healthy(ctx context.Context) bool {
	return r.store.Healthy(ctx)
}

func (r *Registry) publishChange(conn *store.Connection, status string) {
	if r.pub == nil {
		return
	}
	evt := protocol.ConnectionChanged{
		TableID:      conn.TableID,
		ConnectionID: conn.ID,
		Role:         conn.Role,
		Status:       status,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := r.pub.Publish(protocol.SubjectConnChanged, payload); err != nil {
		r.log.Warn("failed to publish connection event", slog.String("error", err.Error()))
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("fable.connections.active",
		metric.WithDescription("Number of currently connected clients"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, err := r.store.CountActiveConnections(ctx, "")
		if err != nil {
			return nil
		}
		obs.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
	return err
}

func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
