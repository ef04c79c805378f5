package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/metrics"
)

var (
	// ErrShuttingDown rejects connects once shutdown has begun.
	ErrShuttingDown = errors.New("gateway is shutting down")
	// ErrCapacity rejects connects that would exceed the global limit.
	ErrCapacity = errors.New("gateway at connection capacity")
	// ErrUserLimit rejects connects over the per-user limit in reject mode.
	ErrUserLimit = errors.New("user connection limit reached")
	// ErrNoBranches rejects connects that claim no branch at all.
	ErrNoBranches = errors.New("connection has no branch ids")
)

// welcome ack sent as the final handshake step.
var welcomePayload = []byte(`{"type":"welcome"}`)

// Gateway owns connection lifecycle: admission, registration across the
// index, sector re-scoping and teardown. It is the only component that
// mutates connection identity.
type Gateway struct {
	cfg        config.GatewayConfig
	locks      *LockManager
	index      *ConnectionIndex
	heartbeats *HeartbeatTracker
	limiter    *RateLimiter
	metrics    *metrics.Collector
	logger     *slog.Logger

	shuttingDown atomic.Bool

	// connCount is guarded by the connection-counter lock so the
	// check-then-increment on connect cannot overshoot the limit.
	connCount int

	// dead holds connections parked by failed sends until the cleaner
	// sweeps them; guarded by the dead-connections lock.
	dead map[uuid.UUID]*Connection
}

func New(cfg config.GatewayConfig, locks *LockManager, index *ConnectionIndex, heartbeats *HeartbeatTracker, limiter *RateLimiter, collector *metrics.Collector, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		locks:      locks,
		index:      index,
		heartbeats: heartbeats,
		limiter:    limiter,
		metrics:    collector,
		logger:     logger.With(slog.String("component", "gateway")),
		dead:       make(map[uuid.UUID]*Connection),
	}
}

// Connect admits and registers a new connection. On any failure the global
// counter is rolled back and the connection is left unregistered; the caller
// closes the transport with the appropriate code.
func (g *Gateway) Connect(ctx context.Context, conn *Connection) error {
	if g.shuttingDown.Load() {
		return ErrShuttingDown
	}

	if len(conn.Branches) == 0 {
		g.metrics.Inc(metrics.ConnectionsRejected)
		return ErrNoBranches
	}
	conn.Sectors = g.sanitizeSectors(conn.UserID, conn.Sectors)

	if g.cfg.MaxPerUser > 0 {
		count := g.index.UserCount(conn.UserID)
		if count >= g.cfg.MaxPerUser {
			if g.cfg.PerUserMode == "reject" {
				g.metrics.Inc(metrics.ConnectionsRejected)
				return ErrUserLimit
			}
			g.logger.Warn("user over connection limit, admitting",
				slog.String("userID", conn.UserID),
				slog.Int("count", count),
			)
		}
	}

	// Check-then-increment under the counter lock; two racing connects at
	// the boundary cannot both pass.
	admitted := false
	g.locks.WithCounter(func() {
		if g.cfg.MaxConnections > 0 && g.connCount+1 > g.cfg.MaxConnections {
			return
		}
		g.connCount++
		admitted = true
	})
	if !admitted {
		g.metrics.Inc(metrics.ConnectionsRejected)
		return ErrCapacity
	}

	// Handshake ack with a bounded timeout. I/O happens before any shard
	// lock is taken.
	hsCtx, cancel := context.WithTimeout(ctx, g.handshakeTimeout())
	err := conn.Transport.Send(hsCtx, welcomePayload)
	cancel()
	if err != nil {
		g.rollbackCounter()
		g.metrics.Inc(metrics.ConnectionsRejected)
		return fmt.Errorf("handshake failed: %w", err)
	}

	conn.CreatedAt = time.Now()
	release := g.lockScopes(conn)
	added := g.index.Add(conn)
	release()

	if !added {
		g.rollbackCounter()
		return fmt.Errorf("connection %s already registered", conn.ID())
	}

	g.heartbeats.Record(conn.ID())
	g.metrics.Inc(metrics.ConnectionsTotal)
	g.metrics.SetGauge(metrics.ConnectionsActive, int64(g.ConnCount()))
	g.logger.Info("connection registered",
		slog.String("connID", conn.ID().String()),
		slog.String("userID", conn.UserID),
		slog.String("role", conn.Role.String()),
		slog.String("tenantID", conn.TenantID),
	)
	return nil
}

// Disconnect removes the connection from every index set and releases its
// heartbeat and rate-limit state. Idempotent: a second call for the same
// connection is a no-op, so a failed send racing an explicit close is safe.
func (g *Gateway) Disconnect(conn *Connection) {
	id := conn.ID()

	release := g.lockScopes(conn)
	removed := g.index.Remove(id)
	release()

	releaseDead := g.locks.LockDead()
	delete(g.dead, id)
	releaseDead()

	if !removed {
		return
	}

	g.locks.WithCounter(func() {
		g.connCount--
	})
	g.heartbeats.Forget(id)
	g.limiter.Forget(id)
	g.metrics.SetGauge(metrics.ConnectionsActive, int64(g.ConnCount()))
	g.logger.Info("connection deregistered",
		slog.String("connID", id.String()),
		slog.String("userID", conn.UserID),
	)
}

// DisconnectID resolves the connection and disconnects it. Unknown ids are
// ignored; the connection may have already removed itself.
func (g *Gateway) DisconnectID(id uuid.UUID) {
	if conn, ok := g.index.Get(id); ok {
		g.Disconnect(conn)
	}
}

// UpdateSectors atomically swaps the connection's sector membership under
// the sector lock, used when a client re-scopes its subscription live.
func (g *Gateway) UpdateSectors(conn *Connection, sectors []string) {
	if !conn.Role.SectorScoped() {
		return
	}
	sectors = g.sanitizeSectors(conn.UserID, sectors)

	release := g.locks.LockSector()
	g.index.SetSectors(conn.ID(), sectors)
	release()

	g.logger.Info("connection re-scoped",
		slog.String("connID", conn.ID().String()),
		slog.Int("sectors", len(sectors)),
	)
}

// MarkDead parks a connection that failed a send for the next cleanup pass.
func (g *Gateway) MarkDead(conn *Connection) {
	release := g.locks.LockDead()
	g.dead[conn.ID()] = conn
	release()
}

// DrainDead returns and clears the parked dead connections.
func (g *Gateway) DrainDead() []*Connection {
	release := g.locks.LockDead()
	defer release()

	if len(g.dead) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(g.dead))
	for _, conn := range g.dead {
		out = append(out, conn)
	}
	g.dead = make(map[uuid.UUID]*Connection)
	return out
}

// BeginShutdown makes every subsequent Connect fail fast.
func (g *Gateway) BeginShutdown() {
	g.shuttingDown.Store(true)
}

// ConnCount returns the registered connection count.
func (g *Gateway) ConnCount() int {
	var n int
	g.locks.WithCounter(func() { n = g.connCount })
	return n
}

// Index exposes the connection index for read-side collaborators.
func (g *Gateway) Index() *ConnectionIndex { return g.index }

// Heartbeats exposes the tracker for the message handler and cleaner.
func (g *Gateway) Heartbeats() *HeartbeatTracker { return g.heartbeats }

// Limiter exposes the per-connection rate limiter.
func (g *Gateway) Limiter() *RateLimiter { return g.limiter }

func (g *Gateway) handshakeTimeout() time.Duration {
	if g.cfg.HandshakeTimeout > 0 {
		return g.cfg.HandshakeTimeout
	}
	return 10 * time.Second
}

func (g *Gateway) rollbackCounter() {
	g.locks.WithCounter(func() {
		g.connCount--
	})
}

// lockScopes acquires every shard lock the connection's registration spans,
// in the mandated order, returning a single release that unlocks in reverse.
func (g *Gateway) lockScopes(conn *Connection) func() {
	releaseUser := g.locks.LockUsers(conn.UserID)
	releaseBranches := g.locks.LockBranches(conn.Branches...)
	var releaseSector, releaseSession func()
	if conn.Role.SectorScoped() {
		releaseSector = g.locks.LockSector()
	}
	if conn.SessionID != "" {
		releaseSession = g.locks.LockSession()
	}
	return func() {
		if releaseSession != nil {
			releaseSession()
		}
		if releaseSector != nil {
			releaseSector()
		}
		releaseBranches()
		releaseUser()
	}
}

// sanitizeSectors enforces the permissive sector policy: duplicates are
// dropped and an over-long list is truncated with a warning, never rejected.
func (g *Gateway) sanitizeSectors(userID string, sectors []string) []string {
	if len(sectors) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(sectors))
	out := make([]string, 0, len(sectors))
	dupes := 0
	for _, s := range sectors {
		if _, ok := seen[s]; ok {
			dupes++
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if dupes > 0 {
		g.logger.Warn("duplicate sector ids in subscription",
			slog.String("userID", userID),
			slog.Int("duplicates", dupes),
		)
	}
	if g.cfg.MaxSectorsPerConn > 0 && len(out) > g.cfg.MaxSectorsPerConn {
		g.logger.Warn("sector subscription over limit, truncating",
			slog.String("userID", userID),
			slog.Int("requested", len(out)),
			slog.Int("limit", g.cfg.MaxSectorsPerConn),
		)
		out = out[:g.cfg.MaxSectorsPerConn]
	}
	return out
}
