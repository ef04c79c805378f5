package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/transport"
)

// Cleaner periodically removes connections that stopped heartbeating and
// sweeps connections parked as dead by failed sends.
type Cleaner struct {
	gw     *Gateway
	cfg    config.HeartbeatConfig
	logger *slog.Logger
}

func NewCleaner(gw *Gateway, cfg config.HeartbeatConfig, logger *slog.Logger) *Cleaner {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 60 * time.Second
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = 30 * time.Second
	}
	return &Cleaner{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cleaner")),
	}
}

// Run sweeps on a fixed period until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one cleanup pass in three phases: snapshot the victims under
// their respective locks, close transports (I/O) with no lock held, then
// deregister through the idempotent Disconnect. A connection that closed
// itself between phases costs nothing on the third phase.
func (c *Cleaner) Sweep() {
	var victims []*Connection

	for _, id := range c.gw.Heartbeats().Stale(c.cfg.StaleTimeout) {
		if conn, ok := c.gw.Index().Get(id); ok {
			victims = append(victims, conn)
		} else {
			// Already gone from the index; drop the orphaned timestamp.
			c.gw.Heartbeats().Forget(id)
		}
	}
	stale := len(victims)
	victims = append(victims, c.gw.DrainDead()...)

	if len(victims) == 0 {
		return
	}
	c.logger.Info("cleanup pass",
		slog.Int("stale", stale),
		slog.Int("dead", len(victims)-stale),
	)

	for i, conn := range victims {
		reason := "heartbeat timeout"
		if i >= stale {
			reason = "send failure"
		}
		conn.Transport.CloseWithCode(transport.CloseGoingAway, reason, nil)
	}
	for _, conn := range victims {
		c.gw.Disconnect(conn)
	}
}
