package events

import (
	"context"
	"log/slog"

	"github.com/tablewire/gateway/internal/gateway"
	"github.com/tablewire/gateway/pkg/metrics"
)

// Fanout is the broadcaster surface the router drives.
type Fanout interface {
	SendToBranch(ctx context.Context, branchID, tenantID string, payload []byte) gateway.Result
	SendToSector(ctx context.Context, branchID, sectorID, tenantID string, payload []byte) gateway.Result
	SendToSession(ctx context.Context, sessionID, tenantID string, payload []byte) gateway.Result
}

// Router computes destination audiences for validated events and hands the
// raw payload to the broadcaster. Tenant isolation applies on every path.
//
// Routing rules: a sector-scoped event goes to the sector's subscribers plus
// the branch staff audience; an event without a sector goes branch-wide; a
// session id additionally targets that dining session's connections.
type Router struct {
	fanout  Fanout
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewRouter(fanout Fanout, collector *metrics.Collector, logger *slog.Logger) *Router {
	return &Router{
		fanout:  fanout,
		metrics: collector,
		logger:  logger.With(slog.String("component", "event_router")),
	}
}

// Route fans the event out and returns the combined result. A validated
// event that reaches no connection is counted as unroutable, not failed.
func (r *Router) Route(ctx context.Context, ev Event, raw []byte) gateway.Result {
	var total gateway.Result

	if ev.SectorID != "" {
		res := r.fanout.SendToSector(ctx, ev.BranchID, ev.SectorID, ev.TenantID, raw)
		total.Sent += res.Sent
		total.Failed += res.Failed
	} else {
		res := r.fanout.SendToBranch(ctx, ev.BranchID, ev.TenantID, raw)
		total.Sent += res.Sent
		total.Failed += res.Failed
	}

	if ev.SessionID != "" {
		res := r.fanout.SendToSession(ctx, ev.SessionID, ev.TenantID, raw)
		total.Sent += res.Sent
		total.Failed += res.Failed
	}

	if total.Sent == 0 && total.Failed == 0 {
		r.metrics.Inc(metrics.EventsUnroutable)
		r.logger.Debug("event matched no connections",
			slog.String("type", ev.Type),
			slog.String("branchID", ev.BranchID),
			slog.String("tenantID", ev.TenantID),
		)
	}
	return total
}
