package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/metrics"
	"github.com/tablewire/gateway/pkg/resilience"
)

// Subscriber consumes domain events from NATS over a wildcard subject and
// feeds them through validation and routing. The library's own reconnect is
// disabled; the loop here reconnects with decorrelated-jitter backoff so a
// fleet of gateways does not stampede the broker, and the circuit breaker
// keeps a flapping bus from burning the loop.
type Subscriber struct {
	cfg     config.BusConfig
	breaker *resilience.Breaker
	retry   *resilience.RetryPolicy
	router  *Router
	metrics *metrics.Collector
	drops   *metrics.DropTracker
	logger  *slog.Logger

	connected atomic.Bool
}

func NewSubscriber(cfg config.BusConfig, breaker *resilience.Breaker, retry *resilience.RetryPolicy, router *Router, collector *metrics.Collector, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		breaker: breaker,
		retry:   retry,
		router:  router,
		metrics: collector,
		drops:   metrics.NewDropTracker(time.Minute, 100),
		logger:  logger.With(slog.String("component", "bus_subscriber")),
	}
}

// Run connects, subscribes and consumes until the context is cancelled.
// Connection failures feed the breaker; while it is open the loop waits out
// the recovery timeout instead of dialing.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.breaker.Allow() {
			s.logger.Warn("bus breaker open, waiting before reconnect",
				slog.String("state", s.breaker.State().String()),
			)
			if !sleepCtx(ctx, s.retry.NextDelay()) {
				return
			}
			continue
		}

		if !s.consumeOnce(ctx) {
			return
		}
		if !sleepCtx(ctx, s.retry.NextDelay()) {
			return
		}
	}
}

// consumeOnce dials, subscribes and consumes until the connection drops or
// the context is cancelled. It returns false when the caller should stop.
func (s *Subscriber) consumeOnce(ctx context.Context) bool {
	closedCh := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { close(closedCh) }),
	)
	if err != nil {
		s.breaker.RecordFailure()
		s.logger.Error("bus connect failed", slog.Any("error", err))
		return true
	}

	msgCh := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(s.cfg.SubjectPattern, msgCh)
	if err != nil {
		s.breaker.RecordFailure()
		s.logger.Error("bus subscribe failed",
			slog.String("subject", s.cfg.SubjectPattern),
			slog.Any("error", err),
		)
		nc.Close()
		return true
	}

	s.breaker.RecordSuccess()
	s.retry.Reset()
	s.connected.Store(true)
	s.metrics.SetGauge(metrics.BreakerState, int64(s.breaker.State()))
	s.logger.Info("subscribed to event bus",
		slog.String("url", s.cfg.URL),
		slog.String("subject", s.cfg.SubjectPattern),
	)

	defer func() {
		s.connected.Store(false)
		sub.Unsubscribe()
		nc.Close()
		s.metrics.SetGauge(metrics.BreakerState, int64(s.breaker.State()))
	}()

	for {
		select {
		case msg := <-msgCh:
			s.handle(ctx, msg.Data)
		case <-closedCh:
			s.breaker.RecordFailure()
			s.logger.Warn("bus connection lost")
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// handle processes one inbound record. Malformed events are dropped with a
// reason, never crash the loop; while the breaker is open events are shed
// and accounted instead of queued.
func (s *Subscriber) handle(ctx context.Context, raw []byte) {
	s.metrics.Inc(metrics.EventsReceived)

	if s.breaker.State() == resilience.StateOpen {
		s.metrics.Inc(metrics.EventsDropped)
		if s.drops.Record() {
			s.logger.Warn("breaker open, shedding events",
				slog.Int64("droppedThisWindow", s.drops.Drops()),
			)
		}
		return
	}

	ev, reason := Validate(raw)
	if reason != "" {
		s.metrics.Inc(metrics.EventsMalformed)
		s.logger.Warn("rejected bus event", slog.String("reason", reason))
		return
	}
	s.router.Route(ctx, ev, raw)
}

// Connected reports bus reachability for the health endpoint.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// sleepCtx sleeps for d unless the context ends first; it reports whether
// the caller should continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
