package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/metrics"
)

// Result reports a fan-out outcome. Delivery is at-most-once, best-effort;
// callers must not assume a counted send reached the client.
type Result struct {
	Sent   int
	Failed int
}

// deadMarker parks connections whose sends failed for asynchronous cleanup.
type deadMarker interface {
	MarkDead(*Connection)
}

type sendJob struct {
	conn    *Connection
	payload []byte
	group   *jobGroup
}

type jobGroup struct {
	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
}

// Broadcaster fans events out to connection sets. Candidate sets at or
// above the batch threshold go through a bounded queue drained by a fixed
// worker pool; smaller sets are sent directly in parallel. Either way the
// shard lock is released before any I/O starts.
type Broadcaster struct {
	cfg     config.BroadcasterConfig
	locks   *LockManager
	index   *ConnectionIndex
	dead    deadMarker
	metrics *metrics.Collector
	logger  *slog.Logger

	queue    chan sendJob
	workerWg sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool

	// sliding window for the global broadcast rate limit.
	globalMu     sync.Mutex
	globalStamps []time.Time
	now          func() time.Time
}

func NewBroadcaster(cfg config.BroadcasterConfig, locks *LockManager, index *ConnectionIndex, dead deadMarker, collector *metrics.Collector, logger *slog.Logger) *Broadcaster {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Broadcaster{
		cfg:     cfg,
		locks:   locks,
		index:   index,
		dead:    dead,
		metrics: collector,
		logger:  logger.With(slog.String("component", "broadcaster")),
		queue:   make(chan sendJob, cfg.QueueSize),
		now:     time.Now,
	}
}

// Start launches the worker pool. Must be called once before any fan-out
// that could cross the batch threshold.
func (b *Broadcaster) Start(parent context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.ctx, b.cancel = context.WithCancel(parent)
	for i := 0; i < b.cfg.Workers; i++ {
		b.workerWg.Add(1)
		go b.worker()
	}
	b.logger.Info("worker pool started", slog.Int("workers", b.cfg.Workers))
}

// Stop cancels in-flight sends and waits for the workers up to the drain
// timeout. Shutdown never blocks indefinitely on a slow client.
func (b *Broadcaster) Stop() {
	if !b.started.Load() || b.cancel == nil {
		return
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("worker pool drained")
	case <-time.After(b.cfg.DrainTimeout):
		b.logger.Warn("worker pool drain timed out", slog.Duration("timeout", b.cfg.DrainTimeout))
	}
}

func (b *Broadcaster) worker() {
	defer b.workerWg.Done()
	for {
		select {
		case job := <-b.queue:
			b.sendOne(b.ctx, job.conn, job.payload, &job.group.sent, &job.group.failed)
			job.group.wg.Done()
			b.metrics.SetGauge(metrics.QueueDepth, int64(len(b.queue)))
		case <-b.ctx.Done():
			// Fail whatever is still queued so waiting batches unblock.
			for {
				select {
				case job := <-b.queue:
					job.group.failed.Add(1)
					job.group.wg.Done()
				default:
					return
				}
			}
		}
	}
}

// SendToBranch delivers the payload to every connection in the branch,
// restricted to the tenant. The candidate set is resolved and filtered
// under the branch lock, then the lock is dropped before dispatch.
func (b *Broadcaster) SendToBranch(ctx context.Context, branchID, tenantID string, payload []byte) Result {
	release := b.locks.LockBranches(branchID)
	conns := b.index.SnapshotBranch(branchID, tenantID)
	release()

	b.metrics.Inc(metrics.BroadcastsTotal)
	return b.dispatch(ctx, conns, payload)
}

// SendToSector delivers to the sector's subscribers plus the branch staff
// audience (admin, kitchen, and waiters with no sector assignment).
func (b *Broadcaster) SendToSector(ctx context.Context, branchID, sectorID, tenantID string, payload []byte) Result {
	releaseBranch := b.locks.LockBranches(branchID)
	releaseSector := b.locks.LockSector()
	conns := b.index.SnapshotBranchStaff(branchID, tenantID)
	conns = append(conns, b.index.SnapshotSector(sectorID, tenantID)...)
	releaseSector()
	releaseBranch()

	b.metrics.Inc(metrics.BroadcastsTotal)
	return b.dispatch(ctx, dedupeConns(conns), payload)
}

// SendToSession delivers to the connections bound to one dining session.
func (b *Broadcaster) SendToSession(ctx context.Context, sessionID, tenantID string, payload []byte) Result {
	release := b.locks.LockSession()
	conns := b.index.SnapshotSession(sessionID, tenantID)
	release()

	b.metrics.Inc(metrics.BroadcastsTotal)
	return b.dispatch(ctx, conns, payload)
}

// Broadcast delivers to every connection on the gateway, subject to the
// global rate limit. An over-limit call is dropped outright, reaching zero
// recipients, and counted as rate-limited.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) Result {
	if !b.allowGlobal() {
		b.metrics.Inc(metrics.BroadcastsRateLimited)
		b.logger.Warn("global broadcast rate limit hit, dropping")
		return Result{}
	}

	conns := b.index.SnapshotAll("")
	b.metrics.Inc(metrics.BroadcastsTotal)
	return b.dispatch(ctx, conns, payload)
}

// QueueDepth reports the current work-queue backlog.
func (b *Broadcaster) QueueDepth() int {
	return len(b.queue)
}

func (b *Broadcaster) dispatch(ctx context.Context, conns []*Connection, payload []byte) Result {
	if len(conns) == 0 {
		return Result{}
	}

	var result Result
	if len(conns) >= b.cfg.BatchThreshold && b.started.Load() {
		result = b.dispatchQueued(conns, payload)
	} else {
		result = b.dispatchDirect(ctx, conns, payload)
	}
	if result.Failed > 0 {
		b.metrics.Inc(metrics.BroadcastsFailed)
	}
	return result
}

// dispatchQueued pushes one job per connection onto the bounded queue and
// waits for the workers to finish the batch.
func (b *Broadcaster) dispatchQueued(conns []*Connection, payload []byte) Result {
	group := &jobGroup{}
	group.wg.Add(len(conns))

	for _, conn := range conns {
		select {
		case b.queue <- sendJob{conn: conn, payload: payload, group: group}:
		case <-b.ctx.Done():
			group.failed.Add(1)
			group.wg.Done()
		}
	}
	b.metrics.SetGauge(metrics.QueueDepth, int64(len(b.queue)))

	// On shutdown the workers may exit before consuming jobs we already
	// queued; reclaim them here so the wait below cannot block forever.
	waitDone := make(chan struct{})
	go func() {
		group.wg.Wait()
		close(waitDone)
	}()
	for {
		select {
		case <-waitDone:
			return Result{Sent: int(group.sent.Load()), Failed: int(group.failed.Load())}
		case <-b.ctx.Done():
			select {
			case job := <-b.queue:
				job.group.failed.Add(1)
				job.group.wg.Done()
			case <-waitDone:
				return Result{Sent: int(group.sent.Load()), Failed: int(group.failed.Load())}
			}
		}
	}
}

// dispatchDirect issues the sends in parallel without queueing.
func (b *Broadcaster) dispatchDirect(ctx context.Context, conns []*Connection, payload []byte) Result {
	var g errgroup.Group
	var sent, failed atomic.Int64

	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			b.sendOne(ctx, conn, payload, &sent, &failed)
			return nil
		})
	}
	g.Wait()

	return Result{Sent: int(sent.Load()), Failed: int(failed.Load())}
}

// sendOne performs a single timed send. A failure is counted and parks the
// connection for cleanup; it never propagates to the fan-out caller.
func (b *Broadcaster) sendOne(ctx context.Context, conn *Connection, payload []byte, sent, failed *atomic.Int64) {
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	err := conn.Transport.Send(sendCtx, payload)
	cancel()

	if err != nil {
		failed.Add(1)
		b.metrics.Inc(metrics.SendsFailed)
		b.logger.Debug("send failed, marking connection dead",
			slog.String("connID", conn.ID().String()),
			slog.Any("error", err),
		)
		b.dead.MarkDead(conn)
		return
	}
	sent.Add(1)
	b.metrics.Inc(metrics.SendsOK)
}

// allowGlobal applies the timestamped sliding window for Broadcast.
func (b *Broadcaster) allowGlobal() bool {
	if b.cfg.GlobalRate <= 0 {
		return true
	}

	b.globalMu.Lock()
	defer b.globalMu.Unlock()

	now := b.now()
	cutoff := now.Add(-time.Second)
	kept := b.globalStamps[:0]
	for _, t := range b.globalStamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.globalStamps = kept

	if len(b.globalStamps) >= b.cfg.GlobalRate {
		return false
	}
	b.globalStamps = append(b.globalStamps, now)
	return true
}

func dedupeConns(conns []*Connection) []*Connection {
	seen := make(map[uuid.UUID]struct{}, len(conns))
	out := conns[:0]
	for _, conn := range conns {
		id := conn.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, conn)
	}
	return out
}
