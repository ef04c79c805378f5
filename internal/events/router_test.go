package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/gateway/internal/gateway"
	"github.com/tablewire/gateway/pkg/metrics"
)

type fanoutCall struct {
	method  string
	branch  string
	sector  string
	session string
	tenant  string
}

// fakeFanout records the audiences the router targets.
type fakeFanout struct {
	calls  []fanoutCall
	result gateway.Result
}

func (f *fakeFanout) SendToBranch(ctx context.Context, branchID, tenantID string, payload []byte) gateway.Result {
	f.calls = append(f.calls, fanoutCall{method: "branch", branch: branchID, tenant: tenantID})
	return f.result
}

func (f *fakeFanout) SendToSector(ctx context.Context, branchID, sectorID, tenantID string, payload []byte) gateway.Result {
	f.calls = append(f.calls, fanoutCall{method: "sector", branch: branchID, sector: sectorID, tenant: tenantID})
	return f.result
}

func (f *fakeFanout) SendToSession(ctx context.Context, sessionID, tenantID string, payload []byte) gateway.Result {
	f.calls = append(f.calls, fanoutCall{method: "session", session: sessionID, tenant: tenantID})
	return f.result
}

func newTestRouter(fanout Fanout, collector *metrics.Collector) *Router {
	return NewRouter(fanout, collector, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRouteSectorEvent(t *testing.T) {
	fanout := &fakeFanout{result: gateway.Result{Sent: 3}}
	r := newTestRouter(fanout, metrics.NewCollector())

	ev := Event{Type: "order.created", TenantID: "t1", BranchID: "b1", SectorID: "s1"}
	res := r.Route(context.Background(), ev, []byte(`x`))

	assert.Equal(t, 3, res.Sent)
	require.Len(t, fanout.calls, 1)
	assert.Equal(t, fanoutCall{method: "sector", branch: "b1", sector: "s1", tenant: "t1"}, fanout.calls[0])
}

func TestRouteBranchWideEvent(t *testing.T) {
	fanout := &fakeFanout{result: gateway.Result{Sent: 5}}
	r := newTestRouter(fanout, metrics.NewCollector())

	ev := Event{Type: "menu.updated", TenantID: "t1", BranchID: "b1"}
	res := r.Route(context.Background(), ev, []byte(`x`))

	assert.Equal(t, 5, res.Sent)
	require.Len(t, fanout.calls, 1)
	assert.Equal(t, "branch", fanout.calls[0].method)
}

func TestRouteSessionEventAlsoTargetsSession(t *testing.T) {
	fanout := &fakeFanout{result: gateway.Result{Sent: 2}}
	r := newTestRouter(fanout, metrics.NewCollector())

	ev := Event{Type: "bill.requested", TenantID: "t1", BranchID: "b1", SectorID: "s1", SessionID: "sess1"}
	res := r.Route(context.Background(), ev, []byte(`x`))

	assert.Equal(t, 4, res.Sent)
	require.Len(t, fanout.calls, 2)
	assert.Equal(t, "sector", fanout.calls[0].method)
	assert.Equal(t, fanoutCall{method: "session", session: "sess1", tenant: "t1"}, fanout.calls[1])
}

func TestRouteCountsUnroutableEvents(t *testing.T) {
	fanout := &fakeFanout{}
	collector := metrics.NewCollector()
	r := newTestRouter(fanout, collector)

	ev := Event{Type: "order.ready", TenantID: "t1", BranchID: "empty"}
	res := r.Route(context.Background(), ev, []byte(`x`))

	assert.Equal(t, gateway.Result{}, res)
	assert.Equal(t, int64(1), collector.Get(metrics.EventsUnroutable))
}
