package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/gateway/pkg/transport"
)

type fakeAssigner struct {
	sectors []string
	err     error
	calls   int
}

func (f *fakeAssigner) Sectors(ctx context.Context, userID string, branches []string) ([]string, error) {
	f.calls++
	return f.sectors, f.err
}

func newTestHandler(t *testing.T, assigner SectorAssigner) (*MessageHandler, *Gateway) {
	t.Helper()
	gw := newTestGateway(testGatewayConfig())
	return NewMessageHandler(gw, assigner, 3, testLogger()), gw
}

func TestHandlePingRecordsHeartbeatAndPongs(t *testing.T) {
	h, gw := newTestHandler(t, nil)

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))

	base := time.Now()
	gw.Heartbeats().now = func() time.Time { return base.Add(61 * time.Second) }

	h.Handle(context.Background(), conn.ID(), []byte(`{"type":"ping"}`))

	fs := conn.Transport.(*fakeSender)
	require.Equal(t, 2, fs.sentCount(), "welcome plus pong")
	assert.Contains(t, string(fs.sent[1]), `"type":"pong"`)
	assert.Empty(t, gw.Heartbeats().Stale(60*time.Second), "ping refreshes liveness")
}

func TestHandlePingSendFailureParksConnection(t *testing.T) {
	h, gw := newTestHandler(t, nil)

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))
	conn.Transport.(*fakeSender).setFail(true)

	h.Handle(context.Background(), conn.ID(), []byte(`{"type":"ping"}`))

	dead := gw.DrainDead()
	require.Len(t, dead, 1)
	assert.Same(t, conn, dead[0])
}

func TestHandleRefreshScope(t *testing.T) {
	assigner := &fakeAssigner{sectors: []string{"s7", "s8"}}
	h, gw := newTestHandler(t, assigner)

	waiter := waiterConn("w1", "t1", []string{"b1"}, []string{"s1"})
	require.NoError(t, gw.Connect(context.Background(), waiter))

	h.Handle(context.Background(), waiter.ID(), []byte(`{"type":"refresh_scope"}`))

	assert.Equal(t, 1, assigner.calls)
	assert.ElementsMatch(t, []string{"s7", "s8"}, gw.Index().Sectors(waiter.ID()))
}

func TestHandleRefreshScopeIgnoredForNonSectorRoles(t *testing.T) {
	assigner := &fakeAssigner{sectors: []string{"s7"}}
	h, gw := newTestHandler(t, assigner)

	diner := dinerConn("d1", "t1", "b1", "sess1")
	require.NoError(t, gw.Connect(context.Background(), diner))

	h.Handle(context.Background(), diner.ID(), []byte(`{"type":"refresh_scope"}`))

	assert.Equal(t, 0, assigner.calls)
	assert.Empty(t, gw.Index().Sectors(diner.ID()))
}

func TestHandleRefreshScopeLookupFailureKeepsOldScope(t *testing.T) {
	assigner := &fakeAssigner{err: errors.New("assigner down")}
	h, gw := newTestHandler(t, assigner)

	waiter := waiterConn("w1", "t1", []string{"b1"}, []string{"s1"})
	require.NoError(t, gw.Connect(context.Background(), waiter))

	h.Handle(context.Background(), waiter.ID(), []byte(`{"type":"refresh_scope"}`))

	assert.Equal(t, []string{"s1"}, gw.Index().Sectors(waiter.ID()))
}

func TestHandleUnknownAndMalformedIgnored(t *testing.T) {
	h, gw := newTestHandler(t, nil)

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))

	h.Handle(context.Background(), conn.ID(), []byte(`{"type":"order.created"}`))
	h.Handle(context.Background(), conn.ID(), []byte(`not json at all`))

	fs := conn.Transport.(*fakeSender)
	assert.Equal(t, 1, fs.sentCount(), "only the welcome ack")
	assert.False(t, fs.isClosed())
}

func TestHandleClosesRepeatRateOffenders(t *testing.T) {
	h, gw := newTestHandler(t, nil)

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))

	base := time.Now()
	gw.Limiter().now = func() time.Time { return base }

	// 20 fit the window; the next three violations trip the close.
	for i := 0; i < 24; i++ {
		h.Handle(context.Background(), conn.ID(), []byte(`{"type":"ping"}`))
	}

	fs := conn.Transport.(*fakeSender)
	assert.True(t, fs.isClosed())
	assert.Equal(t, transport.CloseRateLimited, fs.closeCode)
	assert.Equal(t, 4, gw.Limiter().Violations(conn.ID()))
}

func TestHandleUnknownConnectionIsNoop(t *testing.T) {
	h, gw := newTestHandler(t, nil)
	h.Handle(context.Background(), kitchenConn("k1", "t1", []string{"b1"}).ID(), []byte(`{"type":"ping"}`))
	assert.Equal(t, 0, gw.ConnCount())
}
