package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/transport"
)

func testHeartbeatConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{
		Interval:     30 * time.Second,
		StaleTimeout: 60 * time.Second,
		SweepPeriod:  30 * time.Second,
	}
}

func TestSweepRemovesStaleConnections(t *testing.T) {
	gw := newTestGateway(testGatewayConfig())
	cleaner := NewCleaner(gw, testHeartbeatConfig(), testLogger())

	base := time.Now()
	gw.Heartbeats().now = func() time.Time { return base }

	stale := kitchenConn("k1", "t1", []string{"b1"})
	fresh := kitchenConn("k2", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), stale))

	gw.Heartbeats().now = func() time.Time { return base.Add(61 * time.Second) }
	require.NoError(t, gw.Connect(context.Background(), fresh))

	cleaner.Sweep()

	fs := stale.Transport.(*fakeSender)
	assert.True(t, fs.isClosed())
	assert.Equal(t, transport.CloseGoingAway, fs.closeCode)
	assert.Equal(t, "heartbeat timeout", fs.reason)

	assert.False(t, fresh.Transport.(*fakeSender).isClosed())
	assert.Equal(t, 1, gw.ConnCount())
	assert.Equal(t, 1, gw.Index().Len())
	assert.Equal(t, 1, gw.Heartbeats().Tracked())
}

func TestSweepClosesDeadConnections(t *testing.T) {
	gw := newTestGateway(testGatewayConfig())
	cleaner := NewCleaner(gw, testHeartbeatConfig(), testLogger())

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))
	gw.MarkDead(conn)

	cleaner.Sweep()

	fs := conn.Transport.(*fakeSender)
	assert.True(t, fs.isClosed())
	assert.Equal(t, "send failure", fs.reason)
	assert.Equal(t, 0, gw.ConnCount())
	assert.Nil(t, gw.DrainDead())
}

func TestSweepForgetsOrphanedHeartbeats(t *testing.T) {
	gw := newTestGateway(testGatewayConfig())
	cleaner := NewCleaner(gw, testHeartbeatConfig(), testLogger())

	base := time.Now()
	gw.Heartbeats().now = func() time.Time { return base }

	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))

	// Simulate a half-finished teardown that left only the timestamp.
	gw.Index().Remove(conn.ID())
	gw.Heartbeats().now = func() time.Time { return base.Add(61 * time.Second) }

	cleaner.Sweep()

	assert.Equal(t, 0, gw.Heartbeats().Tracked())
	assert.False(t, conn.Transport.(*fakeSender).isClosed())
}

func TestSweepIsIdempotent(t *testing.T) {
	gw := newTestGateway(testGatewayConfig())
	cleaner := NewCleaner(gw, testHeartbeatConfig(), testLogger())

	base := time.Now()
	gw.Heartbeats().now = func() time.Time { return base }
	conn := kitchenConn("k1", "t1", []string{"b1"})
	require.NoError(t, gw.Connect(context.Background(), conn))
	gw.Heartbeats().now = func() time.Time { return base.Add(61 * time.Second) }

	cleaner.Sweep()
	cleaner.Sweep()

	assert.Equal(t, 0, gw.ConnCount(), "second sweep finds nothing to undo")
}
