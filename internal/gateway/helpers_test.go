package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errSendRefused = errors.New("send refused")

// fakeSender stands in for a transport connection.
type fakeSender struct {
	id uuid.UUID

	mu        sync.Mutex
	sent      [][]byte
	fail      bool
	closed    bool
	closeCode websocket.StatusCode
	reason    string
}

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (f *fakeSender) ID() uuid.UUID { return f.id }

func (f *fakeSender) Send(ctx context.Context, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendRefused
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeSender) CloseWithCode(code websocket.StatusCode, reason string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.reason = reason
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

// deadRecorder collects connections marked dead by the broadcaster.
type deadRecorder struct {
	mu    sync.Mutex
	conns []*Connection
}

func (d *deadRecorder) MarkDead(conn *Connection) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

func (d *deadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		MaxConnections:    100,
		MaxPerUser:        5,
		PerUserMode:       "warn",
		MaxSectorsPerConn: 8,
	}
}

func newTestGateway(cfg config.GatewayConfig) *Gateway {
	logger := testLogger()
	locks := NewLockManager(1024, 768, true, logger)
	return New(cfg, locks, NewConnectionIndex(), NewHeartbeatTracker(), NewRateLimiter(20), metrics.NewCollector(), logger)
}

func waiterConn(userID, tenantID string, branches, sectors []string) *Connection {
	return &Connection{
		Transport: newFakeSender(),
		UserID:    userID,
		TenantID:  tenantID,
		Branches:  branches,
		Sectors:   sectors,
		Role:      RoleWaiter,
	}
}

func kitchenConn(userID, tenantID string, branches []string) *Connection {
	return &Connection{
		Transport: newFakeSender(),
		UserID:    userID,
		TenantID:  tenantID,
		Branches:  branches,
		Role:      RoleKitchen,
	}
}

func dinerConn(userID, tenantID, branch, session string) *Connection {
	return &Connection{
		Transport: newFakeSender(),
		UserID:    userID,
		TenantID:  tenantID,
		Branches:  []string{branch},
		SessionID: session,
		Role:      RoleDiner,
	}
}
