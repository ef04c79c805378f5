package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tablewire/gateway/pkg/transport"
)

// Role is the closed set of audience roles a connection can hold. The role
// is fixed at connect time and decides which index sets the connection
// joins.
type Role int

const (
	RoleWaiter Role = iota
	RoleKitchen
	RoleAdmin
	RoleDiner
)

func (r Role) String() string {
	switch r {
	case RoleWaiter:
		return "waiter"
	case RoleKitchen:
		return "kitchen"
	case RoleAdmin:
		return "admin"
	case RoleDiner:
		return "diner"
	default:
		return "unknown"
	}
}

// SectorScoped roles subscribe to floor sectors and may re-scope live.
func (r Role) SectorScoped() bool { return r == RoleWaiter }

// SessionScoped roles are tied to a single dining session.
func (r Role) SessionScoped() bool { return r == RoleDiner }

// Sender is the transport surface the gateway drives. *transport.Connection
// implements it; tests substitute fakes.
type Sender interface {
	ID() uuid.UUID
	Send(ctx context.Context, message []byte) error
	CloseWithCode(code websocket.StatusCode, reason string, err error)
}

var _ Sender = (*transport.Connection)(nil)

// Connection is the gateway's view of one live client. Identity attributes
// are immutable after Connect; the current sector membership is owned by
// the ConnectionIndex (it changes under the sector lock), the Sectors field
// here only records what the client claimed at handshake.
type Connection struct {
	Transport Sender
	UserID    string
	TenantID  string
	Branches  []string
	Sectors   []string
	SessionID string
	Role      Role
	CreatedAt time.Time
}

// ID returns the transport connection id.
func (c *Connection) ID() uuid.UUID {
	return c.Transport.ID()
}
