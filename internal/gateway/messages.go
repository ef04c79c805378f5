package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tablewire/gateway/pkg/transport"
)

// SectorAssigner is the external collaborator that resolves a user's
// current sector assignment when a client asks for a live re-scope.
type SectorAssigner interface {
	Sectors(ctx context.Context, userID string, branches []string) ([]string, error)
}

// MessageHandler processes in-band client messages: liveness pings, scope
// refreshes, and the rate-limit guard in front of both.
type MessageHandler struct {
	gw            *Gateway
	assigner      SectorAssigner
	maxViolations int
	logger        *slog.Logger
}

func NewMessageHandler(gw *Gateway, assigner SectorAssigner, maxViolations int, logger *slog.Logger) *MessageHandler {
	if maxViolations <= 0 {
		maxViolations = 3
	}
	return &MessageHandler{
		gw:            gw,
		assigner:      assigner,
		maxViolations: maxViolations,
		logger:        logger.With(slog.String("component", "message_handler")),
	}
}

// Handle is wired as the transport's message callback.
func (h *MessageHandler) Handle(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := h.gw.Index().Get(connID)
	if !ok {
		return
	}

	if !h.gw.Limiter().Allow(connID) {
		if h.gw.Limiter().Violations(connID) >= h.maxViolations {
			h.logger.Warn("closing connection for repeated rate violations",
				slog.String("connID", connID.String()),
				slog.String("userID", conn.UserID),
			)
			conn.Transport.CloseWithCode(transport.CloseRateLimited, "message rate exceeded", nil)
		}
		return
	}

	if !gjson.ValidBytes(msg) {
		h.logger.Debug("non-JSON client message ignored", slog.String("connID", connID.String()))
		return
	}

	switch gjson.GetBytes(msg, "type").String() {
	case "ping":
		h.gw.Heartbeats().Record(connID)
		pong := fmt.Sprintf(`{"type":"pong","ts":%d}`, time.Now().UnixMilli())
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := conn.Transport.Send(sendCtx, []byte(pong)); err != nil {
			h.gw.MarkDead(conn)
		}
		cancel()
	case "refresh_scope":
		h.refreshScope(ctx, conn)
	default:
		// Unrecognized text is an operational signal, not an error.
		h.logger.Debug("unrecognized client message",
			slog.String("connID", connID.String()),
			slog.String("type", gjson.GetBytes(msg, "type").String()),
		)
	}
}

func (h *MessageHandler) refreshScope(ctx context.Context, conn *Connection) {
	if !conn.Role.SectorScoped() {
		h.logger.Debug("refresh_scope from non-sector role ignored",
			slog.String("connID", conn.ID().String()),
			slog.String("role", conn.Role.String()),
		)
		return
	}
	if h.assigner == nil {
		return
	}

	sectors, err := h.assigner.Sectors(ctx, conn.UserID, conn.Branches)
	if err != nil {
		h.logger.Error("sector assignment lookup failed",
			slog.String("userID", conn.UserID),
			slog.Any("error", err),
		)
		return
	}
	h.gw.UpdateSectors(conn, sectors)
}
