package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"moments-media/internal/services"
	"moments-media/internal/session"
	"moments-media/internal/transport/httpdto"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxRemoteStream = 30 * time.Minute

type Handler struct {
	authorizer *SessionAuthorizer
	sessions   LocalSessions
	hub        *Hub
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

func NewHandler(authorizer *SessionAuthorizer, sessions LocalSessions, hub *Hub, l *logger.Logger) *Handler {
	return &Handler{
		authorizer: authorizer,
		sessions:   sessions,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: l.Named("ws"),
	}
}

// Progress handles GET /v1/media/ws/:id. The stream ends after the session
// reaches a terminal status.
func (h *Handler) Progress(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "invalid session id", err))
		return
	}
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(media_errors.ErrUnauthorized)
		return
	}

	source := h.authorizer.Authorize(userID, sessionID)
	if source == SourceDenied {
		_ = c.Error(media_errors.ErrNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the client
		return
	}
	client := NewClient(conn, userID, sessionID)
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	go func() {
		client.ReadLoop()
		cancel()
	}()

	switch source {
	case SourceLocal:
		snapshots, unsubscribe, ok := h.sessions.Subscribe(sessionID)
		if !ok {
			close(client.Send)
			client.WriteLoop(ctx)
			return
		}
		defer unsubscribe()
		go pump(ctx, snapshots, client)
	case SourceRemote:
		// nothing local can tell a finished remote session from an unknown one
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, maxRemoteStream)
		defer stop()
		h.hub.Register(client)
		defer h.hub.Unregister(client)
	}

	h.log.Debug(ctx, "progress stream opened")
	client.WriteLoop(ctx)
}

// pump turns local snapshots into frames and closes Send after the terminal
// snapshot or when the session is dropped.
func pump(ctx context.Context, snapshots <-chan session.Snapshot, client *Client) {
	defer close(client.Send)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			frame, err := json.Marshal(snapshotMessage(snap))
			if err != nil {
				return
			}
			select {
			case client.Send <- frame:
			case <-ctx.Done():
				return
			}
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func snapshotMessage(snap session.Snapshot) httpdto.ProgressMessage {
	return httpdto.ProgressMessage{
		SessionID: snap.ID.String(),
		Status:    string(snap.Status),
		Progress:  snap.Progress,
		Result:    snap.Result,
	}
}
