package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"busline/internal/shared/apperror"
	"busline/internal/shared/middleware"
	"busline/internal/shared/utils/response"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TransportConfig tunes the WebSocket connections
type TransportConfig struct {
	AllowedOrigins  []string
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// DefaultTransportConfig returns sane connection limits
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		AllowedOrigins:  []string{"*"},
		SendBuffer:      256,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingInterval:    50 * time.Second,
		MaxMessageBytes: 4096,
	}
}

// GuestIssuer hands out an identity to connections that arrive without one
type GuestIssuer interface {
	IssueGuest() (middleware.GuestIdentity, error)
}

// Controller serves the real-time seat channel over WebSocket
type Controller struct {
	hub      *Hub
	guests   GuestIssuer
	cfg      TransportConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewController creates the WebSocket controller
func NewController(hub *Hub, guests GuestIssuer, cfg TransportConfig, log *logger.Logger) *Controller {
	def := DefaultTransportConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if log == nil {
		log = logger.GetDefault()
	}

	ctrl := &Controller{hub: hub, guests: guests, cfg: cfg, log: log.WithComponent("realtime")}
	ctrl.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ctrl.checkOrigin,
	}
	return ctrl
}

func (ctrl *Controller) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range ctrl.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the connection until it closes.
// The holder is the signed-in user or the guest of a valid guest token; any
// other connection is issued a new guest identity.
func (ctrl *Controller) ServeWS(c *gin.Context) {
	holderID, guestToken, err := ctrl.identify(c)
	if err != nil {
		ctrl.log.LogHTTPError(c, err, http.StatusInternalServerError)
		response.RespondError(c, err)
		return
	}

	conn, err := ctrl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		ctrl.log.Warn("WebSocket upgrade failed", "error", err.Error(), "ip", c.ClientIP())
		return
	}

	client := NewClient(uuid.NewString(), holderID, ctrl.cfg.SendBuffer)
	client.guestToken = guestToken
	log := ctrl.log.WithHolderID(holderID)
	ctrl.hub.Register(client)
	log.Debug("Client connected", "client_id", client.ID)

	go ctrl.writePump(conn, client)
	ctrl.readPump(c.Request.Context(), conn, client, log)
}

// identify returns the connection's holder id, plus a guest token when one
// had to be issued
func (ctrl *Controller) identify(c *gin.Context) (string, string, error) {
	if id, ok := middleware.UserID(c); ok {
		return id, "", nil
	}
	if id, ok := middleware.GuestID(c); ok {
		return id, "", nil
	}
	guest, err := ctrl.guests.IssueGuest()
	if err != nil {
		return "", "", err
	}
	return guest.HolderID, guest.Token, nil
}

func (ctrl *Controller) readPump(ctx context.Context, conn *websocket.Conn, client *Client, log *logger.Logger) {
	defer func() {
		ctrl.hub.Unregister(client)
		conn.Close()
		log.Debug("Client disconnected", "client_id", client.ID)
	}()

	conn.SetReadLimit(ctrl.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(ctrl.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ctrl.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Unexpected close", "client_id", client.ID, "error", err.Error())
			}
			return
		}

		var req Request
		var ack Ack
		if err := json.Unmarshal(data, &req); err != nil {
			ack = ctrl.hub.fail(ctx, Ack{Type: TypeAck}, apperror.Invalid("broadcast.readPump", "message is not valid JSON"))
		} else {
			ack = ctrl.hub.Handle(ctx, client, req)
		}
		if !client.enqueueJSON(ack) {
			return
		}
	}
}

func (ctrl *Controller) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(ctrl.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(ctrl.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(ctrl.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stats returns hub statistics for the status endpoint
func (ctrl *Controller) Stats() map[string]interface{} {
	return ctrl.hub.Stats()
}
