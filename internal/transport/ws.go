// Package transport accepts relay connections over websockets. It owns
// everything connection-shaped: the upgrade, the greeting, the frame size
// limit, idle timeouts and the per-connection write queue. Control-frame
// semantics live in the relay engine.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkovacs/passage/internal/relay"
)

// Config carries the transport policy values.
type Config struct {
	// MaxMessageSize bounds the encrypted payload of a publish, in bytes.
	// It is advertised in the greeting and enforced again by the engine.
	MaxMessageSize int64
	// IdleTimeout closes connections with no inbound frame. Pings count as
	// activity.
	IdleTimeout time.Duration
	// RequireAppAuth demands a token issued to an active registered
	// application before the upgrade.
	RequireAppAuth bool
}

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// frameOverhead is headroom added on top of MaxMessageSize for the socket
// read limit: the JSON frame around a maximum-size payload (op, topic, ids,
// timestamps, field names). A payload just over the limit must reach the
// engine and fail validation there; only frames exceeding even this bound
// close the connection.
const frameOverhead = 4096

// TokenVerifier validates an application token and returns the application
// id it was issued to.
type TokenVerifier interface {
	VerifyAppToken(token string) (string, error)
}

// AppGate answers whether a registered application may open connections.
type AppGate interface {
	IsActive(ctx context.Context, appID string) (bool, error)
}

// Handler serves the relay websocket endpoint.
type Handler struct {
	engine   *relay.Engine
	cfg      Config
	verifier TokenVerifier
	gate     AppGate
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket handler. verifier and gate may be nil
// when Config.RequireAppAuth is false.
func NewHandler(engine *relay.Engine, cfg Config, verifier TokenVerifier, gate AppGate) *Handler {
	return &Handler{
		engine:   engine,
		cfg:      cfg,
		verifier: verifier,
		gate:     gate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Topic names are shared secrets; origin adds nothing.
				return true
			},
		},
	}
}

// Handle upgrades the request and runs the connection until it closes.
func (h *Handler) Handle(c *gin.Context) {
	owner := ""
	if h.cfg.RequireAppAuth {
		appID, ok := h.authenticate(c)
		if !ok {
			return
		}
		owner = appID
	}

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(sock, owner)
	go conn.writeLoop()

	h.engine.Register(conn)
	_ = conn.Send(relay.GreetingFrame(h.cfg.MaxMessageSize))

	// The size bound binds at the transport boundary, not only logically:
	// the read limit kills runaway frames before parsing.
	sock.SetReadLimit(h.cfg.MaxMessageSize + frameOverhead)

	defer func() {
		h.engine.Disconnect(context.Background(), conn)
		_ = conn.Close()
	}()

	for {
		_ = sock.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("conn", conn.ID()).Err(err).Msg("connection closed")
			}
			return
		}

		var frame relay.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// A peer that cannot produce valid JSON gets disconnected;
			// only this connection is affected.
			log.Debug().Str("conn", conn.ID()).Err(err).Msg("malformed frame, closing")
			return
		}

		h.engine.HandleFrame(c.Request.Context(), conn, frame)
	}
}

// authenticate resolves the application behind the connection attempt.
func (h *Handler) authenticate(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return "", false
	}

	appID, err := h.verifier.VerifyAppToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}

	active, err := h.gate.IsActive(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "application registry unavailable"})
		return "", false
	}
	if !active {
		c.JSON(http.StatusForbidden, gin.H{"error": "application is not active"})
		return "", false
	}
	return appID, true
}
