package hub

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/chessence/internal/config"
)

// Transport upgrades HTTP requests to websocket connections and pumps frames
// between each socket and the hub.
type Transport struct {
	hub      *Hub
	cfg      config.WebSocketConfig
	origins  []string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewTransport creates a Transport serving hub.
//
// Precondition: hub and logger must be non-nil; cfg must have passed validation.
func NewTransport(hub *Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *zap.Logger) *Transport {
	t := &Transport{
		hub:     hub,
		cfg:     cfg,
		origins: allowedOrigins,
		logger:  logger,
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), any origin when "*" is configured, or an exact match.
func (t *Transport) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(t.origins, "*") || slices.Contains(t.origins, origin)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	ob := NewOutbox(t.cfg.SendBuffer)
	id, err := t.hub.Attach(ob)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(t.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	t.logger.Info("websocket connected",
		zap.String("conn", id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go t.writePump(conn, ob)
	t.readPump(conn, id, ob)
}

// readPump reads frames until the socket fails, then detaches the connection.
func (t *Transport) readPump(conn *websocket.Conn, id string, ob *Outbox) {
	defer func() {
		t.hub.Detach(id)
		_ = conn.Close()
		t.logger.Info("websocket disconnected", zap.String("conn", id))
	}()

	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(t.cfg.RateLimit), t.cfg.RateBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("websocket read failed", zap.String("conn", id), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			t.hub.metrics.FrameRejected("rate_limited")
			t.reject(ob, id, "", CodeRateLimited, "too many frames")
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			t.hub.metrics.FrameRejected("invalid_frame")
			t.reject(ob, id, f.RequestID, CodeInvalidFrame, "frame must be a JSON object with a type")
			continue
		}
		if !t.hub.Dispatch(id, f) {
			return
		}
	}
}

func (t *Transport) reject(ob *Outbox, id, requestID, code, message string) {
	data, err := encodeFrame(TypeError, requestID, errorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := ob.Push(data); err != nil {
		t.logger.Debug("dropping error frame", zap.String("conn", id), zap.Error(err))
	}
}

// writePump drains the outbox onto the socket and keeps it alive with pings.
// A closed outbox ends the connection.
func (t *Transport) writePump(conn *websocket.Conn, ob *Outbox) {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-ob.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
