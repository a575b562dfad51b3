package signal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fivecall/internal/core/domain"
	"fivecall/pkg/config"
	apperrors "fivecall/pkg/errors"
	"fivecall/pkg/validation"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.Signal.MaxMessageSize,
		SendBuffer:        cfg.Signal.SendBuffer,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		RateLimitEnabled:  cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
	}
}

// UpgradeMetrics counts connections refused before a session exists.
type UpgradeMetrics interface {
	UpgradeRejected(reason string)
}

// WebSocketServer upgrades /room/<passcode> requests into hub sessions.
type WebSocketServer struct {
	hub       *Hub
	validator *validation.PasscodeValidator
	upgrader  websocket.Upgrader
	cfg       ServerConfig
	metrics   UpgradeMetrics
	logger    *zap.SugaredLogger
}

func NewWebSocketServer(hub *Hub, validator *validation.PasscodeValidator, cfg ServerConfig, metrics UpgradeMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		hub:       hub,
		validator: validator,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterRoutes mounts the room endpoint with and without a trailing slash.
func (s *WebSocketServer) RegisterRoutes(router gin.IRoutes) {
	router.GET("/room/:passcode", s.HandleRoom)
	router.GET("/room/:passcode/", s.HandleRoom)
}

func (s *WebSocketServer) HandleRoom(c *gin.Context) {
	passcode := c.Param("passcode")
	if passcode == "" {
		passcode = validation.RoomFromPath(c.Request.URL.Path)
	}

	if err := s.validator.Validate(passcode); err != nil {
		s.rejected("invalid_room_id")
		_ = c.Error(apperrors.NewInvalidRoomIDError(s.validator.Digits()))
		c.Abort()
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		s.rejected("not_websocket")
		c.String(http.StatusUpgradeRequired, "Expected Upgrade: websocket")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.rejected("upgrade_failed")
		s.logger.Warnw("websocket upgrade failed", "room_id", passcode, "error", err)
		return
	}

	session := NewSession(domain.RoomID(passcode), c.ClientIP(), s.cfg.SendBuffer, s.newLimiter())
	ctx := c.Request.Context()

	if err := s.hub.Join(ctx, session); err != nil {
		s.logger.Warnw("join refused", "room_id", passcode, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}

	go s.writePump(conn, session)
	s.readPump(ctx, conn, session)
}

// readPump feeds inbound bodies to the hub. It is the only reader of conn
// and leaves the room when the connection ends for any reason.
func (s *WebSocketServer) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	defer func() {
		s.hub.Leave(session)
		conn.Close()
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from session",
					"room_id", session.RoomID,
					"session_id", session.ID,
					"error", err,
				)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !session.allow() {
			s.hub.metrics.ProtocolError("rate_limited")
			s.hub.send(session, domain.ErrorMessage(domain.ErrorRateLimited))
			continue
		}

		if err := s.hub.Relay(ctx, session, body); err != nil {
			if errors.Is(err, domain.ErrSessionClosed) {
				return
			}
			s.logger.Debugw("rejected message from session",
				"room_id", session.RoomID,
				"session_id", session.ID,
				"error", err,
			)
		}
	}
}

// writePump is the only writer of conn.
func (s *WebSocketServer) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case body := <-session.Outbound():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.logger.Debugw("error writing to session", "session_id", session.ID, "error", err)
				return
			}

		case <-session.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("error sending ping", "session_id", session.ID, "error", err)
				return
			}
		}
	}
}

func (s *WebSocketServer) newLimiter() *rate.Limiter {
	if !s.cfg.RateLimitEnabled {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.UpgradeRejected(reason)
	}
}
