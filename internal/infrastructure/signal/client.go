package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/pkg/retry"
)

const (
	clientIncomingBuffer = 64
	clientOutgoingBuffer = 64
)

type DialerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Retry          retry.Config
}

// Dialer connects clients to a relay room at <base>/room/<passcode>.
type Dialer struct {
	baseURL string
	cfg     DialerConfig
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger
}

func NewDialer(baseURL string, cfg DialerConfig, logger *zap.SugaredLogger) *Dialer {
	cfg.Retry.NonRetryableErrors = append(append([]error(nil), cfg.Retry.NonRetryableErrors...), domain.ErrInvalidRoomID)
	return &Dialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ ports.SignalDialer = (*Dialer)(nil)

// RoomURL returns the relay endpoint for roomID.
func (d *Dialer) RoomURL(roomID domain.RoomID) (string, error) {
	u, err := url.Parse(d.baseURL + "/room/" + url.PathEscape(string(roomID)))
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Dial joins roomID, retrying transient failures. A relay that rejects the
// passcode is not retried.
func (d *Dialer) Dial(ctx context.Context, roomID domain.RoomID) (ports.SignalChannel, error) {
	target, err := d.RoomURL(roomID)
	if err != nil {
		return nil, err
	}

	conn, err := retry.RetryWithResult(ctx, d.cfg.Retry, func() (*websocket.Conn, error) {
		conn, resp, err := d.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusBadRequest {
				return nil, fmt.Errorf("%w: relay rejected room %s", domain.ErrInvalidRoomID, roomID)
			}
			d.logger.Debugw("relay dial failed", "url", target, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRoomID) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}

	d.logger.Infow("connected to relay", "url", target)
	return newClientChannel(conn, d.cfg, d.logger), nil
}

// clientChannel is the client end of a relay session.
type clientChannel struct {
	conn     *websocket.Conn
	cfg      DialerConfig
	incoming chan domain.RelayMessage
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.SugaredLogger
}

func newClientChannel(conn *websocket.Conn, cfg DialerConfig, logger *zap.SugaredLogger) *clientChannel {
	c := &clientChannel{
		conn:     conn,
		cfg:      cfg,
		incoming: make(chan domain.RelayMessage, clientIncomingBuffer),
		outgoing: make(chan []byte, clientOutgoingBuffer),
		done:     make(chan struct{}),
		logger:   logger,
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return c
}

func (c *clientChannel) Send(msg domain.RelayMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}

	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case c.outgoing <- body:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	}
}

// Incoming is closed when the relay connection ends.
func (c *clientChannel) Incoming() <-chan domain.RelayMessage {
	return c.incoming
}

func (c *clientChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *clientChannel) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *clientChannel) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg domain.RelayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("discarding malformed relay message", "error", err)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *clientChannel) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case body := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
