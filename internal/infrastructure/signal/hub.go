package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/pkg/tracing"
)

// Metrics receives relay activity. monitoring.PrometheusCollector implements it.
type Metrics interface {
	SessionJoined()
	SessionLeft()
	RoomOpened()
	RoomClosed()
	MessageRelayed(msgType string, fanout int)
	MessagesReplayed(n int)
	ProtocolError(reason string)
	SessionDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SessionJoined()             {}
func (noopMetrics) SessionLeft()               {}
func (noopMetrics) RoomOpened()                {}
func (noopMetrics) RoomClosed()                {}
func (noopMetrics) MessageRelayed(string, int) {}
func (noopMetrics) MessagesReplayed(int)       {}
func (noopMetrics) ProtocolError(string)       {}
func (noopMetrics) SessionDropped(string)      {}

type HubConfig struct {
	JanitorInterval time.Duration
}

// Hub routes opaque signaling bodies between the sessions of a room and
// replays recent bodies to late joiners.
//
// The hub lock only guards the room map. Each room serializes its own
// joins, relays and leaves, so a broadcast and its replay append are
// atomic with respect to a concurrent join. Lock order is hub then room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]*room
	closed bool

	store   ports.ReplayStore
	metrics Metrics
	cfg     HubConfig
	now     func() time.Time
	logger  *zap.SugaredLogger
}

type room struct {
	id       domain.RoomID
	mu       sync.Mutex
	sessions map[domain.SessionID]*Session
	closed   bool
}

func NewHub(store ports.ReplayStore, metrics Metrics, cfg HubConfig, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Hub{
		rooms:   make(map[domain.RoomID]*room),
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Join registers the session with its room, acknowledges it, replays the
// room's live queue and announces the new occupancy to every member.
func (h *Hub) Join(ctx context.Context, s *Session) error {
	ctx, span := tracing.TraceRelay(ctx, "join", string(s.RoomID), string(s.ID))
	defer span.End()

	for {
		r, err := h.roomFor(s.RoomID)
		if err != nil {
			return err
		}

		r.mu.Lock()
		if r.closed {
			// swept by the janitor between lookup and lock
			r.mu.Unlock()
			continue
		}

		r.sessions[s.ID] = s
		h.send(s, domain.ConnectedMessage(s.RoomID))

		queued, err := h.store.List(ctx, s.RoomID, h.now())
		if err != nil {
			tracing.RecordError(ctx, err)
			h.logger.Errorw("Failed to load replay queue", "room_id", s.RoomID, "error", err)
		}
		for _, msg := range queued {
			h.deliver(s, msg.Payload)
		}

		count := len(r.sessions)
		h.broadcastLocked(r, domain.ParticipantsMessage(s.RoomID, count))
		r.mu.Unlock()

		h.metrics.SessionJoined()
		h.metrics.MessagesReplayed(len(queued))
		h.logger.Infow("Session joined room",
			"room_id", s.RoomID,
			"session_id", s.ID,
			"remote_addr", s.RemoteAddr,
			"participants", count,
			"replayed", len(queued),
		)
		return nil
	}
}

// Relay validates body and fans it out to every other session of the
// sender's room, then records it for late joiners. Invalid bodies are
// answered with an error reply and never broadcast.
func (h *Hub) Relay(ctx context.Context, sender *Session, body []byte) error {
	if !json.Valid(body) {
		h.metrics.ProtocolError("unparseable")
		h.send(sender, domain.ErrorMessage(domain.ErrorProcessFailure))
		return fmt.Errorf("%w: body is not JSON", domain.ErrInvalidMessage)
	}
	msgType, roomID, ok := envelopeFields(body)
	if !ok || isReserved(msgType) || roomID != sender.RoomID {
		h.metrics.ProtocolError("invalid_format")
		h.send(sender, domain.ErrorMessage(domain.ErrorInvalidFormat))
		return domain.ErrInvalidMessage
	}

	ctx, span := tracing.TraceRelay(ctx, "relay", string(sender.RoomID), string(sender.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MessageTypeKey.String(msgType))

	r := h.lookup(sender.RoomID)
	if r == nil {
		return domain.ErrSessionClosed
	}

	r.mu.Lock()
	if _, member := r.sessions[sender.ID]; !member {
		r.mu.Unlock()
		return domain.ErrSessionClosed
	}

	fanout := 0
	for id, s := range r.sessions {
		if id == sender.ID {
			continue
		}
		if h.deliver(s, body) {
			fanout++
		}
	}

	now := h.now()
	queued := &domain.QueuedMessage{
		RoomID:     sender.RoomID,
		Payload:    append([]byte(nil), body...),
		EnqueuedAt: now,
	}
	if err := h.store.Append(ctx, queued); err != nil {
		tracing.RecordError(ctx, err)
		h.logger.Errorw("Failed to queue message for replay", "room_id", sender.RoomID, "error", err)
	}
	if _, err := h.store.Prune(ctx, sender.RoomID, now); err != nil {
		h.logger.Warnw("Failed to prune replay queue", "room_id", sender.RoomID, "error", err)
	}
	r.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.FanoutKey.Int(fanout))
	h.metrics.MessageRelayed(msgType, fanout)
	h.logger.Debugw("Relayed message",
		"room_id", sender.RoomID,
		"session_id", sender.ID,
		"type", msgType,
		"fanout", fanout,
	)
	return nil
}

// Leave removes the session and announces the new occupancy to the rest
// of the room. Leaving twice is a no-op.
func (h *Hub) Leave(s *Session) {
	defer s.close()

	r := h.lookup(s.RoomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if _, member := r.sessions[s.ID]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	count := len(r.sessions)
	h.broadcastLocked(r, domain.ParticipantsMessage(s.RoomID, count))
	r.mu.Unlock()

	h.metrics.SessionLeft()
	h.logger.Infow("Session left room",
		"room_id", s.RoomID,
		"session_id", s.ID,
		"participants", count,
		"duration", time.Since(s.JoinedAt).Round(time.Second),
	)
}

// Run sweeps idle rooms until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.JanitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.Sweep(ctx); removed > 0 {
				h.logger.Debugw("Swept idle rooms", "removed", removed)
			}
		}
	}
}

// Sweep prunes every room's queue and removes rooms that have neither
// sessions nor live queued messages. It returns the number of rooms removed.
func (h *Hub) Sweep(ctx context.Context) int {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	now := h.now()
	var idle []*room
	for _, r := range rooms {
		r.mu.Lock()
		if _, err := h.store.Prune(ctx, r.id, now); err != nil {
			h.logger.Warnw("Failed to prune replay queue", "room_id", r.id, "error", err)
			r.mu.Unlock()
			continue
		}
		if len(r.sessions) == 0 {
			if n, err := h.store.Len(ctx, r.id); err == nil && n == 0 {
				r.closed = true
				idle = append(idle, r)
			}
		}
		r.mu.Unlock()
	}

	if len(idle) == 0 {
		return 0
	}

	h.mu.Lock()
	for _, r := range idle {
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
			h.metrics.RoomClosed()
		}
	}
	h.mu.Unlock()
	return len(idle)
}

// Close shuts down every session and refuses further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, r := range h.rooms {
		r.mu.Lock()
		for _, s := range r.sessions {
			s.close()
			h.metrics.SessionLeft()
		}
		r.sessions = make(map[domain.SessionID]*Session)
		r.closed = true
		r.mu.Unlock()
		delete(h.rooms, id)
		h.metrics.RoomClosed()
	}
}

// Stats reports current occupancy.
func (h *Hub) Stats() domain.RoomStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := domain.RoomStats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		r.mu.Lock()
		stats.Sessions += len(r.sessions)
		r.mu.Unlock()
	}
	return stats
}

// Ready reports whether the replay store is reachable.
func (h *Hub) Ready(ctx context.Context) error {
	return h.store.Ping(ctx)
}

func (h *Hub) lookup(id domain.RoomID) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

func (h *Hub) roomFor(id domain.RoomID) (*room, error) {
	if r := h.lookup(id); r != nil {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, domain.ErrSessionClosed
	}
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	r := &room{
		id:       id,
		sessions: make(map[domain.SessionID]*Session),
	}
	h.rooms[id] = r
	h.metrics.RoomOpened()
	return r, nil
}

// broadcastLocked sends msg to every session of r; r.mu must be held.
func (h *Hub) broadcastLocked(r *room, msg domain.RelayMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal control message", "type", msg.Type, "error", err)
		return
	}
	for _, s := range r.sessions {
		h.deliver(s, body)
	}
}

func (h *Hub) send(s *Session, msg domain.RelayMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal control message", "type", msg.Type, "error", err)
		return
	}
	h.deliver(s, body)
}

// deliver enqueues body for s. A session that cannot keep up is shut
// down; its connection handler then leaves the room.
func (h *Hub) deliver(s *Session, body []byte) bool {
	if s.enqueue(body) {
		return true
	}
	if !s.closed() {
		h.metrics.SessionDropped("send_buffer_full")
		h.logger.Warnw("Dropping slow session", "room_id", s.RoomID, "session_id", s.ID)
		s.close()
	}
	return false
}

// envelopeFields reads type and roomId from a JSON body. ok is false unless
// body is an object whose type and roomId are both non-empty strings.
func envelopeFields(body []byte) (msgType string, roomID domain.RoomID, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", "", false
	}
	var rawRoom string
	if json.Unmarshal(fields["type"], &msgType) != nil || json.Unmarshal(fields["roomId"], &rawRoom) != nil {
		return "", "", false
	}
	if msgType == "" || rawRoom == "" {
		return "", "", false
	}
	return msgType, domain.RoomID(rawRoom), true
}

// isReserved reports whether msgType is one only the hub may send.
func isReserved(msgType string) bool {
	return msgType == domain.MessageTypeConnected || msgType == domain.MessageTypeParticipants
}
