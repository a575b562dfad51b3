package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/pkg/validation"
)

const stateBuffer = 8

type NegotiationService struct {
	dialer     ports.SignalDialer
	media      ports.MediaSource
	transports ports.PeerTransportFactory
	validator  *validation.PasscodeValidator
	logger     *zap.SugaredLogger
}

func NewNegotiationService(
	dialer ports.SignalDialer,
	media ports.MediaSource,
	transports ports.PeerTransportFactory,
	validator *validation.PasscodeValidator,
	logger *zap.SugaredLogger,
) *NegotiationService {
	return &NegotiationService{
		dialer:     dialer,
		media:      media,
		transports: transports,
		validator:  validator,
		logger:     logger,
	}
}

// Start runs one call attempt for roomID up to the point where the relay
// and peer transport are wired and the negotiation is connecting.
//
// An invalid passcode returns a nil Negotiation. Every later failure returns
// the attempt in the error state together with the cause, so callers can
// still observe its state stream.
func (s *NegotiationService) Start(ctx context.Context, roomID domain.RoomID) (*Negotiation, error) {
	if err := s.validator.Validate(string(roomID)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoomID, err)
	}

	n := newNegotiation(roomID, s.logger.With("room_id", roomID))

	local, err := s.media.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
		n.OnPeerError(err)
		return n, err
	}
	n.setLocal(local)

	channel, err := s.dialer.Dial(ctx, roomID)
	if err != nil {
		if !errors.Is(err, domain.ErrRelayUnavailable) && !errors.Is(err, domain.ErrInvalidRoomID) {
			err = fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, err)
		}
		n.OnPeerError(err)
		return n, err
	}
	n.setChannel(channel)

	transport, err := s.transports.NewTransport(local, n)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrPeerTransport, err)
		n.OnPeerError(err)
		return n, err
	}
	n.setTransport(transport)

	n.setState(domain.StateConnecting)
	go n.receive(channel)

	return n, nil
}

// Negotiation is one call attempt. It owns the local media, relay channel
// and peer transport, and releases them exactly once.
type Negotiation struct {
	roomID domain.RoomID
	logger *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.NegotiationState
	states       chan domain.NegotiationState
	statesClosed bool
	err          error
	acked        bool
	slot         domain.Slot
	offered      bool
	released     bool

	local     ports.LocalMedia
	remote    ports.RemoteMedia
	channel   ports.SignalChannel
	transport ports.PeerTransport
}

func newNegotiation(roomID domain.RoomID, logger *zap.SugaredLogger) *Negotiation {
	n := &Negotiation{
		roomID: roomID,
		logger: logger,
		state:  domain.StateWaiting,
		states: make(chan domain.NegotiationState, stateBuffer),
		slot:   domain.SlotUnknown,
	}
	n.states <- domain.StateWaiting
	return n
}

func (n *Negotiation) RoomID() domain.RoomID {
	return n.roomID
}

func (n *Negotiation) State() domain.NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// States streams every state the attempt enters, starting with waiting.
// The channel is closed once the attempt is released.
func (n *Negotiation) States() <-chan domain.NegotiationState {
	return n.states
}

// Err returns the cause of the error state, if any.
func (n *Negotiation) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *Negotiation) Slot() domain.Slot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.slot
}

func (n *Negotiation) LocalMedia() ports.LocalMedia {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

func (n *Negotiation) RemoteMedia() ports.RemoteMedia {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

// OnRelayedMessage handles one message received from the relay. It never
// changes the negotiation state by itself.
func (n *Negotiation) OnRelayedMessage(msg domain.RelayMessage) {
	if msg.Error != "" {
		n.logger.Warnw("Relay rejected message", "error", msg.Error)
		return
	}

	switch msg.Type {
	case domain.MessageTypeConnected:
		n.mu.Lock()
		n.acked = true
		n.mu.Unlock()
		n.logger.Debugw("Joined relay room")

	case domain.MessageTypeParticipants:
		if msg.Count == nil {
			return
		}
		n.onParticipants(*msg.Count)

	case domain.MessageTypeOffer, domain.MessageTypeAnswer, domain.MessageTypeCandidate:
		if msg.RoomID != n.roomID {
			n.logger.Debugw("Ignoring negotiation message for another room", "message_room_id", msg.RoomID)
			return
		}
		n.mu.Lock()
		transport, done := n.transport, n.state.Terminal()
		n.mu.Unlock()
		if transport == nil || done {
			return
		}
		if err := transport.Signal(msg.Type, msg.Payload); err != nil {
			n.OnPeerError(fmt.Errorf("%w: apply %s: %v", domain.ErrPeerTransport, msg.Type, err))
		}

	default:
		n.logger.Debugw("Ignoring relay message", "type", msg.Type)
	}
}

// onParticipants learns the join slot from the first count after the ack
// and lets the elected peer produce the first offer.
func (n *Negotiation) onParticipants(count int) {
	n.mu.Lock()
	n.logger.Debugw("Room occupancy changed", "participants", count)
	if !n.acked || n.slot != domain.SlotUnknown {
		n.mu.Unlock()
		return
	}
	n.slot = SlotFromParticipants(count)
	propose := IsInitiator(n.roomID, n.slot) && !n.offered && !n.state.Terminal() && n.transport != nil
	if propose {
		n.offered = true
	}
	transport, slot := n.transport, n.slot
	n.mu.Unlock()

	n.logger.Infow("Join slot learned", "slot", slot, "initiator", propose)
	if !propose {
		return
	}
	if err := transport.Offer(); err != nil {
		n.OnPeerError(fmt.Errorf("%w: create offer: %v", domain.ErrPeerTransport, err))
	}
}

// OnSignal forwards a local negotiation payload to the relay.
func (n *Negotiation) OnSignal(msgType string, payload json.RawMessage) {
	n.mu.Lock()
	channel, done := n.channel, n.released
	n.mu.Unlock()
	if channel == nil || done {
		return
	}
	msg := domain.RelayMessage{Type: msgType, RoomID: n.roomID, Payload: payload}
	if err := channel.Send(msg); err != nil {
		n.logger.Warnw("Failed to send negotiation message", "type", msgType, "error", err)
	}
}

func (n *Negotiation) OnRemoteMedia(media ports.RemoteMedia) {
	n.mu.Lock()
	n.remote = media
	n.mu.Unlock()
	n.logger.Infow("Remote media received", "track_id", media.ID(), "codec", media.Codec())
}

func (n *Negotiation) OnPeerConnected() {
	n.setState(domain.StateConnected)
}

func (n *Negotiation) OnPeerClosed() {
	n.setState(domain.StateDisconnected)
	n.Release()
}

func (n *Negotiation) OnPeerError(err error) {
	n.mu.Lock()
	if !n.state.Terminal() {
		n.err = err
	}
	n.mu.Unlock()
	n.logger.Errorw("Negotiation failed", "error", err)
	n.setState(domain.StateError)
	n.Release()
}

// Release tears down transport, media and relay channel. Only the first
// call has any effect. A negotiation released while connecting or connected
// ends as disconnected; one released while still waiting stays waiting.
func (n *Negotiation) Release() {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return
	}
	n.released = true
	transport, local, channel := n.transport, n.local, n.channel
	n.mu.Unlock()

	n.setState(domain.StateDisconnected)

	if transport != nil {
		if err := transport.Close(); err != nil {
			n.logger.Warnw("Failed to close peer transport", "error", err)
		}
	}
	if local != nil {
		local.Release()
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			n.logger.Debugw("Failed to close relay channel", "error", err)
		}
	}

	n.mu.Lock()
	if !n.statesClosed {
		n.statesClosed = true
		close(n.states)
	}
	n.mu.Unlock()

	n.logger.Infow("Negotiation released", "state", n.State())
}

func (n *Negotiation) setState(next domain.NegotiationState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.state.CanTransition(next) {
		return false
	}
	prev := n.state
	n.state = next
	if !n.statesClosed {
		select {
		case n.states <- next:
		default:
		}
	}
	n.logger.Infow("Negotiation state changed", "from", prev, "to", next)
	return true
}

func (n *Negotiation) setLocal(local ports.LocalMedia) {
	n.mu.Lock()
	n.local = local
	n.mu.Unlock()
}

func (n *Negotiation) setChannel(channel ports.SignalChannel) {
	n.mu.Lock()
	n.channel = channel
	n.mu.Unlock()
}

func (n *Negotiation) setTransport(transport ports.PeerTransport) {
	n.mu.Lock()
	n.transport = transport
	n.mu.Unlock()
}

// receive drains the relay channel. Losing the relay before the peer
// connects fails the attempt; once connected the media path no longer
// needs it.
func (n *Negotiation) receive(channel ports.SignalChannel) {
	for msg := range channel.Incoming() {
		n.OnRelayedMessage(msg)
	}

	n.mu.Lock()
	lost := !n.released && n.state == domain.StateConnecting
	n.mu.Unlock()
	if lost {
		n.OnPeerError(domain.ErrRelayUnavailable)
	}
}
