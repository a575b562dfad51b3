package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/internal/infrastructure/media"
	"fivecall/pkg/config"
)

type signalled struct {
	msgType string
	payload json.RawMessage
}

// peerEvents records transport callbacks and optionally forwards signals.
type peerEvents struct {
	mu        sync.Mutex
	signals   []signalled
	forward   chan signalled
	remote    ports.RemoteMedia
	connected chan struct{}
	once      sync.Once
	closed    int
	errs      []error
}

func newPeerEvents() *peerEvents {
	return &peerEvents{connected: make(chan struct{})}
}

func (e *peerEvents) OnSignal(msgType string, payload json.RawMessage) {
	e.mu.Lock()
	e.signals = append(e.signals, signalled{msgType, payload})
	forward := e.forward
	e.mu.Unlock()
	if forward != nil {
		select {
		case forward <- signalled{msgType, payload}:
		default:
		}
	}
}

func (e *peerEvents) OnRemoteMedia(m ports.RemoteMedia) {
	e.mu.Lock()
	e.remote = m
	e.mu.Unlock()
}

func (e *peerEvents) OnPeerConnected() { e.once.Do(func() { close(e.connected) }) }

func (e *peerEvents) OnPeerClosed() {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
}

func (e *peerEvents) OnPeerError(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *peerEvents) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *peerEvents) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *peerEvents) Signals() []signalled {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signalled(nil), e.signals...)
}

func (e *peerEvents) Remote() ports.RemoteMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

type stubMedia struct{ id string }

func (m stubMedia) ID() string { return m.id }
func (m stubMedia) Release()   {}

func newTestFactory(t *testing.T) *TransportFactory {
	t.Helper()
	f, err := NewTransportFactory(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return f
}

func newTestTransport(t *testing.T, events ports.PeerEvents) *PeerTransport {
	t.Helper()
	tr, err := newTestFactory(t).NewTransport(stubMedia{id: "local"}, events)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr.(*PeerTransport)
}

func TestPeerTransport_OfferEmitsSessionDescription(t *testing.T) {
	events := newPeerEvents()
	tr := newTestTransport(t, events)

	require.NoError(t, tr.Offer())

	var offer *signalled
	for _, s := range events.Signals() {
		if s.msgType == domain.MessageTypeOffer {
			s := s
			offer = &s
		}
	}
	require.NotNil(t, offer)

	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(offer.payload, &desc))
	assert.Equal(t, "offer", desc.Type)
	assert.Contains(t, desc.SDP, "opus/48000")
}

func TestPeerTransport_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	tr := newTestTransport(t, newPeerEvents())

	candidate := json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	require.NoError(t, tr.Signal(domain.MessageTypeCandidate, candidate))

	tr.mu.Lock()
	assert.Len(t, tr.pending, 1)
	assert.False(t, tr.remoteSet)
	tr.mu.Unlock()
}

func TestPeerTransport_ConnectionStates(t *testing.T) {
	tests := []struct {
		name       string
		states     []webrtc.PeerConnectionState
		wantClosed int
		wantErr    string
	}{
		{
			name:   "ice blip recovers",
			states: []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateConnected},
		},
		{
			name:       "closed ends the call",
			states:     []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateClosed},
			wantClosed: 1,
		},
		{
			name:    "failed before connect",
			states:  []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateFailed},
			wantErr: "ice negotiation failed",
		},
		{
			name:    "failed after disconnect",
			states:  []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed},
			wantErr: "connection to peer lost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := newPeerEvents()
			tr := &PeerTransport{events: events, logger: zap.NewNop().Sugar()}

			for _, s := range tt.states {
				tr.handleConnectionState(s)
			}

			assert.Equal(t, tt.wantClosed, events.Closed())
			errs := events.Errors()
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], domain.ErrPeerTransport)
			assert.Contains(t, errs[0].Error(), tt.wantErr)
		})
	}
}

func TestPeerTransport_RejectsBadSignals(t *testing.T) {
	tr := newTestTransport(t, newPeerEvents())

	assert.Error(t, tr.Signal("renegotiate", json.RawMessage(`{}`)))
	assert.Error(t, tr.Signal(domain.MessageTypeOffer, json.RawMessage(`not json`)))
	assert.Error(t, tr.Signal(domain.MessageTypeAnswer, json.RawMessage(`{"type":"offer","sdp":"v=0"}`)))
	assert.Error(t, tr.Signal(domain.MessageTypeCandidate, json.RawMessage(`{}`)))
}

func TestPeerTransport_CloseIsIdempotent(t *testing.T) {
	tr := newTestTransport(t, newPeerEvents())

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestDecodeCandidate(t *testing.T) {
	wrapped, err := decodeCandidate(json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:a","sdpMLineIndex":0}}`))
	require.NoError(t, err)
	assert.Equal(t, "candidate:a", wrapped.Candidate)
	require.NotNil(t, wrapped.SDPMLineIndex)
	assert.Equal(t, uint16(0), *wrapped.SDPMLineIndex)

	bare, err := decodeCandidate(json.RawMessage(`{"candidate":"candidate:b","sdpMid":"0"}`))
	require.NoError(t, err)
	assert.Equal(t, "candidate:b", bare.Candidate)
	require.NotNil(t, bare.SDPMid)
	assert.Equal(t, "0", *bare.SDPMid)

	_, err = decodeCandidate(json.RawMessage(`[]`))
	assert.Error(t, err)
}

func TestCountReceiverReports(t *testing.T) {
	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1},
		&rtcp.SenderReport{SSRC: 2},
		&rtcp.ReceiverReport{SSRC: 3},
		&rtcp.PictureLossIndication{MediaSSRC: 4},
	}
	assert.Equal(t, 2, countReceiverReports(packets))
	assert.Zero(t, countReceiverReports(nil))
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	out := ConfigFrom(cfg)
	assert.Equal(t, uint16(50000), out.PortRange.Min)
	assert.Equal(t, uint16(50100), out.PortRange.Max)
	assert.Len(t, out.ICEServers, len(cfg.WebRTC.ICEServers))
}

// pipe delivers one side's signals to the other transport in order.
func pipe(ctx context.Context, from *peerEvents, to *PeerTransport) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-from.forward:
			_ = to.Signal(s.msgType, s.payload)
		}
	}
}

func TestPeerTransport_LoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	factory := newTestFactory(t)
	logger := zap.NewNop().Sugar()

	callerEvents, calleeEvents := newPeerEvents(), newPeerEvents()
	callerEvents.forward = make(chan signalled, 64)
	calleeEvents.forward = make(chan signalled, 64)

	callerMedia, err := media.NewSyntheticSource(logger).Acquire(context.Background())
	require.NoError(t, err)
	defer callerMedia.Release()
	calleeMedia, err := media.NewSyntheticSource(logger).Acquire(context.Background())
	require.NoError(t, err)
	defer calleeMedia.Release()

	caller, err := factory.NewTransport(callerMedia, callerEvents)
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewTransport(calleeMedia, calleeEvents)
	require.NoError(t, err)
	defer callee.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipe(ctx, callerEvents, callee.(*PeerTransport))
	go pipe(ctx, calleeEvents, caller.(*PeerTransport))

	require.NoError(t, caller.Offer())

	for _, events := range []*peerEvents{callerEvents, calleeEvents} {
		select {
		case <-events.connected:
		case <-time.After(15 * time.Second):
			t.Fatal("peers did not connect")
		}
	}

	require.Eventually(t, func() bool {
		return callerEvents.Remote() != nil && calleeEvents.Remote() != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "audio/opus", calleeEvents.Remote().Codec())
}
