package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/internal/infrastructure/media"
	"fivecall/pkg/config"
)

// Config holds peer connection settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func ConfigFrom(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// attachable is implemented by local media that can feed an RTP track.
type attachable interface {
	Attach(sink media.PacketSink)
}

// TransportFactory builds pion peer connections carrying one Opus track
// in each direction.
type TransportFactory struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewTransportFactory(cfg Config, logger *zap.SugaredLogger) (*TransportFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus codec: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &TransportFactory{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

var _ ports.PeerTransportFactory = (*TransportFactory)(nil)

func (f *TransportFactory) NewTransport(local ports.LocalMedia, events ports.PeerEvents) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"fivecall-"+local.ID(),
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	t := &PeerTransport{
		pc:     pc,
		events: events,
		logger: f.logger,
	}
	pc.OnICECandidate(t.handleLocalCandidate)
	pc.OnTrack(t.handleRemoteTrack)
	pc.OnConnectionStateChange(t.handleConnectionState)

	go t.drainRTCP(sender)

	if src, ok := local.(attachable); ok {
		src.Attach(func(pkt *rtp.Packet) error {
			return track.WriteRTP(pkt)
		})
	}
	return t, nil
}

// PeerTransport is one side of a point-to-point audio call. Offers,
// answers and candidates are exchanged as JSON payloads through
// ports.PeerEvents.OnSignal.
type PeerTransport struct {
	pc     *webrtc.PeerConnection
	events ports.PeerEvents

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	connected bool
	closed    bool
	reports   int

	logger *zap.SugaredLogger
}

var _ ports.PeerTransport = (*PeerTransport)(nil)

// candidatePayload is the trickle ICE envelope: {"type":"candidate","candidate":{...}}.
type candidatePayload struct {
	Type      string                   `json:"type"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

func (t *PeerTransport) Offer() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return t.emit(domain.MessageTypeOffer, offer)
}

// Signal applies a payload relayed from the peer. An offer is answered
// immediately; candidates received before the remote description are held
// until it is set.
func (t *PeerTransport) Signal(msgType string, payload json.RawMessage) error {
	switch msgType {
	case domain.MessageTypeOffer:
		if err := t.setRemote(payload, webrtc.SDPTypeOffer); err != nil {
			return err
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		return t.emit(domain.MessageTypeAnswer, answer)

	case domain.MessageTypeAnswer:
		return t.setRemote(payload, webrtc.SDPTypeAnswer)

	case domain.MessageTypeCandidate:
		candidate, err := decodeCandidate(payload)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pending = append(t.pending, candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to add ice candidate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported signal type %q", msgType)
}

func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.pc.Close()
}

// ReceiverReports reports how many RTCP receiver reports the peer sent.
func (t *PeerTransport) ReceiverReports() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reports
}

func (t *PeerTransport) setRemote(payload json.RawMessage, want webrtc.SDPType) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	if desc.Type != want {
		return fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warnw("dropping buffered ice candidate", "error", err)
		}
	}
	return nil
}

func (t *PeerTransport) emit(msgType string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msgType, err)
	}
	t.events.OnSignal(msgType, payload)
	return nil
}

func (t *PeerTransport) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	if err := t.emit(domain.MessageTypeCandidate, candidatePayload{Type: domain.MessageTypeCandidate, Candidate: &init}); err != nil {
		t.logger.Warnw("failed to send ice candidate", "error", err)
	}
}

func (t *PeerTransport) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t.logger.Infow("remote audio track received",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"ssrc", track.SSRC(),
	)
	t.events.OnRemoteMedia(&remoteAudio{id: track.ID(), codec: track.Codec().MimeType})

	// keep the receive buffer moving; playback is out of scope for the CLI
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("peer connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.events.OnPeerConnected()

	case webrtc.PeerConnectionStateDisconnected:
		// ICE either recovers or pion escalates to failed
		t.logger.Infow("peer connection interrupted, waiting for ice to recover")

	case webrtc.PeerConnectionStateClosed:
		t.events.OnPeerClosed()

	case webrtc.PeerConnectionStateFailed:
		reason := "ice negotiation failed"
		t.mu.Lock()
		if t.connected {
			reason = "connection to peer lost"
		}
		t.mu.Unlock()
		t.events.OnPeerError(fmt.Errorf("%w: %s", domain.ErrPeerTransport, reason))
	}
}

// drainRTCP reads RTCP from the sender until the connection closes.
func (t *PeerTransport) drainRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		n := countReceiverReports(packets)
		if n == 0 {
			continue
		}
		t.mu.Lock()
		t.reports += n
		t.mu.Unlock()
	}
}

func countReceiverReports(packets []rtcp.Packet) int {
	n := 0
	for _, p := range packets {
		if _, ok := p.(*rtcp.ReceiverReport); ok {
			n++
		}
	}
	return n
}

func decodeCandidate(payload json.RawMessage) (webrtc.ICECandidateInit, error) {
	var envelope candidatePayload
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Candidate != nil {
		return *envelope.Candidate, nil
	}

	var bare webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &bare); err != nil {
		return bare, fmt.Errorf("invalid ice candidate: %w", err)
	}
	if bare.Candidate == "" {
		return bare, errors.New("invalid ice candidate: empty candidate")
	}
	return bare, nil
}

type remoteAudio struct {
	id    string
	codec string
}

func (r *remoteAudio) ID() string    { return r.id }
func (r *remoteAudio) Codec() string { return r.codec }
