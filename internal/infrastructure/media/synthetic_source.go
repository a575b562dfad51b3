package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
)

const (
	opusClockRate   = 48000
	opusPayloadType = 111
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = opusClockRate / 1000 * 20
	mtu             = 1200
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// PacketSink receives outbound RTP packets.
type PacketSink func(*rtp.Packet) error

// SyntheticSource produces a silent Opus stream. It stands in for a
// microphone where no capture device is available.
type SyntheticSource struct {
	frame  time.Duration
	logger *zap.SugaredLogger
}

func NewSyntheticSource(logger *zap.SugaredLogger) *SyntheticSource {
	return &SyntheticSource{frame: frameDuration, logger: logger}
}

var _ ports.MediaSource = (*SyntheticSource)(nil)

func (s *SyntheticSource) Acquire(ctx context.Context) (ports.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	id := uuid.NewString()
	stream := &Stream{
		id:    id,
		frame: s.frame,
		packetizer: rtp.NewPacketizer(mtu, opusPayloadType, uuid.New().ID(),
			&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.logger.Debugw("acquired synthetic audio", "media_id", id)
	return stream, nil
}

// Stream is an acquired synthetic audio track.
type Stream struct {
	id         string
	frame      time.Duration
	packetizer rtp.Packetizer

	mu       sync.Mutex
	attached bool
	released bool
	sent     int
	done     chan struct{}
	wg       sync.WaitGroup

	logger *zap.SugaredLogger
}

var _ ports.LocalMedia = (*Stream)(nil)

func (s *Stream) ID() string {
	return s.id
}

// Attach starts pacing frames into sink until the stream is released.
// Only the first sink is used.
func (s *Stream) Attach(sink PacketSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached || s.released {
		return
	}
	s.attached = true

	s.wg.Add(1)
	go s.pump(sink)
}

func (s *Stream) pump(sink PacketSink) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, pkt := range s.packetizer.Packetize(opusSilence, samplesPerFrame) {
				if err := sink(pkt); err != nil {
					s.logger.Debugw("audio sink rejected packet", "media_id", s.id, "error", err)
					continue
				}
				s.mu.Lock()
				s.sent++
				s.mu.Unlock()
			}
		}
	}
}

// Sent reports how many packets reached the sink.
func (s *Stream) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Release stops the stream and waits for the pump to exit. Safe to call
// more than once.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debugw("released synthetic audio", "media_id", s.id)
}
