package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
)

type packetLog struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (l *packetLog) write(p *rtp.Packet) error {
	l.mu.Lock()
	l.packets = append(l.packets, p)
	l.mu.Unlock()
	return nil
}

func (l *packetLog) snapshot() []*rtp.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*rtp.Packet(nil), l.packets...)
}

func newFastSource() *SyntheticSource {
	s := NewSyntheticSource(zap.NewNop().Sugar())
	s.frame = time.Millisecond
	return s
}

func TestSyntheticSource_ProducesOpusPackets(t *testing.T) {
	local, err := newFastSource().Acquire(context.Background())
	require.NoError(t, err)
	stream := local.(*Stream)
	defer stream.Release()

	log := &packetLog{}
	stream.Attach(log.write)

	require.Eventually(t, func() bool { return len(log.snapshot()) >= 3 }, time.Second, time.Millisecond)

	packets := log.snapshot()
	for i, pkt := range packets {
		assert.Equal(t, uint8(opusPayloadType), pkt.PayloadType)
		assert.Equal(t, opusSilence, pkt.Payload)
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
			assert.Equal(t, packets[i-1].Timestamp+samplesPerFrame, pkt.Timestamp)
			assert.Equal(t, packets[0].SSRC, pkt.SSRC)
		}
	}
}

func TestStream_ReleaseStopsPumpAndIsIdempotent(t *testing.T) {
	local, err := newFastSource().Acquire(context.Background())
	require.NoError(t, err)
	stream := local.(*Stream)

	log := &packetLog{}
	stream.Attach(log.write)
	require.Eventually(t, func() bool { return stream.Sent() > 0 }, time.Second, time.Millisecond)

	stream.Release()
	stream.Release()

	sent := stream.Sent()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, sent, stream.Sent())

	// attaching after release is a no-op
	stream.Attach(log.write)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, sent, stream.Sent())
}

func TestSyntheticSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newFastSource().Acquire(ctx)
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}
