package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
)

type fakeClock struct {
	mu       sync.Mutex
	tickers  int
	stopped  int
	ticks    chan time.Time
	pending  []func()
	canceled int
}

func newFakeClock() *fakeClock {
	return &fakeClock{ticks: make(chan time.Time)}
}

func (c *fakeClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers++
	return c.ticks, func() {
		c.mu.Lock()
		c.stopped++
		c.mu.Unlock()
	}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, f)
	return func() bool {
		c.mu.Lock()
		c.canceled++
		c.mu.Unlock()
		return true
	}
}

func (c *fakeClock) firePending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

type countingReleaser struct {
	mu    sync.Mutex
	count int
}

func (r *countingReleaser) Release() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *countingReleaser) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (r *eventRecorder) record(e domain.CallEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) of(kind domain.CallEventKind) []domain.CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestCall(t *testing.T, releaser *countingReleaser) (*Call, *fakeClock, *eventRecorder) {
	t.Helper()

	clk := newFakeClock()
	svc := NewCallService(DefaultCallConfig(), zap.NewNop().Sugar())
	svc.clock = clk

	rec := &eventRecorder{}
	return svc.NewCall(releaser, rec.record), clk, rec
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestCall_OnConnectedIsIdempotent(t *testing.T) {
	call, clk, _ := newTestCall(t, &countingReleaser{})

	call.OnConnected()
	call.Tick()
	call.OnConnected()

	assert.True(t, call.Started())
	assert.Equal(t, 299, call.Remaining(), "a duplicate connect must not restart the countdown")
	assert.Equal(t, 1, clk.tickers)

	call.Terminate(domain.EndUserRequested)
}

func TestCall_TickBeforeConnectIsIgnored(t *testing.T) {
	call, _, rec := newTestCall(t, &countingReleaser{})

	call.Tick()

	assert.False(t, call.Started())
	assert.Empty(t, rec.of(domain.CallEventTick))
}

func TestCall_FullCountdown(t *testing.T) {
	releaser := &countingReleaser{}
	call, clk, rec := newTestCall(t, releaser)

	call.OnConnected()
	for i := 0; i < 240; i++ {
		call.Tick()
	}

	require.Len(t, rec.of(domain.CallEventLowTime), 1)
	assert.Equal(t, 60, rec.of(domain.CallEventLowTime)[0].Remaining)
	assert.Empty(t, rec.of(domain.CallEventLowTimeCleared))

	clk.firePending()
	require.Len(t, rec.of(domain.CallEventLowTimeCleared), 1)

	for i := 0; i < 59; i++ {
		call.Tick()
	}
	assert.Equal(t, 1, call.Remaining())
	assert.False(t, isClosed(call.Done()))
	assert.Equal(t, 0, releaser.Count())

	call.Tick()

	assert.True(t, isClosed(call.Done()))
	assert.Equal(t, domain.EndExpired, call.Reason())
	assert.Equal(t, 1, releaser.Count())
	assert.Len(t, rec.of(domain.CallEventTick), 300)
	assert.Len(t, rec.of(domain.CallEventLowTime), 1)

	ended := rec.of(domain.CallEventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.EndExpired, ended[0].Reason)
	assert.Equal(t, 0, ended[0].Remaining)

	// countdown is stopped
	call.Tick()
	assert.Len(t, rec.of(domain.CallEventTick), 300)
	assert.Equal(t, 1, clk.stopped)
}

func TestCall_EndingDuringLowTimeSuppressesClear(t *testing.T) {
	call, clk, rec := newTestCall(t, &countingReleaser{})

	call.OnConnected()
	for i := 0; i < 240; i++ {
		call.Tick()
	}
	call.Terminate(domain.EndDisconnected)
	clk.firePending()

	assert.Empty(t, rec.of(domain.CallEventLowTimeCleared))
	assert.Equal(t, 1, clk.canceled)
}

func TestCall_TerminateRacesReleaseOnce(t *testing.T) {
	releaser := &countingReleaser{}
	call, _, rec := newTestCall(t, releaser)

	call.OnConnected()
	for i := 0; i < 299; i++ {
		call.Tick()
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); call.Tick() }()
		go func() { defer wg.Done(); call.Terminate(domain.EndDisconnected) }()
	}
	wg.Wait()

	assert.Equal(t, 1, releaser.Count())
	assert.Len(t, rec.of(domain.CallEventEnded), 1)
	assert.True(t, isClosed(call.Done()))
}

func TestCall_TerminateBeforeConnect(t *testing.T) {
	releaser := &countingReleaser{}
	call, clk, rec := newTestCall(t, releaser)

	call.Terminate(domain.EndFailed)
	call.OnConnected()

	assert.False(t, call.Started())
	assert.Equal(t, 0, clk.tickers)
	assert.Equal(t, 1, releaser.Count())
	require.Len(t, rec.of(domain.CallEventEnded), 1)
	assert.Equal(t, domain.EndFailed, rec.of(domain.CallEventEnded)[0].Reason)
}

func TestCall_Watch(t *testing.T) {
	tests := []struct {
		name   string
		states []domain.NegotiationState
		close  bool
		want   domain.EndReason
	}{
		{
			name:   "peer closes after connect",
			states: []domain.NegotiationState{domain.StateWaiting, domain.StateConnecting, domain.StateConnected, domain.StateDisconnected},
			want:   domain.EndDisconnected,
		},
		{
			name:   "transport error",
			states: []domain.NegotiationState{domain.StateWaiting, domain.StateConnecting, domain.StateError},
			want:   domain.EndFailed,
		},
		{
			name:   "state stream closed",
			states: []domain.NegotiationState{domain.StateWaiting},
			close:  true,
			want:   domain.EndDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			releaser := &countingReleaser{}
			call, _, _ := newTestCall(t, releaser)

			states := make(chan domain.NegotiationState, len(tt.states))
			for _, s := range tt.states {
				states <- s
			}
			if tt.close {
				close(states)
			}

			call.Watch(context.Background(), states)

			assert.True(t, isClosed(call.Done()))
			assert.Equal(t, tt.want, call.Reason())
			assert.Equal(t, 1, releaser.Count())
		})
	}
}

func TestCall_WatchStartsCountdownOnConnect(t *testing.T) {
	call, _, _ := newTestCall(t, &countingReleaser{})

	ctx, cancel := context.WithCancel(context.Background())
	states := make(chan domain.NegotiationState, 1)
	finished := make(chan struct{})
	go func() {
		call.Watch(ctx, states)
		close(finished)
	}()

	states <- domain.StateConnected
	require.Eventually(t, call.Started, time.Second, 5*time.Millisecond)

	cancel()
	<-finished
	assert.Equal(t, domain.EndUserRequested, call.Reason())
}

func TestCall_ExpiryReleasesConnectedNegotiation(t *testing.T) {
	f := newNegotiationFixture(t, 6)
	n, err := f.service.Start(context.Background(), "123456")
	require.NoError(t, err)

	call, _, rec := newTestCall(t, &countingReleaser{})
	call.negotiation = n

	n.OnPeerConnected()
	call.OnConnected()
	for i := 0; i < 300; i++ {
		call.Tick()
	}

	assert.Equal(t, domain.EndExpired, call.Reason())
	assert.Equal(t, domain.StateDisconnected, n.State())
	assert.Equal(t, 1, f.media.Released())
	assert.Equal(t, 1, f.transport.Closed())
	assert.Len(t, rec.of(domain.CallEventEnded), 1)

	// the peer closing afterwards changes nothing
	n.OnPeerClosed()
	call.Terminate(domain.EndDisconnected)
	assert.Equal(t, 1, f.media.Released())
	assert.Equal(t, domain.EndExpired, call.Reason())
}
