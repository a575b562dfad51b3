package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
)

type CallConfig struct {
	Duration       time.Duration
	LowTimeAt      time.Duration
	LowTimeDisplay time.Duration
	TickInterval   time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		Duration:       300 * time.Second,
		LowTimeAt:      60 * time.Second,
		LowTimeDisplay: 3 * time.Second,
		TickInterval:   time.Second,
	}
}

// clock abstracts the countdown's time sources.
type clock interface {
	NewTicker(d time.Duration) (<-chan time.Time, func())
	AfterFunc(d time.Duration, f func()) func() bool
}

type realClock struct{}

func (realClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type CallService struct {
	cfg    CallConfig
	clock  clock
	logger *zap.SugaredLogger
}

func NewCallService(cfg CallConfig, logger *zap.SugaredLogger) *CallService {
	return &CallService{
		cfg:    cfg,
		clock:  realClock{},
		logger: logger,
	}
}

// NewCall prepares the lifecycle of one call attempt. onEvent receives
// every tick, low-time and end event; it runs with the call locked and
// must not call back into it.
func (s *CallService) NewCall(negotiation ports.Releaser, onEvent func(domain.CallEvent)) *Call {
	if onEvent == nil {
		onEvent = func(domain.CallEvent) {}
	}
	return &Call{
		negotiation: negotiation,
		onEvent:     onEvent,
		clock:       s.clock,
		logger:      s.logger,
		total:       int(s.cfg.Duration / time.Second),
		lowAt:       int(s.cfg.LowTimeAt / time.Second),
		lowDisplay:  s.cfg.LowTimeDisplay,
		interval:    s.cfg.TickInterval,
		done:        make(chan struct{}),
	}
}

// Call enforces the fixed call budget. Terminate is the only path that
// releases the negotiation.
type Call struct {
	negotiation ports.Releaser
	onEvent     func(domain.CallEvent)
	clock       clock
	logger      *zap.SugaredLogger

	total      int
	lowAt      int
	lowDisplay time.Duration
	interval   time.Duration

	mu          sync.Mutex
	started     bool
	remaining   int
	lowFired    bool
	stopTicker  func()
	stopLowTime func() bool
	terminated  bool
	reason      domain.EndReason

	done chan struct{}
}

// OnConnected starts the countdown. Duplicate connect signals are ignored.
func (c *Call) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.terminated {
		return
	}
	c.started = true
	c.remaining = c.total

	ticks, stop := c.clock.NewTicker(c.interval)
	c.stopTicker = stop
	go c.run(ticks)

	c.logger.Infow("Call connected, countdown started", "remaining", c.remaining)
}

func (c *Call) run(ticks <-chan time.Time) {
	for {
		select {
		case <-ticks:
			c.Tick()
		case <-c.done:
			return
		}
	}
}

// Tick advances the countdown by one second.
func (c *Call) Tick() {
	c.mu.Lock()
	if !c.started || c.terminated || c.remaining <= 0 {
		c.mu.Unlock()
		return
	}
	c.remaining--
	remaining := c.remaining
	c.onEvent(domain.CallEvent{Kind: domain.CallEventTick, Remaining: remaining})

	if remaining == c.lowAt && !c.lowFired {
		c.lowFired = true
		c.onEvent(domain.CallEvent{Kind: domain.CallEventLowTime, Remaining: remaining})
		c.stopLowTime = c.clock.AfterFunc(c.lowDisplay, c.clearLowTime)
		c.logger.Infow("Call running low on time", "remaining", remaining)
	}
	c.mu.Unlock()

	if remaining == 0 {
		c.Terminate(domain.EndExpired)
	}
}

func (c *Call) clearLowTime() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return
	}
	c.onEvent(domain.CallEvent{Kind: domain.CallEventLowTimeCleared, Remaining: c.remaining})
}

// Terminate ends the call: the countdown stops, the negotiation is
// released and a single ended event is emitted. Later calls are no-ops.
func (c *Call) Terminate(reason domain.EndReason) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.reason = reason
	if c.stopTicker != nil {
		c.stopTicker()
	}
	if c.stopLowTime != nil {
		c.stopLowTime()
	}
	c.mu.Unlock()

	c.negotiation.Release()

	c.mu.Lock()
	c.onEvent(domain.CallEvent{Kind: domain.CallEventEnded, Remaining: c.remaining, Reason: reason})
	c.mu.Unlock()
	close(c.done)

	c.logger.Infow("Call ended", "reason", reason, "remaining", c.Remaining())
}

// Watch drives the call from a negotiation state stream until the call
// ends. Cancelling ctx ends the call at the user's request.
func (c *Call) Watch(ctx context.Context, states <-chan domain.NegotiationState) {
	for {
		select {
		case <-ctx.Done():
			c.Terminate(domain.EndUserRequested)
			return
		case <-c.done:
			return
		case state, ok := <-states:
			if !ok {
				c.Terminate(domain.EndDisconnected)
				return
			}
			switch state {
			case domain.StateConnected:
				c.OnConnected()
			case domain.StateDisconnected:
				c.Terminate(domain.EndDisconnected)
				return
			case domain.StateError:
				c.Terminate(domain.EndFailed)
				return
			}
		}
	}
}

// Done is closed once the call has ended.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Call) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Reason is empty until the call ends.
func (c *Call) Reason() domain.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
