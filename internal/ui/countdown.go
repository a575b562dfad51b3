package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"fivecall/internal/core/domain"
	"fivecall/pkg/utils"
)

const lowTimeNotice = "1 minute left"

var endMessages = map[domain.EndReason]string{
	domain.EndExpired:       "Time is up. The call has ended.",
	domain.EndDisconnected:  "The other side hung up.",
	domain.EndUserRequested: "You ended the call.",
	domain.EndFailed:        "The connection to the other side failed.",
}

// Countdown renders call events as a single updating terminal line.
type Countdown struct {
	mu      sync.Mutex
	out     io.Writer
	lowTime bool
}

func NewCountdown(out io.Writer) *Countdown {
	return &Countdown{out: out}
}

// Status prints a standalone progress line.
func (c *Countdown) Status(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, MutedStyle.Render(msg))
}

func (c *Countdown) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, ErrorStyle.Render("✗ "+err.Error()))
}

// OnEvent is a services.Call event sink.
func (c *Countdown) OnEvent(e domain.CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case domain.CallEventTick:
		c.renderClock(e.Remaining)
	case domain.CallEventLowTime:
		c.lowTime = true
		c.renderClock(e.Remaining)
	case domain.CallEventLowTimeCleared:
		c.lowTime = false
	case domain.CallEventEnded:
		fmt.Fprint(c.out, "\n")
		fmt.Fprintln(c.out, SummaryBoxStyle.Render(EndMessage(e.Reason)))
	}
}

func (c *Countdown) renderClock(remaining int) {
	line := ClockStyle.Render(utils.FormatClock(remaining))
	if c.lowTime {
		line = LowTimeStyle.Render(utils.FormatClock(remaining)) + " " + LowTimeStyle.Render(lowTimeNotice)
	}
	// pad so a shorter line fully overwrites the previous one
	fmt.Fprint(c.out, "\r"+line+strings.Repeat(" ", len(lowTimeNotice)+1))
}

func EndMessage(reason domain.EndReason) string {
	if msg, ok := endMessages[reason]; ok {
		return msg
	}
	return "The call has ended."
}
