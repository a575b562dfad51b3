package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsKnownFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), RoomIDKey, "123456")
	ctx = WithValue(ctx, SessionIDKey, "s-1")
	cl.LogRequest(ctx, "GET", "/room/123456", 101, 3)

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "123456", fields["room_id"])
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, int64(101), fields["status_code"])
}

func TestContextLogger_NoFieldsReturnsBaseLogger(t *testing.T) {
	base := zap.NewNop()
	cl := NewContextLogger(base)
	assert.Same(t, base, cl.WithContext(context.Background()))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("shouting")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
