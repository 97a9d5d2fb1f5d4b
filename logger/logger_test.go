package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSLogLoggerWritesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.Warn("limiter failed", "key", "ping:1.2.3.4", "attempt", 2, "err", errors.New("boom"), "wait", time.Second)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "key=ping:1.2.3.4")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "wait=1s")
}

func TestSLogLoggerIgnoresDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	l.Info("msg", "lonely")
	assert.NotContains(t, buf.String(), "lonely")
}

func TestNewSelectsBackend(t *testing.T) {
	assert.IsType(t, &SLogLogger{}, New("slog"))
	assert.IsType(t, &NullLogger{}, New("null"))
	assert.IsType(t, &PhusluLogger{}, New(""))
}
