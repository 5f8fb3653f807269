package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStandardLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, false)
	l.now = func() time.Time { return time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC) }

	l.Debug("hidden %d", 1)
	l.Info("hello %s", "world")
	l.Warn("careful")
	l.Error("broken: %v", assert.AnError)

	assert.Equal(t,
		"[09:05:07] INFO: hello world\n"+
			"[09:05:07] WARN: careful\n"+
			"[09:05:07] ERROR: broken: "+assert.AnError.Error()+"\n",
		buf.String())
}

func TestStandardLogger_Verbose(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, true)
	l.Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG: shown")
}

func TestStandardLogger_Quiet(t *testing.T) {
	assert.NotPanics(t, func() {
		l := NewWithWriter(nil, true)
		l.Info("nowhere")
		Nop().Error("nowhere")
	})
}
