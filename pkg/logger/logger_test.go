package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	} {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNew_Formats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"", "json", "console"} {
		l, err := New(Options{Level: "debug", Format: format, Service: "chat-relay"})
		require.NoError(t, err, format)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestWithContext_OmitsEmpty(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	l := &Logger{Logger: zap.New(core)}

	l.WithContext("corr-1", "").Info("a")
	l.ForTurn("t1", "asst_X").Info("b")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{"correlation_id": "corr-1"}, entries[0].ContextMap())
	assert.Equal(t, map[string]interface{}{"thread_id": "t1", "assistant_id": "asst_X"}, entries[1].ContextMap())
}

func TestOrGlobal(t *testing.T) {
	t.Parallel()

	assert.Same(t, Global(), OrGlobal(nil))
	nop := NewNop()
	assert.Same(t, nop, OrGlobal(nop))
}
