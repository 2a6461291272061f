package util

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/assert"
)

func TestLogWriterTrimsAndSkipsEmpty(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Wrap(zap.New(core))

	w := NewWarnWriter(l)
	n, err := w.Write([]byte("http: TLS handshake error\n"))
	assert.NilError(t, err)
	assert.Equal(t, n, len("http: TLS handshake error\n"))
	_, _ = w.Write([]byte("  \n"))

	entries := logs.All()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].Message, "http: TLS handshake error")
	assert.Equal(t, entries[0].Level, zapcore.WarnLevel)
}

func TestStdLoggerRoutesToErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	StdLogger(NewErrorWriter(Wrap(zap.New(core)))).Printf("accept: %s", "too many open files")

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].Message, "accept: too many open files")
}

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	assert.NilError(t, SetLevel("DEBUG"))
	assert.Equal(t, level.Level(), zapcore.DebugLevel)
	assert.NilError(t, SetLevel(""))
	assert.Equal(t, level.Level(), zapcore.DebugLevel)
	assert.ErrorContains(t, SetLevel("loud"), "unrecognized level")
}
