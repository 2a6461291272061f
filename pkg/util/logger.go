package util

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var level = zap.NewAtomicLevelAt(zap.InfoLevel)

type Logger struct {
	*zap.SugaredLogger
}

// NewLogger returns a console logger named p writing to stdout.
func NewLogger(p string) *Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level)
	return Wrap(zap.New(core).Named(p))
}

func Wrap(l *zap.Logger) *Logger { return &Logger{SugaredLogger: l.Sugar()} }

func Nop() *Logger { return Wrap(zap.NewNop()) }

// SetLevel changes the level of every logger built by NewLogger.
func SetLevel(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return level.UnmarshalText([]byte(strings.ToLower(s)))
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.Named(name)}
}
