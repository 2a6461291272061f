package util

import (
	"log"
	"strings"
)

// LogWriter forwards writes to a Logger at a fixed level. It lets stdlib
// consumers such as http.Server.ErrorLog end up in the structured log.
type LogWriter struct {
	logFunc func(string)
}

func (w LogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.logFunc(msg)
	}
	return len(p), nil
}

func NewDebugWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Debugf("%s", msg) }}
}

func NewWarnWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Warnf("%s", msg) }}
}

func NewErrorWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Errorf("%s", msg) }}
}

// StdLogger adapts w for APIs that want a *log.Logger.
func StdLogger(w LogWriter) *log.Logger { return log.New(w, "", 0) }
