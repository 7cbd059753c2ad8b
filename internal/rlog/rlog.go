// Package rlog is the structured logging facade every other package in
// this module logs through. It keeps the call shape CortexTheseus's own
// log package uses (log.Info(msg, "key", value, ...)) but backs it with
// logrus instead of an unvendored internal package.
package rlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	std = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the global verbosity. Accepts "trace", "debug", "info",
// "warn", "error".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	std.SetLevel(lvl)
	return nil
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

// Trace logs at trace level with key/value pairs.
func Trace(msg string, kv ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.WithFields(fields(kv)).Trace(msg)
}

// Debug logs at debug level with key/value pairs.
func Debug(msg string, kv ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.WithFields(fields(kv)).Debug(msg)
}

// Info logs at info level with key/value pairs.
func Info(msg string, kv ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.WithFields(fields(kv)).Info(msg)
}

// Warn logs at warn level with key/value pairs.
func Warn(msg string, kv ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.WithFields(fields(kv)).Warn(msg)
}

// Error logs at error level with key/value pairs.
func Error(msg string, kv ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	std.WithFields(fields(kv)).Error(msg)
}

// Crit logs at fatal level and exits, mirroring the teacher's log.Crit.
func Crit(msg string, kv ...interface{}) {
	mu.RLock()
	l := std
	mu.RUnlock()
	l.WithFields(fields(kv)).Fatal(msg)
}
