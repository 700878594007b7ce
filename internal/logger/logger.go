// Package logger is a small leveled wrapper around the standard log package.
package logger

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level orders log severities; smaller values are more verbose.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevel sets the global level from its name. Unknown names fall back to INFO.
func SetLevel(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		current.Store(int32(LevelDebug))
	case "WARN", "WARNING":
		current.Store(int32(LevelWarn))
	case "ERROR":
		current.Store(int32(LevelError))
	case "INFO":
		current.Store(int32(LevelInfo))
	default:
		log.Printf("[WARN] unknown log level %q, using INFO", name)
		current.Store(int32(LevelInfo))
	}
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return Level(current.Load()) <= l
}

func Debugf(format string, v ...interface{}) {
	if Enabled(LevelDebug) {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	if Enabled(LevelInfo) {
		log.Printf("[INFO] "+format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if Enabled(LevelWarn) {
		log.Printf("[WARN] "+format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if Enabled(LevelError) {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatalf logs and exits the process. Only used from main packages.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}
