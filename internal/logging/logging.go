package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var debug atomic.Bool

// Configure routes the standard logger to a rotating file at path, mirrored
// to stderr. An empty path logs to stderr only.
func Configure(path string, verbose bool) io.Closer {
	debug.Store(verbose)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if path == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   false,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return file
}

// Debugf logs only when verbose output was requested.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf("DEBUG "+format, args...)
	}
}
