// Package logging provides the process-wide logger constructors.
//
// Every component logs through a stdlib *log.Logger with a bracketed
// component prefix. The daemon additionally mirrors output to a
// size-rotated file under the workspace directory.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a stderr logger with the standard component prefix.
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

// NewRotating returns a logger that writes to both stderr and a
// size-rotated log file. Used by the long-running daemon where stderr
// alone is not durable.
func NewRotating(path, component string) *log.Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return log.New(io.MultiWriter(os.Stderr, rotator), "["+component+"] ", log.LstdFlags)
}

// DefaultLogPath returns the daemon log location inside the workspace
// directory, e.g. <dir>/logs/bsync.log.
func DefaultLogPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, "logs", "bsync.log")
}
