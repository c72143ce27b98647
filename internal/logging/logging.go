// Package logging provides the process-wide logger for the training driver.
// Callers use the formatted helpers so the backing logger can be swapped in
// tests.
package logging

import (
	"fmt"
	"io"
	"os"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger.
var L = clog.NewWithOptions(os.Stderr, clog.Options{ReportTimestamp: true})

var logFile *os.File

// Setup configures the log level and an optional file sink. Calling it more
// than once replaces the previous file sink.
func Setup(debug bool, path string) error {
	if debug {
		L.SetLevel(clog.DebugLevel)
	}
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	L.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// Close releases the file sink, if one was configured.
func Close() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	L.SetOutput(os.Stderr)
	return err
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...any) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...any) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...any) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...any) {
	L.Error(fmt.Sprintf(format, v...))
}
