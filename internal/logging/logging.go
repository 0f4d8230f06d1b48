// Package logging configures the process-wide structured logger and exposes a
// verbose-mode toggle that gates expensive debug detail on hot paths.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var verboseEnabled atomic.Bool

func init() {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE_LOGGING"))); env != "" {
		switch env {
		case "1", "true", "yes", "y", "on":
			verboseEnabled.Store(true)
		case "0", "false", "no", "n", "off":
			verboseEnabled.Store(false)
		}
	}
}

// VerboseEnabled reports whether verbose logging is enabled. The providers'
// non-200 response paths gate upstream body snippet logging on this so the
// common case pays no formatting cost.
func VerboseEnabled() bool {
	return verboseEnabled.Load()
}

// SetVerboseEnabled updates the verbose toggle at runtime. It does not change
// the logrus level, only whether debug-only snippets are captured.
func SetVerboseEnabled(enabled bool) {
	verboseEnabled.Store(enabled)
}

// Options configures process-wide logging.
type Options struct {
	// Debug raises the logrus level to Debug.
	Debug bool
	// LogFile, when non-empty, rotates logs through lumberjack instead of
	// writing to stderr.
	LogFile string
}

// Configure sets up the package-level logrus logger. It is called once at
// startup from cmd/cm-gateway.
func Configure(opts Options) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level := log.InfoLevel
	if opts.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	var out io.Writer = os.Stderr
	if strings.TrimSpace(opts.LogFile) != "" {
		out = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	log.SetOutput(out)
}
