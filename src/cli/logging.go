// Contains various utility functions related to logging.

package cli

import (
	"os"
	"path"

	cli "github.com/peterebden/go-cli-init/v5/logging"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cli")

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = isATerminal(os.Stderr)

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity = cli.Verbosity

var fileLogLevel = logging.WARNING
var fileBackend logging.Backend

// InitLogging initialises the stderr logging backend at the given verbosity.
func InitLogging(verbosity Verbosity) {
	setLogBackend(logging.Level(verbosity), logging.NewLogBackend(os.Stderr, "", 0))
}

// InitFileLogging initialises an additional logging backend that writes to a file.
func InitFileLogging(logFile string, logFileLevel Verbosity) {
	fileLogLevel = logging.Level(logFileLevel)
	if err := os.MkdirAll(path.Dir(logFile), os.ModeDir|0775); err != nil {
		log.Fatalf("failed to create log file directory: %s", err)
	}
	file, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("failed to open log file: %s", err)
	}
	fileBackend = logging.NewBackendFormatter(logging.NewLogBackend(file, "", 0), logFormatter(false))
	setLogBackend(logging.GetLevel(""), logging.NewLogBackend(os.Stderr, "", 0))
}

func setLogBackend(level logging.Level, stderrBackend logging.Backend) {
	formatted := logging.NewBackendFormatter(stderrBackend, logFormatter(StdErrIsATerminal))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	if fileBackend == nil {
		logging.SetBackend(leveled)
		return
	}
	fileLeveled := logging.AddModuleLevel(fileBackend)
	fileLeveled.SetLevel(fileLogLevel, "")
	logging.SetBackend(logging.MultiLogger(leveled, fileLeveled))
}

func logFormatter(coloured bool) logging.Formatter {
	formatStr := "%{time:15:04:05.000} %{level:7s}: %{message}"
	if coloured {
		formatStr = "%{color}" + formatStr + "%{color:reset}"
	}
	return logging.MustStringFormatter(formatStr)
}

// HTTPLogWrapper wraps the standard logger to implement the LeveledLogger
// interface from retryablehttp, so the S3/HTTP backend's retry machinery
// logs through the same structured logger as everything else.
type HTTPLogWrapper struct {
	Log *logging.Logger
}

// Error logs at error level.
func (w *HTTPLogWrapper) Error(msg string, keysAndValues ...interface{}) {
	w.Log.Errorf("%v: %v", msg, keysAndValues)
}

// Info logs at info level.
func (w *HTTPLogWrapper) Info(msg string, keysAndValues ...interface{}) {
	w.Log.Infof("%v: %v", msg, keysAndValues)
}

// Debug logs at debug level.
func (w *HTTPLogWrapper) Debug(msg string, keysAndValues ...interface{}) {
	w.Log.Debugf("%v: %v", msg, keysAndValues)
}

// Warn logs at warning level.
func (w *HTTPLogWrapper) Warn(msg string, keysAndValues ...interface{}) {
	w.Log.Warningf("%v: %v", msg, keysAndValues)
}

func isATerminal(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}
