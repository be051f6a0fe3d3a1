// Package buslog is the bus daemon's logging facade. It keeps the level
// guard and ring-buffer shape of minimega's pkg/minilog but delegates
// formatting and output to logrus, and console coloring to fatih/color
// instead of hand-rolled ANSI escapes.
package buslog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelColor = map[Level]*color.Color{
	DEBUG: color.New(color.FgCyan),
	INFO:  color.New(color.FgGreen),
	WARN:  color.New(color.FgYellow),
	ERROR: color.New(color.FgRed),
	FATAL: color.New(color.FgRed, color.Bold),
}

var levelName = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// logger is the package-wide logger instance, analogous to minilog's single
// package-level *minilogger. Guarded by mu since Setup may be called
// concurrently with logging from already-running connections during tests.
var (
	mu     sync.RWMutex
	level  = INFO
	color_ = false
	out    = logrus.New()
	ring   = newRing(1024)
)

func init() {
	out.SetOutput(os.Stderr)
	out.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false})
	// level filtering is done by WillLog; logrus itself passes every level.
	out.SetLevel(logrus.DebugLevel)
}

// Setup configures the package-wide logger. w is nil to keep the existing
// output (stderr by default).
func Setup(lvl Level, useColor bool, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	level = lvl
	color_ = useColor
	if w != nil {
		out.SetOutput(w)
	}
}

// WillLog reports whether a message at lvl would actually be emitted,
// letting callers skip building an expensive message (mirrors minilog's
// log.WillLog guard used throughout meshage and ron).
func WillLog(lvl Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return lvl >= level
}

func logf(lvl Level, format string, args ...interface{}) {
	if !WillLog(lvl) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ring.add(lvl, msg)

	mu.RLock()
	useColor := color_
	mu.RUnlock()

	line := "[" + levelName[lvl] + "] " + msg
	if useColor {
		line = levelColor[lvl].Sprint(line)
	}

	switch lvl {
	case DEBUG:
		out.Debugln(line)
	case INFO:
		out.Infoln(line)
	case WARN:
		out.Warnln(line)
	case ERROR:
		out.Errorln(line)
	case FATAL:
		out.Fatalln(line)
	}
}

func Debug(format string, args ...interface{}) { logf(DEBUG, format, args...) }
func Info(format string, args ...interface{})  { logf(INFO, format, args...) }
func Warn(format string, args ...interface{})  { logf(WARN, format, args...) }
func Error(format string, args ...interface{}) { logf(ERROR, format, args...) }
func Fatal(format string, args ...interface{}) { logf(FATAL, format, args...) }

func Debugln(args ...interface{}) { logf(DEBUG, "%s", fmt.Sprint(args...)) }
func Infoln(args ...interface{})  { logf(INFO, "%s", fmt.Sprint(args...)) }
func Warnln(args ...interface{})  { logf(WARN, "%s", fmt.Sprint(args...)) }
func Errorln(args ...interface{}) { logf(ERROR, "%s", fmt.Sprint(args...)) }

// Recent returns up to n of the most recently logged lines, newest last.
func Recent(n int) []string {
	return ring.recent(n)
}
