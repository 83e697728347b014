// Package logflags selects which layers of the extraction engine log, and
// where they log to.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var extractor = false
var machO = false
var archive = false
var resolver = false
var debugInfo = false
var cache = false

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	l := logrus.New()
	l.Formatter = textFormatterInstance
	l.Level = level
	if logOut != nil {
		l.Out = logOut
	} else {
		l.Out = colorable.NewColorableStderr()
	}
	return entry{l.WithFields(logrus.Fields(fields))}
}

// makeFlaggableLogger returns a logger that logs debug messages when flag
// is set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Extractor returns true if the metadata orchestrator should log.
func Extractor() bool {
	return extractor
}

// ExtractorLogger returns a logger for the metadata orchestrator and the
// ELF extractor.
func ExtractorLogger() Logger {
	return makeFlaggableLogger(extractor, Fields{"layer": "extractor"})
}

// MachO returns true if the Mach-O extractor should log.
func MachO() bool {
	return machO
}

// MachOLogger returns a logger for the Mach-O extractor.
func MachOLogger() Logger {
	return makeFlaggableLogger(machO, Fields{"layer": "extractor", "kind": "macho"})
}

// Archive returns true if the archive extractor should log.
func Archive() bool {
	return archive
}

func ArchiveLogger() Logger {
	return makeFlaggableLogger(archive, Fields{"layer": "extractor", "kind": "archive"})
}

// Resolver returns true if dependency resolution should be logged.
func Resolver() bool {
	return resolver
}

func ResolverLogger() Logger {
	return makeFlaggableLogger(resolver, Fields{"layer": "resolver"})
}

// DebugInfo returns true if debug sessions and the heuristic scan should
// be logged.
func DebugInfo() bool {
	return debugInfo
}

func DebugInfoLogger() Logger {
	return makeFlaggableLogger(debugInfo, Fields{"layer": "debuginfo"})
}

// Cache returns true if metadata cache hits and evictions should be logged.
func Cache() bool {
	return cache
}

func CacheLogger() Logger {
	return makeFlaggableLogger(cache, Fields{"layer": "cache"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := parseFd(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "heimdall-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "extractor"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch strings.TrimSpace(logcmd) {
		case "extractor":
			extractor = true
		case "macho":
			machO = true
		case "archive":
			archive = true
		case "resolver":
			resolver = true
		case "debuginfo":
			debugInfo = true
		case "cache":
			cache = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'heimdall help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

func parseFd(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || fmt.Sprint(n) != s {
		return 0, errors.New("not a file descriptor")
	}
	return n, nil
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(f.level(entry.Level))
	b.WriteByte(' ')
	keys := []string{"layer", "kind"}
	for _, k := range keys {
		if v, ok := entry.Data[k]; ok {
			fmt.Fprintf(&b, "%v ", v)
		}
	}
	for k, v := range entry.Data {
		if k == "layer" || k == "kind" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func (f *textFormatter) level(l logrus.Level) string {
	s := l.String()
	if logOut != nil || !isatty.IsTerminal(os.Stderr.Fd()) {
		return s
	}
	switch l {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "\x1b[31m" + s + "\x1b[0m"
	case logrus.WarnLevel:
		return "\x1b[33m" + s + "\x1b[0m"
	case logrus.DebugLevel, logrus.TraceLevel:
		return "\x1b[37m" + s + "\x1b[0m"
	}
	return s
}
