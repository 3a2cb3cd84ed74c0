package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter renders log entries as "timestamp LEVEL file:line message",
// matching the daemon's console output whether it is run attached to a
// terminal or under a supervisor that collects stderr.
type Formatter struct{}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	if entry.Caller != nil {
		fmt.Fprintf(b, "%s %s: %s:%d %s\n", timestamp, level, path.Base(entry.Caller.File), entry.Caller.Line, entry.Message)
	} else {
		fmt.Fprintf(b, "%s %s: %s\n", timestamp, level, entry.Message)
	}
	return b.Bytes(), nil
}

// New builds a logger at the given verbosity level, writing to out.
// level follows the CLI's --verbose convention: 0 is Info, negative
// values raise the severity threshold (quieter), positive values lower
// it (chattier), clamped to logrus's valid range.
func New(level int64, out io.Writer) *logrus.Logger {
	idx := level + 4 // logrus.InfoLevel
	if idx > int64(len(logrus.AllLevels)-1) {
		idx = int64(len(logrus.AllLevels) - 1)
	}
	if idx < 0 {
		idx = 0
	}
	l := logrus.New()
	l.SetLevel(logrus.AllLevels[idx])
	l.SetReportCaller(true)
	l.SetFormatter(&Formatter{})
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	return l
}
