// Package toulog wires the tou module's components into dlib's
// context-carried logging, the way every binary in this module's
// teacher lineage sets up its root logger.
package toulog

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// Formatter renders log entries as "<timestamp> <goroutine-name>
// <message> key=value...", matching the plain, greppable line format
// used across this codebase's daemons.
type Formatter struct {
	timestampFormat string
}

// NewFormatter builds a Formatter using the given time.Format layout.
func NewFormatter(timestampFormat string) *Formatter {
	return &Formatter{timestampFormat: timestampFormat}
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')

	var keys []string
	if len(entry.Data) > 0 {
		keys = make([]string, 0, len(entry.Data))
		for k, v := range entry.Data {
			if k == "THREAD" {
				tn, _ := v.(string)
				tn = strings.TrimPrefix(tn, "/")
				b.WriteString(tn)
				b.WriteByte(' ')
			} else {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}

	b.WriteString(entry.Message)
	for _, k := range keys {
		v := entry.Data[k]
		fmt.Fprintf(b, " %s=%+v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

const defaultTimestampFormat = "2006-01-02 15:04:05.0000"

// MakeBaseLogger builds the module's root logger and attaches it to
// ctx. levelName is typically sourced from an environment variable or
// config field; an empty or unrecognized value falls back to info.
func MakeBaseLogger(ctx context.Context, levelName string) context.Context {
	logger := logrus.New()
	logger.SetFormatter(NewFormatter(defaultTimestampFormat))

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}
