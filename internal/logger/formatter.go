package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// FixedFormatWriter rewrites zerolog JSON lines into aligned columns for log
// files read by operators:
//
//	2026-02-26 12:00:00.000 [INF] [worker         ] Worker started target=example.com:8080/chat
//	2026-02-26 12:00:01.200 [ERR] [ws-engine      ] Read failed error="connection reset"
//
// Values longer than maxValueWidth (typically message payloads) are cut.
type FixedFormatWriter struct {
	w io.Writer
}

// NewFixedFormatWriter creates a new FixedFormatWriter that wraps the given writer.
func NewFixedFormatWriter(w io.Writer) *FixedFormatWriter {
	return &FixedFormatWriter{w: w}
}

const (
	componentWidth = 15
	timestampWidth = 23
	maxValueWidth  = 80
	timestampFmt   = "2006-01-02 15:04:05.000"
)

var levelTags = map[string]string{
	"trace": "TRC",
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FTL",
	"panic": "PNC",
}

// Write always reports len(p) on success, as zerolog expects.
func (f *FixedFormatWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return f.w.Write(p)
	}

	delete(fields, zerolog.CallerFieldName)
	ts := formatTimestamp(popString(fields, zerolog.TimestampFieldName))
	lvl, ok := levelTags[popString(fields, zerolog.LevelFieldName)]
	if !ok {
		lvl = "???"
	}
	comp := popString(fields, "component")
	if len(comp) > componentWidth {
		comp = comp[:componentWidth]
	}
	msg := popString(fields, zerolog.MessageFieldName)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%-*s] %s", ts, lvl, componentWidth, comp, msg)
	if extra := formatExtra(fields); extra != "" {
		b.WriteByte(' ')
		b.WriteString(extra)
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(f.w, b.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// popString removes key from fields and returns its value as text.
func popString(fields map[string]interface{}, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	delete(fields, key)
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// formatTimestamp renders an RFC3339 timestamp in its own offset as
// "2006-01-02 15:04:05.000". Unparseable input is padded or cut to width.
func formatTimestamp(ts string) string {
	if ts == "" {
		return strings.Repeat(" ", timestampWidth)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Sprintf("%-*.*s", timestampWidth, timestampWidth, ts)
	}
	return t.Format(timestampFmt)
}

// formatExtra builds a sorted "key=value key2=value2" string.
func formatExtra(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(fields[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	s := fmt.Sprint(v)
	if len(s) > maxValueWidth {
		cut := maxValueWidth
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = fmt.Sprintf("%s...(%d bytes)", s[:cut], len(s))
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return strconv.Quote(s)
	}
	return s
}
