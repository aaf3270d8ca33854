package models

import (
	"strings"
	"time"
)

// LogLine is one line of analysis container output.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Format encodes l as a single stored line: "<RFC3339Nano> <stream> <text>".
func (l LogLine) Format() string {
	text := strings.ReplaceAll(l.Text, "\n", " ")
	return l.Time.UTC().Format(time.RFC3339Nano) + " " + l.Stream + " " + text
}

// ParseLogLine reverses Format.
func ParseLogLine(s string) (LogLine, bool) {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 {
		return LogLine{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return LogLine{}, false
	}
	l := LogLine{Time: ts, Stream: parts[1]}
	if len(parts) == 3 {
		l.Text = parts[2]
	}
	return l, true
}
