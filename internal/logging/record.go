package logging

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Level int8

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	NoticeLevel
	WarningLevel
	ErrorLevel
	CriticalLevel
)

var levelNames = [...]string{
	TraceLevel:    "trace",
	DebugLevel:    "debug",
	InfoLevel:     "info",
	NoticeLevel:   "notice",
	WarningLevel:  "warning",
	ErrorLevel:    "error",
	CriticalLevel: "critical",
}

func (l Level) String() string {
	if l < TraceLevel || l > CriticalLevel {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// ParseLevel is the inverse of Level.String. "warn" is accepted as an alias.
func ParseLevel(name string) (Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warn" {
		return WarningLevel, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", name)
}

// Field is a single metadata entry.
type Field struct {
	Key   string
	Value any
}

// Metadata is an ordered set of fields with unique keys.
type Metadata []Field

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (m Metadata) Len() int {
	return len(m)
}

// Merge returns a new Metadata where fields of other replace fields with the
// same key in place and unknown keys are appended in the order of other.
// Neither receiver nor argument is modified.
func (m Metadata) Merge(other Metadata) Metadata {
	if len(other) == 0 {
		return slices.Clone(m)
	}
	merged := make(Metadata, len(m), len(m)+len(other))
	copy(merged, m)

	index := make(map[string]int, len(merged)+len(other))
	for i, f := range merged {
		index[f.Key] = i
	}
	for _, f := range other {
		if i, ok := index[f.Key]; ok {
			merged[i].Value = f.Value
			continue
		}
		index[f.Key] = len(merged)
		merged = append(merged, f)
	}
	return merged
}

// Record is one log entry flowing through the pipeline.
type Record struct {
	Level     Level
	Body      string
	Metadata  Metadata
	Timestamp time.Time

	// Label is the logical source name, e.g. the logger name.
	Label string

	// Call site. Empty when the producer doesn't capture it.
	Source   string
	File     string
	Function string
	Line     int
}
