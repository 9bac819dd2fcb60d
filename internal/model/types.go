package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered log level of a record.
type Severity int

const (
	SeverityDebug Severity = iota + 1
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

var severityNames = map[Severity]string{
	SeverityDebug: "DEBUG",
	SeverityInfo:  "INFO",
	SeverityWarn:  "WARN",
	SeverityError: "ERROR",
	SeverityFatal: "FATAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether s is one of the five defined levels.
func (s Severity) Valid() bool {
	return s >= SeverityDebug && s <= SeverityFatal
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

// MarshalText encodes the severity by name so archives and bus payloads stay readable.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the canonical names only and rejects anything else.
// Alias normalization (WARNING, ERR, ...) lives in logparse.
func (s *Severity) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("model: unknown severity %q", text)
}

// LogRecord is one log entry emitted by a service.
// Once submitted it is never mutated; stages hand each other copies.
type LogRecord struct {
	Service    string            `json:"source_service"`
	Timestamp  time.Time         `json:"timestamp"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of r.
func (r LogRecord) Clone() LogRecord {
	out := r
	if len(r.Attributes) == 0 {
		out.Attributes = nil
		return out
	}
	attrs := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	out.Attributes = attrs
	return out
}

// ArchiveBatch is a group of records written to the archive store as one object.
type ArchiveBatch struct {
	ID        string      `json:"batch_id"`
	Records   []LogRecord `json:"records"`
	CreatedAt time.Time   `json:"created_at"`
}

// AlertCandidate is a single rule match produced by the classifier.
// Window is the owning rule's aggregation window.
type AlertCandidate struct {
	RuleID    string
	DedupKey  string
	Record    LogRecord
	FirstSeen time.Time
	Window    time.Duration
}

// Alert is the aggregate of all candidates sharing a dedup key inside one window.
type Alert struct {
	ID              string    `json:"alert_id"`
	RuleID          string    `json:"rule_id"`
	DedupKey        string    `json:"dedup_key"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	SampleRecord    LogRecord `json:"sample_record"`
}
