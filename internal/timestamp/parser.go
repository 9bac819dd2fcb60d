package timestamp

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of looking for a leading timestamp in a log line.
type Result struct {
	Timestamp time.Time
	Found     bool
	Remaining string
}

type layoutPattern struct {
	re      *regexp.Regexp
	layouts []string
	fill    func(time.Time, time.Time) time.Time
}

// Parser recognizes the timestamp shapes agents commonly prepend to lines.
type Parser struct {
	patterns []layoutPattern
	prefix   *regexp.Regexp
	now      func() time.Time
}

// NewParser builds a parser with the built-in layouts.
func NewParser() *Parser {
	keep := func(ts, _ time.Time) time.Time { return ts }
	return &Parser{
		now:    time.Now,
		prefix: regexp.MustCompile(`^\s*\[?(?i:TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b\]?:?\s*`),
		patterns: []layoutPattern{
			{
				re:      regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`),
				layouts: []string{time.RFC3339Nano},
				fill:    keep,
			},
			{
				re:      regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?`),
				layouts: []string{"2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"},
				fill:    keep,
			},
			{
				re:      regexp.MustCompile(`^[A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}`),
				layouts: []string{time.Stamp},
				fill: func(ts, now time.Time) time.Time {
					return time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
				},
			},
			{
				re:      regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(?:\.\d+)?`),
				layouts: []string{"15:04:05.999999999"},
				fill: func(ts, now time.Time) time.Time {
					y, m, d := now.UTC().Date()
					return time.Date(y, m, d, ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
				},
			},
		},
	}
}

// ParseFromText looks for a timestamp at the start of text.
func (p *Parser) ParseFromText(text string) Result {
	trimmed := strings.TrimLeft(text, " \t")
	for _, pat := range p.patterns {
		m := pat.re.FindString(trimmed)
		if m == "" {
			continue
		}
		candidate := strings.Replace(m, ",", ".", 1)
		for _, layout := range pat.layouts {
			ts, err := time.Parse(layout, candidate)
			if err != nil {
				continue
			}
			return Result{
				Timestamp: pat.fill(ts, p.now()).UTC(),
				Found:     true,
				Remaining: strings.TrimSpace(trimmed[len(m):]),
			}
		}
	}
	return Result{Remaining: text}
}

// ParseTimestamp interprets a decoded JSON value as an instant. Strings are
// parsed as text timestamps or decimal epochs; numbers are epochs whose unit
// is inferred from magnitude (seconds, millis, micros, nanos).
func (p *Parser) ParseTimestamp(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return parseUnix(n)
		}
		res := p.ParseFromText(s)
		if res.Found && res.Remaining == "" {
			return res.Timestamp, true
		}
		return time.Time{}, false
	case float64:
		return parseUnix(v)
	case int:
		return parseUnix(float64(v))
	case int64:
		return parseUnix(float64(v))
	case uint64:
		return parseUnix(float64(v))
	}
	return time.Time{}, false
}

// ExtractLogMessage strips a leading timestamp and severity tag from line.
func (p *Parser) ExtractLogMessage(line string) string {
	rest := p.ParseFromText(line).Remaining
	msg := p.prefix.ReplaceAllString(rest, "")
	if strings.TrimSpace(msg) == "" {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(msg)
}

func parseUnix(n float64) (time.Time, bool) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, false
	}
	switch {
	case n < 1e11:
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case n < 1e14:
		return time.UnixMilli(int64(n)).UTC(), true
	case n < 1e17:
		return time.UnixMicro(int64(n)).UTC(), true
	default:
		return time.Unix(0, int64(n)).UTC(), true
	}
}
