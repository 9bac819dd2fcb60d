package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

// ErrRulePredicate is wrapped by every PredicateError.
var ErrRulePredicate = errors.New("rules: predicate error")

// PredicateError reports a rule whose predicate or key function panicked.
// Only that rule is skipped for the record.
type PredicateError struct {
	RuleID string
	Value  interface{}
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("rules: rule %s: predicate panicked: %v", e.RuleID, e.Value)
}

func (e *PredicateError) Unwrap() error { return ErrRulePredicate }

// Predicate kinds.
const (
	KindSeverity = "severity"
	KindPattern  = "pattern"
	KindRate     = "rate"
)

// Predicate is the closed set of match conditions: *SeverityPredicate,
// *PatternPredicate and *RatePredicate. Match must be pure.
type Predicate interface {
	Kind() string
	Match(rec model.LogRecord) bool
	isPredicate()
}

// SeverityPredicate matches records at or above Min.
type SeverityPredicate struct {
	Min     model.Severity
	Service string // optional exact service filter
}

func (p *SeverityPredicate) Kind() string { return KindSeverity }
func (p *SeverityPredicate) isPredicate() {}

func (p *SeverityPredicate) Match(rec model.LogRecord) bool {
	if p.Service != "" && rec.Service != p.Service {
		return false
	}
	return rec.Severity.AtLeast(p.Min)
}

// PatternPredicate matches a regexp against the message, or against one
// attribute when Field is set. A zero Min admits every severity.
type PatternPredicate struct {
	Regexp  *regexp.Regexp
	Field   string
	Service string
	Min     model.Severity
}

func (p *PatternPredicate) Kind() string { return KindPattern }
func (p *PatternPredicate) isPredicate() {}

func (p *PatternPredicate) Match(rec model.LogRecord) bool {
	if p.Service != "" && rec.Service != p.Service {
		return false
	}
	if p.Min.Valid() && !rec.Severity.AtLeast(p.Min) {
		return false
	}
	subject := rec.Message
	if p.Field != "" {
		v, ok := rec.Attributes[p.Field]
		if !ok {
			return false
		}
		subject = v
	}
	return p.Regexp.MatchString(subject)
}

// RatePredicate counts Inner matches per group over the rule window and
// holds once the count reaches the rule threshold. The counting state lives
// in the Classifier; Match only evaluates Inner.
type RatePredicate struct {
	Inner   Predicate
	GroupBy string // "" or "service" groups by service, anything else names an attribute
}

func (p *RatePredicate) Kind() string                   { return KindRate }
func (p *RatePredicate) isPredicate()                   {}
func (p *RatePredicate) Match(rec model.LogRecord) bool { return p.Inner.Match(rec) }

func (p *RatePredicate) groupKey(rec model.LogRecord) string {
	if p.GroupBy == "" || p.GroupBy == "service" {
		return rec.Service
	}
	return rec.Attributes[p.GroupBy]
}

// Dedup key kinds.
const (
	KeyService    = "service"
	KeyAttributes = "attributes"
	KeyTemplate   = "template"
)

// KeyFunc derives the dedup key of a candidate. Every kind prefixes the rule
// id so two rules never share a window.
type KeyFunc interface {
	Kind() string
	Key(ruleID string, rec model.LogRecord) string
	isKeyFunc()
}

// ServiceKey groups by rule and service. It is the default.
type ServiceKey struct{}

func (ServiceKey) Kind() string { return KeyService }
func (ServiceKey) isKeyFunc()   {}
func (ServiceKey) Key(ruleID string, rec model.LogRecord) string {
	return ruleID + "|" + rec.Service
}

// AttributesKey groups by rule and the listed attribute values.
type AttributesKey struct {
	Names []string
}

func (AttributesKey) Kind() string { return KeyAttributes }
func (AttributesKey) isKeyFunc()   {}
func (k AttributesKey) Key(ruleID string, rec model.LogRecord) string {
	var b strings.Builder
	b.WriteString(ruleID)
	for i, name := range k.Names {
		if i == 0 {
			b.WriteByte('|')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(rec.Attributes[name])
	}
	return b.String()
}

// TemplateKey groups by rule, service and the message with variable parts
// replaced by placeholders.
type TemplateKey struct{}

func (TemplateKey) Kind() string { return KeyTemplate }
func (TemplateKey) isKeyFunc()   {}
func (TemplateKey) Key(ruleID string, rec model.LogRecord) string {
	return ruleID + "|" + rec.Service + "|" + Template(rec.Message)
}

// Rule is immutable once loaded.
type Rule struct {
	ID        string
	Predicate Predicate
	Window    time.Duration
	Threshold int
	DedupKey  KeyFunc
}

// Validate checks a single rule.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("id is required")
	}
	if r.Predicate == nil {
		return errors.New("predicate is required")
	}
	if r.Window <= 0 {
		return errors.New("window must be positive")
	}
	if r.Threshold < 1 {
		return errors.New("threshold must be at least 1")
	}
	if r.DedupKey == nil {
		return errors.New("dedup key is required")
	}
	if rate, ok := r.Predicate.(*RatePredicate); ok {
		if rate.Inner == nil {
			return errors.New("rate predicate needs an inner match")
		}
		if _, nested := rate.Inner.(*RatePredicate); nested {
			return errors.New("rate predicates cannot be nested")
		}
	}
	return nil
}

// Describe renders a one-line summary for CLI output.
func (r Rule) Describe() string {
	var cond string
	switch p := r.Predicate.(type) {
	case *SeverityPredicate:
		cond = describeSeverity(p)
	case *PatternPredicate:
		cond = describePattern(p)
	case *RatePredicate:
		inner := ""
		switch ip := p.Inner.(type) {
		case *SeverityPredicate:
			inner = describeSeverity(ip)
		case *PatternPredicate:
			inner = describePattern(ip)
		}
		group := p.GroupBy
		if group == "" {
			group = "service"
		}
		cond = fmt.Sprintf("count(%s) by %s >= %d", inner, group, r.Threshold)
	}
	key := r.DedupKey.Kind()
	if ak, ok := r.DedupKey.(AttributesKey); ok {
		names := append([]string(nil), ak.Names...)
		sort.Strings(names)
		key += "(" + strings.Join(names, ",") + ")"
	}
	return fmt.Sprintf("%s: %s %s window=%s dedup=%s", r.ID, r.Predicate.Kind(), cond, r.Window, key)
}

func describeSeverity(p *SeverityPredicate) string {
	s := "severity>=" + p.Min.String()
	if p.Service != "" {
		s += " service=" + p.Service
	}
	return s
}

func describePattern(p *PatternPredicate) string {
	target := "message"
	if p.Field != "" {
		target = "attributes." + p.Field
	}
	s := fmt.Sprintf("%s=~/%s/", target, p.Regexp.String())
	if p.Min.Valid() {
		s += " severity>=" + p.Min.String()
	}
	if p.Service != "" {
		s += " service=" + p.Service
	}
	return s
}
