package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/vigil/internal/logparse"
	"github.com/tinytelemetry/vigil/internal/model"
)

type fileSpec struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID        string    `yaml:"id"`
	Kind      string    `yaml:"kind"`
	Severity  string    `yaml:"severity"`
	Pattern   string    `yaml:"pattern"`
	Field     string    `yaml:"field"`
	Service   string    `yaml:"service"`
	GroupBy   string    `yaml:"group_by"`
	Window    string    `yaml:"window"`
	Threshold int       `yaml:"threshold"`
	Dedup     dedupSpec `yaml:"dedup"`
}

type dedupSpec struct {
	Kind       string   `yaml:"kind"`
	Attributes []string `yaml:"attributes"`
}

// LoadFile reads a YAML rule file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes and validates a rule document. Unknown keys are rejected and
// every invalid rule is reported, not just the first.
func Parse(data []byte) ([]Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc fileSpec
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}

	var (
		out  []Rule
		errs []error
		seen = map[string]bool{}
	)
	for i, rs := range doc.Rules {
		r, err := rs.build()
		if err == nil && seen[r.ID] {
			err = errors.New("duplicate id")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i+1, rs.ID, err))
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("rules: invalid rules: %w", errors.Join(errs...))
	}
	return out, nil
}

func (rs ruleSpec) build() (Rule, error) {
	r := Rule{
		ID:        strings.TrimSpace(rs.ID),
		Threshold: rs.Threshold,
	}
	if r.Threshold == 0 {
		r.Threshold = 1
	}

	if rs.Window == "" {
		return Rule{}, errors.New("window is required")
	}
	window, err := time.ParseDuration(rs.Window)
	if err != nil {
		return Rule{}, fmt.Errorf("window: %w", err)
	}
	r.Window = window

	kind := strings.ToLower(strings.TrimSpace(rs.Kind))
	switch kind {
	case KindSeverity:
		minSev, err := parseMinSeverity(rs.Severity, true)
		if err != nil {
			return Rule{}, err
		}
		r.Predicate = &SeverityPredicate{Min: minSev, Service: rs.Service}
	case KindPattern:
		p, err := rs.patternPredicate()
		if err != nil {
			return Rule{}, err
		}
		r.Predicate = p
	case KindRate:
		var inner Predicate
		if rs.Pattern != "" {
			p, err := rs.patternPredicate()
			if err != nil {
				return Rule{}, err
			}
			inner = p
		} else {
			minSev, err := parseMinSeverity(rs.Severity, true)
			if err != nil {
				return Rule{}, err
			}
			inner = &SeverityPredicate{Min: minSev, Service: rs.Service}
		}
		r.Predicate = &RatePredicate{Inner: inner, GroupBy: rs.GroupBy}
	case "":
		return Rule{}, errors.New("kind is required")
	default:
		return Rule{}, fmt.Errorf("unknown kind %q (want severity, pattern or rate)", rs.Kind)
	}
	if kind != KindRate && rs.GroupBy != "" {
		return Rule{}, errors.New("group_by only applies to rate rules")
	}

	switch strings.ToLower(strings.TrimSpace(rs.Dedup.Kind)) {
	case "", KeyService:
		r.DedupKey = ServiceKey{}
	case KeyAttributes:
		if len(rs.Dedup.Attributes) == 0 {
			return Rule{}, errors.New("dedup attributes key needs at least one attribute")
		}
		r.DedupKey = AttributesKey{Names: append([]string(nil), rs.Dedup.Attributes...)}
	case KeyTemplate:
		r.DedupKey = TemplateKey{}
	default:
		return Rule{}, fmt.Errorf("unknown dedup kind %q (want service, attributes or template)", rs.Dedup.Kind)
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (rs ruleSpec) patternPredicate() (*PatternPredicate, error) {
	if rs.Pattern == "" {
		return nil, errors.New("pattern is required")
	}
	re, err := regexp.Compile(rs.Pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	minSev, err := parseMinSeverity(rs.Severity, false)
	if err != nil {
		return nil, err
	}
	return &PatternPredicate{Regexp: re, Field: rs.Field, Service: rs.Service, Min: minSev}, nil
}

func parseMinSeverity(s string, required bool) (model.Severity, error) {
	if strings.TrimSpace(s) == "" {
		if required {
			return 0, errors.New("severity is required")
		}
		return 0, nil
	}
	sev, ok := logparse.ParseSeverity(s)
	if !ok {
		return 0, fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}
