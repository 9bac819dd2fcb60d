package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

const validRules = `
rules:
  - id: payments-errors
    kind: severity
    severity: error
    service: payments
    window: 1m
  - id: db-timeouts
    kind: pattern
    pattern: '(?i)timeout'
    window: 30s
    dedup:
      kind: template
  - id: error-burst
    kind: rate
    severity: error
    group_by: host
    window: 60s
    threshold: 5
    dedup:
      kind: attributes
      attributes: [host]
`

func TestParse_ValidDocument(t *testing.T) {
	rules, err := Parse([]byte(validRules))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(rules))
	}

	sev, ok := rules[0].Predicate.(*SeverityPredicate)
	if !ok || sev.Min != model.SeverityError || sev.Service != "payments" {
		t.Errorf("rule 0 predicate = %#v", rules[0].Predicate)
	}
	if rules[0].Threshold != 1 || rules[0].DedupKey.Kind() != KeyService {
		t.Errorf("rule 0 defaults = threshold %d dedup %s", rules[0].Threshold, rules[0].DedupKey.Kind())
	}

	if rules[1].Window != 30*time.Second || rules[1].DedupKey.Kind() != KeyTemplate {
		t.Errorf("rule 1 = %s", rules[1].Describe())
	}

	rate, ok := rules[2].Predicate.(*RatePredicate)
	if !ok || rate.GroupBy != "host" {
		t.Fatalf("rule 2 predicate = %#v", rules[2].Predicate)
	}
	if rules[2].Threshold != 5 {
		t.Errorf("threshold = %d, want 5", rules[2].Threshold)
	}
	if got := rules[2].Describe(); !strings.Contains(got, "count(severity>=ERROR) by host >= 5") {
		t.Errorf("Describe = %q", got)
	}
}

func TestParse_ReportsEveryInvalidRule(t *testing.T) {
	doc := `
rules:
  - id: no-window
    kind: severity
    severity: error
  - id: bad-regex
    kind: pattern
    pattern: '(['
    window: 1m
  - id: ok
    kind: severity
    severity: warn
    window: 1m
  - id: bad-kind
    kind: anomaly
    window: 1m
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"no-window", "bad-regex", "bad-kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if strings.Contains(err.Error(), "(ok)") {
		t.Errorf("valid rule reported as invalid: %v", err)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown key",
			doc:  "rules:\n  - id: a\n    kind: severity\n    severity: error\n    window: 1m\n    colour: red\n",
			want: "colour",
		},
		{
			name: "duplicate id",
			doc:  "rules:\n  - {id: a, kind: severity, severity: error, window: 1m}\n  - {id: a, kind: severity, severity: warn, window: 1m}\n",
			want: "duplicate id",
		},
		{
			name: "negative threshold",
			doc:  "rules:\n  - {id: a, kind: rate, severity: error, window: 1m, threshold: -2}\n",
			want: "threshold",
		},
		{
			name: "group_by on severity rule",
			doc:  "rules:\n  - {id: a, kind: severity, severity: error, window: 1m, group_by: host}\n",
			want: "group_by",
		},
		{
			name: "attributes key without names",
			doc:  "rules:\n  - {id: a, kind: severity, severity: error, window: 1m, dedup: {kind: attributes}}\n",
			want: "at least one attribute",
		},
		{
			name: "unknown severity",
			doc:  "rules:\n  - {id: a, kind: severity, severity: loud, window: 1m}\n",
			want: "unknown severity",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	rules, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules = %d", len(rules))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(validRules), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules = %d", len(rules))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_NestedRate(t *testing.T) {
	r := Rule{
		ID:        "nested",
		Predicate: &RatePredicate{Inner: &RatePredicate{Inner: &SeverityPredicate{Min: model.SeverityError}}},
		Window:    time.Minute,
		Threshold: 2,
		DedupKey:  ServiceKey{},
	}
	if err := r.Validate(); err == nil {
		t.Fatal("nested rate predicate should be rejected")
	}
}
