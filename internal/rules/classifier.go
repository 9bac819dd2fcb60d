package rules

import (
	"log"
	"time"

	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
)

// ClassifierConfig holds optional collaborators.
type ClassifierConfig struct {
	Metrics *metrics.Metrics
	// OnError receives every recovered predicate failure.
	OnError func(*PredicateError)
	// Counters is shared by every classifier over the same rules. A private
	// set is created when nil.
	Counters *RateCounters
}

// Classifier evaluates records against rules in declaration order. A
// Classifier is not safe for concurrent use; run one per partition and share
// the RateCounters between them.
type Classifier struct {
	rules []Rule
	cfg   ClassifierConfig
	now   func() time.Time
}

func NewClassifier(rules []Rule, conf ...ClassifierConfig) *Classifier {
	c := &Classifier{
		rules: append([]Rule(nil), rules...),
		now:   time.Now,
	}
	if len(conf) > 0 {
		c.cfg = conf[0]
	}
	if c.cfg.Counters == nil {
		c.cfg.Counters = NewRateCounters()
	}
	return c
}

// Rules returns the rule set in declaration order.
func (c *Classifier) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Classify returns one candidate per matching rule, in rule order.
func (c *Classifier) Classify(rec model.LogRecord) []model.AlertCandidate {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}

	var out []model.AlertCandidate
	for i := range c.rules {
		cand, ok, err := c.evaluate(&c.rules[i], rec)
		if err != nil {
			c.reportError(err)
			continue
		}
		if ok {
			out = append(out, cand)
		}
	}
	c.cfg.Metrics.Candidates(len(out))
	return out
}

func (c *Classifier) evaluate(rule *Rule, rec model.LogRecord) (cand model.AlertCandidate, matched bool, err *PredicateError) {
	defer func() {
		if r := recover(); r != nil {
			cand, matched = model.AlertCandidate{}, false
			err = &PredicateError{RuleID: rule.ID, Value: r}
		}
	}()

	if !rule.Predicate.Match(rec) {
		return model.AlertCandidate{}, false, nil
	}
	if rate, ok := rule.Predicate.(*RatePredicate); ok {
		if c.cfg.Counters.Add(*rule, rate.groupKey(rec), rec.Timestamp) < rule.Threshold {
			return model.AlertCandidate{}, false, nil
		}
	}

	return model.AlertCandidate{
		RuleID:    rule.ID,
		DedupKey:  rule.DedupKey.Key(rule.ID, rec),
		Record:    rec,
		FirstSeen: rec.Timestamp,
		Window:    rule.Window,
	}, true, nil
}

func (c *Classifier) reportError(err *PredicateError) {
	log.Printf("rules: %v", err)
	c.cfg.Metrics.RuleError(err.RuleID)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
