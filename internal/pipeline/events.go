package pipeline

import (
	"fmt"
	"time"
)

// EventKind classifies operator-facing conditions.
type EventKind string

const (
	ArchivalDegraded   EventKind = "archival_degraded"
	DispatchFailed     EventKind = "dispatch_failed"
	RulePredicateError EventKind = "rule_predicate_error"
	ComponentFailed    EventKind = "component_failed"
)

// Event is a durability-risk or dead-letter condition. Events never flow back
// into the ingest path; they are for operators and health reporting.
type Event struct {
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`
	Component string    `json:"component,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Leg       string    `json:"leg,omitempty"`
	Err       error     `json:"-"`
}

func (e Event) String() string {
	subject := e.Component
	switch {
	case e.BatchID != "":
		subject = "batch " + e.BatchID
	case e.AlertID != "":
		subject = fmt.Sprintf("alert %s (%s leg)", e.AlertID, e.Leg)
	case e.RuleID != "":
		subject = "rule " + e.RuleID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, subject, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, subject)
}
