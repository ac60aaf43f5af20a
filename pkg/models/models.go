package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PolicyType is the closed set of policy kinds a handler can evaluate.
type PolicyType string

const (
	PolicyTypeRule     PolicyType = "rule"
	PolicyTypeSemantic PolicyType = "semantic"
	PolicyTypeML       PolicyType = "ml"
)

// KnownPolicyTypes lists every policy kind in registration-independent order.
var KnownPolicyTypes = []PolicyType{PolicyTypeRule, PolicyTypeSemantic, PolicyTypeML}

// ParsePolicyType normalizes a wire value. "pytorch" is accepted as an alias of ml.
// Unknown values are returned unchanged with ok=false so callers can skip them.
func ParsePolicyType(raw string) (PolicyType, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "rule":
		return PolicyTypeRule, true
	case "semantic":
		return PolicyTypeSemantic, true
	case "ml", "pytorch":
		return PolicyTypeML, true
	default:
		return PolicyType(raw), false
	}
}

// Known reports whether t is one of the closed set of policy kinds.
func (t PolicyType) Known() bool {
	switch t {
	case PolicyTypeRule, PolicyTypeSemantic, PolicyTypeML:
		return true
	default:
		return false
	}
}

func (t *PolicyType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("policy type: %w", err)
	}
	*t, _ = ParsePolicyType(s)
	return nil
}

func (t *PolicyType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*t, _ = ParsePolicyType(s)
	return nil
}

// Policy is a named condition sourced from the policy directory. Immutable once fetched.
type Policy struct {
	Name       string     `json:"name" yaml:"name"`
	Type       PolicyType `json:"type" yaml:"type"`
	Expression string     `json:"expression" yaml:"expression"`
}

// EvaluationContext is built per request and is read-only to handlers.
type EvaluationContext struct {
	Resource any
}

// Decision is the verdict for one policy within one evaluation.
type Decision struct {
	Policy string `json:"policy"`
	Pass   bool   `json:"pass"`
}

// DecisionEvent is created once per evaluation request and never mutated afterwards.
type DecisionEvent struct {
	CorrelationID string
	Timestamp     time.Time
	Decisions     []Decision
	Resource      json.RawMessage
}

type decisionEventWire struct {
	CorrelationID string          `json:"correlationId"`
	TS            *int64          `json:"ts"`
	Decisions     []Decision      `json:"decisions"`
	Resource      json.RawMessage `json:"resource,omitempty"`
}

var (
	ErrMissingCorrelationID = errors.New("decision event: correlationId required")
	ErrMissingTimestamp     = errors.New("decision event: ts required")
)

// MarshalJSON encodes the stream wire form; ts is unix milliseconds.
func (e DecisionEvent) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UnixMilli()
	decisions := e.Decisions
	if decisions == nil {
		decisions = []Decision{}
	}
	return json.Marshal(decisionEventWire{
		CorrelationID: e.CorrelationID,
		TS:            &ts,
		Decisions:     decisions,
		Resource:      e.Resource,
	})
}

func (e *DecisionEvent) UnmarshalJSON(b []byte) error {
	var w decisionEventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if strings.TrimSpace(w.CorrelationID) == "" {
		return ErrMissingCorrelationID
	}
	if w.TS == nil {
		return ErrMissingTimestamp
	}
	e.CorrelationID = w.CorrelationID
	e.Timestamp = time.UnixMilli(*w.TS).UTC()
	e.Decisions = w.Decisions
	e.Resource = w.Resource
	return nil
}

// AuditRecord is one link of the audit hash chain.
type AuditRecord struct {
	CorrelationID string          `json:"correlationId"`
	Hash          string          `json:"hash"`
	LagMs         int64           `json:"lagMs"`
	Seq           int64           `json:"seq"`
	SegmentID     string          `json:"segmentId"`
	PrevHash      string          `json:"prevHash"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ChainState is the authoritative predecessor for the next hash. LastHash "" is genesis.
type ChainState struct {
	ChainID   string `json:"chainId"`
	SegmentID string `json:"segmentId"`
	Seq       int64  `json:"seq"`
	LastHash  string `json:"lastHash"`
}

// Genesis reports whether no record has been appended to the segment yet.
func (s ChainState) Genesis() bool {
	return s.Seq == 0 && s.LastHash == ""
}

// CanonicalResource returns the resource as canonical JSON, the form handlers
// send to external collaborators.
func (c EvaluationContext) CanonicalResource() ([]byte, error) {
	if raw, ok := c.Resource.(json.RawMessage); ok {
		return CanonicalJSON(raw)
	}
	return CanonicalValue(c.Resource)
}
