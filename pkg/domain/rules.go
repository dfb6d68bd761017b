package domain

import (
	"context"
	"fmt"
	"strings"
)

// EntityType names the record kind a Change applies to.
type EntityType string

// Entity types recorded in the change log.
const (
	EntityIdentity EntityType = "identity"
	EntityTag      EntityType = "tag"
	EntityHistory  EntityType = "history"
)

// Action indicates the type of modification performed.
type Action string

// Change actions. Identities and history are never deleted.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Change is one write performed inside a transaction. Before is nil for
// creates. For identities Before/After hold Identity values, for tags Tag
// values and for history HistoryEntry values.
type Change struct {
	Entity     EntityType
	Action     Action
	IdentityID string
	Before     any
	After      any
}

// Severity classifies rule violations.
type Severity string

// Severities.
const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Violation captures a rule outcome affecting an identity.
type Violation struct {
	Rule       string
	Severity   Severity
	Message    string
	Entity     EntityType
	IdentityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var names []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			names = append(names, v.Rule)
		}
	}
	return fmt.Sprintf("transaction blocked by rules: %s", strings.Join(names, ", "))
}

// Rule defines an evaluation executed within a transaction boundary, after the
// transaction function returns and before commit.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	var combined Result
	if e == nil {
		return combined, nil
	}
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// Check evaluates the rules and converts blocking results into a
// RuleViolationError. Stores call it right before commit.
func (e *RulesEngine) Check(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	res, err := e.Evaluate(ctx, view, changes)
	if err != nil {
		return Result{}, err
	}
	if res.HasBlocking() {
		return res, RuleViolationError{Result: res}
	}
	return res, nil
}
