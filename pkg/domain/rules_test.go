package domain

import (
	"context"
	"errors"
	"testing"
)

type staticRule struct {
	name string
	res  Result
	err  error
}

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return r.res, r.err
}

func TestRulesEngineCheck(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{name: "warn", res: Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}}})
	res, err := engine.Check(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("warnings must not block: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(res.Violations))
	}

	engine.Register(staticRule{name: "block", res: Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}}})
	_, err = engine.Check(context.Background(), nil, nil)
	var rv RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(rv.Result.Violations) != 2 || rv.Error() != "transaction blocked by rules: block" {
		t.Fatalf("unexpected violation error %v", rv)
	}
}

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	boom := errors.New("boom")
	engine.Register(staticRule{name: "broken", err: boom})
	if _, err := engine.Evaluate(context.Background(), nil, nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped rule error, got %v", err)
	}
	var nilEngine *RulesEngine
	if res, err := nilEngine.Evaluate(context.Background(), nil, nil); err != nil || len(res.Violations) != 0 {
		t.Fatalf("nil engine should be a no-op")
	}
}
