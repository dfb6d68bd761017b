package core

import (
	"context"
	"errors"
	"fmt"

	"stockroom/pkg/domain"
)

// NewRulesEngine returns an engine with the built-in inventory rules.
func NewRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(QuantityNonNegativeRule())
	engine.Register(HistoryCoverageRule())
	engine.Register(RetiredTraceEmptyRule())
	return engine
}

// QuantityNonNegativeRule blocks any trace tag written with a negative quantity.
func QuantityNonNegativeRule() domain.Rule {
	return ruleFunc{name: "quantity_non_negative", fn: func(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
		var res domain.Result
		for _, change := range changes {
			if change.Entity != domain.EntityTag {
				continue
			}
			trace, ok := change.After.(domain.TraceTag)
			if !ok || !trace.Quantity.IsNegative() {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "quantity_non_negative",
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("quantity %s is negative", trace.Quantity),
				Entity:     domain.EntityTag,
				IdentityID: change.IdentityID,
			})
		}
		return res, nil
	}}
}

// HistoryCoverageRule blocks transactions that change an identity or tag
// without appending a history entry for that identity.
func HistoryCoverageRule() domain.Rule {
	return ruleFunc{name: "history_coverage", fn: func(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
		touched := make(map[string]domain.EntityType)
		var order []string
		recorded := make(map[string]bool)
		for _, change := range changes {
			switch change.Entity {
			case domain.EntityHistory:
				recorded[change.IdentityID] = true
			case domain.EntityIdentity, domain.EntityTag:
				if _, ok := touched[change.IdentityID]; !ok {
					touched[change.IdentityID] = change.Entity
					order = append(order, change.IdentityID)
				}
			}
		}
		var res domain.Result
		for _, id := range order {
			if recorded[id] {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "history_coverage",
				Severity:   domain.SeverityBlock,
				Message:    "mutation has no history entry",
				Entity:     touched[id],
				IdentityID: id,
			})
		}
		return res, nil
	}}
}

// RetiredTraceEmptyRule blocks retiring a trace that still holds quantity.
func RetiredTraceEmptyRule() domain.Rule {
	return ruleFunc{name: "retired_trace_empty", fn: func(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
		var res domain.Result
		for _, change := range changes {
			if change.Entity != domain.EntityIdentity {
				continue
			}
			identity, ok := change.After.(domain.Identity)
			if !ok || identity.Active() || !identity.Category.QuantityBearing() {
				continue
			}
			tag, err := view.FindTag(identity.ID, domain.CategoryTrace)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Result{}, err
			}
			trace, ok := tag.(domain.TraceTag)
			if !ok || trace.Quantity.IsZero() {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "retired_trace_empty",
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("retired trace %s still holds %s", identity.Code, trace.Quantity),
				Entity:     domain.EntityIdentity,
				IdentityID: identity.ID,
			})
		}
		return res, nil
	}}
}

type ruleFunc struct {
	name string
	fn   func(context.Context, domain.TransactionView, []domain.Change) (domain.Result, error)
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Evaluate(ctx context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	return r.fn(ctx, view, changes)
}
