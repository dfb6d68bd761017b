package core

import (
	"context"
	"errors"
	"testing"

	"stockroom/internal/infra/persistence/memory"
	"stockroom/internal/infra/persistence/storetest"
	"stockroom/pkg/domain"
)

func TestBuiltInRulesBlockBrokenWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.New(NewRulesEngine())

	loc := storetest.NewIdentity(domain.CategoryLocation, "LOC-000001", domain.Root())
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(loc, domain.LocationTag{})
		return err
	})
	assertBlockedBy(t, err, "history_coverage")

	trace := storetest.NewIdentity(domain.CategoryTrace, "TRC-000002", domain.Root())
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateIdentity(trace, domain.TraceTag{PartID: "P", Quantity: qty("1")}); err != nil {
			return err
		}
		if _, err := tx.UpdateTag(trace.ID, domain.CategoryTrace, func(tag domain.Tag) (domain.Tag, error) {
			tt := tag.(domain.TraceTag)
			tt.Quantity = qty("-1")
			return tt, nil
		}); err != nil {
			return err
		}
		_, err := tx.AppendHistory(domain.HistoryEntry{IdentityID: trace.ID, Action: domain.HistoryCreate})
		return err
	})
	assertBlockedBy(t, err, "quantity_non_negative")

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateIdentity(trace, domain.TraceTag{PartID: "P", Quantity: qty("3")}); err != nil {
			return err
		}
		if _, err := tx.UpdateIdentity(trace.ID, func(i *domain.Identity) error {
			i.Status = domain.Retired("lost", testNow)
			return nil
		}); err != nil {
			return err
		}
		_, err := tx.AppendHistory(domain.HistoryEntry{IdentityID: trace.ID, Action: domain.HistoryRetire})
		return err
	})
	assertBlockedBy(t, err, "retired_trace_empty")
}

func assertBlockedBy(t *testing.T, err error, rule string) {
	t.Helper()
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation from %s, got %v", rule, err)
	}
	for _, v := range rv.Result.Violations {
		if v.Rule == rule && v.Severity == domain.SeverityBlock {
			return
		}
	}
	t.Fatalf("expected %s to block, got %+v", rule, rv.Result.Violations)
}

func TestRulesAllowServiceMutations(t *testing.T) {
	res, err := NewRulesEngine().Evaluate(context.Background(), nil, nil)
	if err != nil || len(res.Violations) != 0 {
		t.Fatalf("empty change set should pass: %v %+v", err, res)
	}
}
