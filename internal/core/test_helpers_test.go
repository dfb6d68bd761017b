package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockroom/pkg/domain"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	base := []Option{WithClock(ClockFunc(func() time.Time { return testNow })), WithRetryBackoff(0)}
	return NewInMemoryService(append(base, opts...)...)
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustRegister(t *testing.T, svc *Service, category domain.Category, parent domain.ParentRef, tag domain.Tag) domain.Identity {
	t.Helper()
	identity, err := svc.Register(context.Background(), RegisterRequest{Category: category, Parent: parent, Tag: tag})
	if err != nil {
		t.Fatalf("register %s: %v", category, err)
	}
	return identity
}

func mustLocation(t *testing.T, svc *Service, name string) domain.Identity {
	t.Helper()
	return mustRegister(t, svc, domain.CategoryLocation, domain.Root(), domain.LocationTag{Name: name})
}

func mustBox(t *testing.T, svc *Service, parent domain.Identity) domain.Identity {
	t.Helper()
	return mustRegister(t, svc, domain.CategoryBox, domain.ParentOf(parent.ID), domain.BoxTag{Name: "box"})
}

func mustTrace(t *testing.T, svc *Service, parent domain.Identity, partID, quantity string) domain.Identity {
	t.Helper()
	return mustRegister(t, svc, domain.CategoryTrace, domain.ParentOf(parent.ID), domain.TraceTag{
		PartID:        partID,
		Quantity:      qty(quantity),
		UnitOfMeasure: "ea",
		SerialNumber:  "SN-" + partID,
		LotNumber:     "LOT-7",
	})
}

func quantityOf(t *testing.T, svc *Service, id string) decimal.Decimal {
	t.Helper()
	var tag domain.Tag
	err := svc.Store().View(context.Background(), func(v domain.TransactionView) error {
		var err error
		tag, err = v.FindTag(id, domain.CategoryTrace)
		return err
	})
	if err != nil {
		t.Fatalf("load trace %s: %v", id, err)
	}
	return tag.(domain.TraceTag).Quantity
}

func historyOf(t *testing.T, svc *Service, id string) []domain.HistoryEntry {
	t.Helper()
	var out []domain.HistoryEntry
	for entry, err := range svc.HistoryFor(context.Background(), id, 2) {
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		out = append(out, entry)
	}
	return out
}

func expectCode(t *testing.T, err error, sentinel *domain.Error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %s, got %v", sentinel.Code, err)
	}
}

func codes(identities []domain.Identity) []string {
	out := make([]string, len(identities))
	for i, identity := range identities {
		out[i] = identity.Code
	}
	return out
}
