package core

import (
	"context"
	"errors"
	"testing"

	"stockroom/pkg/domain"
)

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	l1 := mustLocation(t, svc, "l1")
	l2 := mustLocation(t, svc, "l2")
	box := mustBox(t, svc, l1)
	for i := range 4 {
		dest := l2
		if i%2 == 1 {
			dest = l1
		}
		if _, err := svc.Move(ctx, box.ID, domain.ParentOf(dest.ID)); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	page, err := svc.HistoryPage(ctx, domain.HistoryQuery{IdentityID: box.ID, Limit: 3})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Entries) != 3 || page.NextBefore != page.Entries[2].Seq {
		t.Fatalf("unexpected first page %+v", page)
	}
	next, err := svc.HistoryPage(ctx, domain.HistoryQuery{IdentityID: box.ID, Limit: 3, Before: page.NextBefore})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(next.Entries) != 2 || next.NextBefore != 0 || next.Entries[1].Action != domain.HistoryCreate {
		t.Fatalf("unexpected second page %+v", next)
	}

	all := historyOf(t, svc, box.ID)
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Seq <= all[i].Seq {
			t.Fatalf("history not newest first: %d then %d", all[i-1].Seq, all[i].Seq)
		}
	}

	global, err := svc.HistoryPage(ctx, domain.HistoryQuery{})
	if err != nil || len(global.Entries) != 7 {
		t.Fatalf("expected 7 global entries: %v %d", err, len(global.Entries))
	}
}

func TestHistoryForUnknownIdentity(t *testing.T) {
	svc := newTestService(t)
	var got error
	for _, err := range svc.HistoryFor(context.Background(), "missing", 10) {
		got = err
	}
	if !errors.Is(got, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", got)
	}
}

func TestHistoryForStopsEarly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	loc := mustLocation(t, svc, "l")
	for range 5 {
		mustBox(t, svc, loc)
	}
	n := 0
	for _, err := range svc.HistoryFor(ctx, "", 2) {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("expected to stop after 3 entries, got %d", n)
	}
}

func TestHistoryKeepsRetiredIdentities(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	loc := mustLocation(t, svc, "l")
	if _, err := svc.RetireFull(ctx, loc.ID, RetireOptions{Reason: "closed"}); err != nil {
		t.Fatalf("retire: %v", err)
	}
	entries := historyOf(t, svc, loc.ID)
	if len(entries) != 2 || entries[0].Action != domain.HistoryRetire {
		t.Fatalf("expected retire and create entries, got %+v", entries)
	}
}
