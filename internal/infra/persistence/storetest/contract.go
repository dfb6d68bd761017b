// Package storetest holds the behavioural contract every domain.PersistentStore
// implementation must satisfy. Backend packages run it from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockroom/pkg/domain"
)

// Factory opens a fresh, empty store evaluating the given rules engine.
type Factory func(t *testing.T, engine *domain.RulesEngine) domain.PersistentStore

// Run executes the contract suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, open) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open) })
	t.Run("CodeSuffixesAreUnique", func(t *testing.T) { testCodeSuffixes(t, open) })
	t.Run("UpdatesAndChildren", func(t *testing.T) { testUpdatesAndChildren(t, open) })
	t.Run("HistoryPaging", func(t *testing.T) { testHistoryPaging(t, open) })
	t.Run("RulesBlockCommit", func(t *testing.T) { testRulesBlockCommit(t, open) })
	t.Run("KeyFieldsImmutable", func(t *testing.T) { testImmutableKeys(t, open) })
	t.Run("DuplicateCodeRejected", func(t *testing.T) { testDuplicateCode(t, open) })
}

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// NewIdentity builds an active identity with a fresh uuid.
func NewIdentity(category domain.Category, code string, parent domain.ParentRef) domain.Identity {
	return domain.Identity{
		ID:        uuid.NewString(),
		Code:      code,
		Category:  category,
		Parent:    parent,
		Status:    domain.Active(),
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func create(t *testing.T, store domain.PersistentStore, ident domain.Identity, tag domain.Tag) domain.Identity {
	t.Helper()
	var out domain.Identity
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		out, err = tx.CreateIdentity(ident, tag)
		return err
	})
	if err != nil {
		t.Fatalf("create %s: %v", ident.Code, err)
	}
	return out
}

func testCreateAndFind(t *testing.T, open Factory) {
	store := open(t, nil)
	ctx := context.Background()
	commissioned := base.Add(-24 * time.Hour)
	loc := create(t, store, NewIdentity(domain.CategoryLocation, "LOC-000001", domain.Root()), domain.LocationTag{Name: "Aisle 1", Description: "north wall"})
	box := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000002", domain.ParentOf(loc.ID)), domain.BoxTag{Name: "Bin"})
	eqp := create(t, store, NewIdentity(domain.CategoryEquipment, "EQP-000003", domain.ParentOf(loc.ID)),
		domain.EquipmentTag{Name: "Scope", SerialNumber: "SN1", CommissionedAt: &commissioned})
	trc := create(t, store, NewIdentity(domain.CategoryTrace, "TRC-000004", domain.ParentOf(box.ID)),
		domain.TraceTag{PartID: "P1", Quantity: decimal.RequireFromString("10.25"), UnitOfMeasure: "ea", LotNumber: "L9"})

	err := store.View(ctx, func(v domain.TransactionView) error {
		got, err := v.FindIdentity(trc.ID)
		if err != nil {
			return err
		}
		if got.Code != "TRC-000004" || got.Parent != domain.ParentOf(box.ID) || !got.Active() {
			return fmt.Errorf("unexpected trace identity %+v", got)
		}
		if !got.CreatedAt.Equal(base) {
			return fmt.Errorf("created_at changed: %v", got.CreatedAt)
		}
		byCode, err := v.FindIdentityByCode("LOC-000001")
		if err != nil {
			return err
		}
		if byCode.ID != loc.ID || !byCode.Parent.IsRoot() {
			return fmt.Errorf("unexpected location %+v", byCode)
		}
		if _, err := v.FindIdentityByCode("loc-000001"); !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("code lookup must be case sensitive, got %v", err)
		}
		if _, err := v.FindIdentity(uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("expected not found, got %v", err)
		}

		tag, err := v.FindTag(trc.ID, domain.CategoryTrace)
		if err != nil {
			return err
		}
		trace := tag.(domain.TraceTag)
		if trace.PartID != "P1" || !trace.Quantity.Equal(decimal.RequireFromString("10.25")) || trace.LotNumber != "L9" || trace.UnitOfMeasure != "ea" {
			return fmt.Errorf("unexpected trace tag %+v", trace)
		}
		tag, err = v.FindTag(eqp.ID, domain.CategoryEquipment)
		if err != nil {
			return err
		}
		equipment := tag.(domain.EquipmentTag)
		if equipment.SerialNumber != "SN1" || equipment.CommissionedAt == nil || !equipment.CommissionedAt.Equal(commissioned) {
			return fmt.Errorf("unexpected equipment tag %+v", equipment)
		}
		if tag, err = v.FindTag(loc.ID, domain.CategoryLocation); err != nil || tag.(domain.LocationTag).Description != "north wall" {
			return fmt.Errorf("unexpected location tag %v %v", tag, err)
		}
		if _, err := v.FindTag(loc.ID, domain.CategoryBox); !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("tag lookup in the wrong table must fail, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testRollback(t *testing.T, open Factory) {
	store := open(t, nil)
	ctx := context.Background()
	boom := errors.New("boom")
	ident := NewIdentity(domain.CategoryBox, "BOX-0000AA", domain.Root())
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateIdentity(ident, domain.BoxTag{}); err != nil {
			return err
		}
		if _, err := tx.AppendHistory(domain.HistoryEntry{IdentityID: ident.ID, ActorID: "a", Action: domain.HistoryCreate, Timestamp: base}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	err = store.View(ctx, func(v domain.TransactionView) error {
		if _, err := v.FindIdentity(ident.ID); !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("rolled back identity visible: %v", err)
		}
		entries, err := v.ListHistory(domain.HistoryQuery{IdentityID: ident.ID})
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			return fmt.Errorf("rolled back history visible: %v", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testCodeSuffixes(t *testing.T, open Factory) {
	store := open(t, nil)
	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]struct{})
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				var got int64
				_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
					var err error
					got, err = tx.NextCodeSuffix()
					return err
				})
				if errors.Is(err, domain.ErrConflict) {
					continue
				}
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					seen[got] = struct{}{}
				}
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("next suffix: %v", errs)
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct suffixes, got %d", workers, len(seen))
	}
	for v := range seen {
		if v <= 0 {
			t.Fatalf("suffix must be positive, got %d", v)
		}
	}
}

func testUpdatesAndChildren(t *testing.T, open Factory) {
	store := open(t, nil)
	ctx := context.Background()
	l1 := create(t, store, NewIdentity(domain.CategoryLocation, "LOC-000010", domain.Root()), domain.LocationTag{})
	l2 := create(t, store, NewIdentity(domain.CategoryLocation, "LOC-000011", domain.Root()), domain.LocationTag{})
	b2 := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000013", domain.ParentOf(l1.ID)), domain.BoxTag{})
	b1 := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000012", domain.ParentOf(l1.ID)), domain.BoxTag{})
	trc := create(t, store, NewIdentity(domain.CategoryTrace, "TRC-000014", domain.ParentOf(b1.ID)), domain.TraceTag{PartID: "P", Quantity: decimal.NewFromInt(5)})

	later := base.Add(time.Minute)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		locked, err := tx.LockIdentity(b2.ID, domain.LockExclusive)
		if err != nil {
			return err
		}
		if locked.Code != b2.Code {
			return fmt.Errorf("locked wrong row %s", locked.Code)
		}
		if _, err := tx.LockIdentity(l2.ID, domain.LockShared); err != nil {
			return err
		}
		if _, err := tx.UpdateIdentity(b2.ID, func(i *domain.Identity) error {
			i.Parent = domain.ParentOf(l2.ID)
			i.UpdatedAt = later
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.UpdateIdentity(b1.ID, func(i *domain.Identity) error {
			i.Status = domain.Retired("broken", later)
			i.UpdatedAt = later
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.LockTag(trc.ID, domain.CategoryTrace); err != nil {
			return err
		}
		_, err = tx.UpdateTag(trc.ID, domain.CategoryTrace, func(tag domain.Tag) (domain.Tag, error) {
			tr := tag.(domain.TraceTag)
			tr.Quantity = tr.Quantity.Sub(decimal.RequireFromString("1.5"))
			return tr, nil
		})
		if err != nil {
			return err
		}
		// Reads inside the transaction observe its own writes.
		kids, err := tx.ListChildren(domain.ParentOf(l2.ID))
		if err != nil {
			return err
		}
		if len(kids) != 1 || kids[0].ID != b2.ID {
			return fmt.Errorf("in-transaction children of l2: %v", kids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	err = store.View(ctx, func(v domain.TransactionView) error {
		kids, err := v.ListChildren(domain.ParentOf(l1.ID))
		if err != nil {
			return err
		}
		if len(kids) != 0 {
			return fmt.Errorf("l1 should have no active children, got %v", kids)
		}
		roots, err := v.ListChildren(domain.Root())
		if err != nil {
			return err
		}
		if len(roots) != 2 || roots[0].Code != "LOC-000010" || roots[1].Code != "LOC-000011" {
			return fmt.Errorf("unexpected roots %v", roots)
		}
		retired, err := v.FindIdentity(b1.ID)
		if err != nil {
			return err
		}
		if retired.Active() || retired.Status.Reason != "broken" || retired.Status.RetiredAt == nil || !retired.Status.RetiredAt.Equal(later) {
			return fmt.Errorf("unexpected retired status %+v", retired.Status)
		}
		if !retired.UpdatedAt.Equal(later) {
			return fmt.Errorf("updated_at not persisted: %v", retired.UpdatedAt)
		}
		tag, err := v.FindTag(trc.ID, domain.CategoryTrace)
		if err != nil {
			return err
		}
		if q := tag.(domain.TraceTag).Quantity; !q.Equal(decimal.RequireFromString("3.5")) {
			return fmt.Errorf("unexpected quantity %s", q)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testHistoryPaging(t *testing.T, open Factory) {
	store := open(t, nil)
	ctx := context.Background()
	a := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000020", domain.Root()), domain.BoxTag{})
	b := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000021", domain.Root()), domain.BoxTag{})
	for i := 0; i < 5; i++ {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			for _, id := range []string{a.ID, b.ID} {
				entry := domain.HistoryEntry{
					IdentityID:    id,
					ActorID:       "tester",
					Action:        domain.HistoryMove,
					FromParent:    domain.Root(),
					ToParent:      domain.ParentOf(a.ID),
					QuantityDelta: domain.Delta(decimal.NewFromInt(int64(-i))),
					Note:          fmt.Sprintf("step %d", i),
					Timestamp:     base.Add(time.Duration(i) * time.Second),
				}
				if id == a.ID {
					entry.ToParent = domain.Root()
				}
				if _, err := tx.AppendHistory(entry); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	err := store.View(ctx, func(v domain.TransactionView) error {
		page, err := v.ListHistory(domain.HistoryQuery{IdentityID: a.ID, Limit: 2})
		if err != nil {
			return err
		}
		if len(page) != 2 || page[0].Note != "step 4" || page[1].Note != "step 3" {
			return fmt.Errorf("unexpected first page %v", page)
		}
		if page[0].Seq <= page[1].Seq {
			return fmt.Errorf("entries not newest first: %d, %d", page[0].Seq, page[1].Seq)
		}
		if page[0].IdentityID != a.ID || !page[0].ToParent.IsRoot() || !page[0].FromParent.IsRoot() {
			return fmt.Errorf("unexpected entry fields %+v", page[0])
		}
		if page[0].QuantityDelta == nil || !page[0].QuantityDelta.Equal(decimal.NewFromInt(-4)) {
			return fmt.Errorf("unexpected delta %v", page[0].QuantityDelta)
		}
		rest, err := v.ListHistory(domain.HistoryQuery{IdentityID: a.ID, Before: page[1].Seq, Limit: 10})
		if err != nil {
			return err
		}
		if len(rest) != 3 || rest[0].Note != "step 2" || rest[2].Note != "step 0" {
			return fmt.Errorf("unexpected second page %v", rest)
		}
		bEntries, err := v.ListHistory(domain.HistoryQuery{IdentityID: b.ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(bEntries) != 1 || bEntries[0].ToParent != domain.ParentOf(a.ID) {
			return fmt.Errorf("unexpected entries for b %v", bEntries)
		}
		all, err := v.ListHistory(domain.HistoryQuery{Limit: 100})
		if err != nil {
			return err
		}
		if len(all) != 10 {
			return fmt.Errorf("expected 10 global entries, got %d", len(all))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

type blockEverything struct{}

func (blockEverything) Name() string { return "block_everything" }

func (blockEverything) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, ch := range changes {
		res.Violations = append(res.Violations, domain.Violation{Rule: "block_everything", Severity: domain.SeverityBlock, Entity: ch.Entity, IdentityID: ch.IdentityID})
	}
	return res, nil
}

func testRulesBlockCommit(t *testing.T, open Factory) {
	engine := domain.NewRulesEngine()
	engine.Register(blockEverything{})
	store := open(t, engine)
	ident := NewIdentity(domain.CategoryLocation, "LOC-000030", domain.Root())
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(ident, domain.LocationTag{})
		return err
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(rv.Result.Violations) != 2 {
		t.Fatalf("expected identity and tag changes, got %d", len(rv.Result.Violations))
	}
	err = store.View(context.Background(), func(v domain.TransactionView) error {
		_, err := v.FindIdentity(ident.ID)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("blocked identity was committed: %v", err)
	}
}

func testImmutableKeys(t *testing.T, open Factory) {
	store := open(t, nil)
	ident := create(t, store, NewIdentity(domain.CategoryBox, "BOX-000040", domain.Root()), domain.BoxTag{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateIdentity(ident.ID, func(i *domain.Identity) error {
			i.Code = "BOX-FFFFFF"
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected code change to be rejected")
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateTag(ident.ID, domain.CategoryBox, func(domain.Tag) (domain.Tag, error) {
			return domain.LocationTag{}, nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected tag type change to be rejected")
	}
}

func testDuplicateCode(t *testing.T, open Factory) {
	store := open(t, nil)
	create(t, store, NewIdentity(domain.CategoryBox, "BOX-000050", domain.Root()), domain.BoxTag{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(NewIdentity(domain.CategoryBox, "BOX-000050", domain.Root()), domain.BoxTag{})
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate code to be rejected")
	}
}
