package core

import (
	"context"

	"github.com/shopspring/decimal"

	"stockroom/internal/events"
	"stockroom/pkg/domain"
)

// RetirePolicy selects what happens to the active children of a retired item.
type RetirePolicy string

// Retirement policies.
const (
	// RetireReject fails with HasActiveChildren.
	RetireReject RetirePolicy = "reject"
	// RetireCascade retires the whole subtree, deepest items first.
	RetireCascade RetirePolicy = "cascade"
	// RetireReparent moves the children up to the retired item's parent.
	RetireReparent RetirePolicy = "reparent"
)

// ParseRetirePolicy maps user input to a policy. Empty input selects RetireReject.
func ParseRetirePolicy(raw string) (RetirePolicy, error) {
	switch p := RetirePolicy(raw); p {
	case "":
		return RetireReject, nil
	case RetireReject, RetireCascade, RetireReparent:
		return p, nil
	default:
		return "", domain.Errorf(domain.ErrInvalidRequest, "unknown retire policy %q", raw)
	}
}

// RetireOptions controls RetireFull.
type RetireOptions struct {
	Policy RetirePolicy
	Reason string
}

// RetireFull marks an item retired. Traces are emptied to zero and the
// removed quantity is recorded as a negative delta.
func (s *Service) RetireFull(ctx context.Context, id string, opts RetireOptions) (domain.Identity, error) {
	policy, err := ParseRetirePolicy(string(opts.Policy))
	if err != nil {
		return domain.Identity{}, err
	}
	var retired domain.Identity
	err = s.run(ctx, "retire_full", CapabilityWrite, id, func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			identity, err := m.lockActive(id, domain.LockExclusive)
			if err != nil {
				return err
			}
			retired, err = m.retireFull(identity, policy, opts.Reason, 0)
			return err
		})
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return retired, nil
}

func (m *mutation) retireFull(identity domain.Identity, policy RetirePolicy, reason string, depth int) (domain.Identity, error) {
	if depth >= m.svc.maxDepth {
		return domain.Identity{}, domain.Errorf(domain.ErrCycleDetected, "containment below %s exceeds %d levels", identity.Code, m.svc.maxDepth)
	}
	children, err := m.tx.ListChildren(domain.ParentOf(identity.ID))
	if err != nil {
		return domain.Identity{}, err
	}
	if len(children) > 0 {
		switch policy {
		case RetireCascade:
			for _, child := range children {
				locked, ok, err := m.lockChild(child.ID, identity.ID)
				if err != nil {
					return domain.Identity{}, err
				}
				if !ok {
					continue
				}
				if _, err := m.retireFull(locked, policy, reason, depth+1); err != nil {
					return domain.Identity{}, err
				}
			}
		case RetireReparent:
			if err := m.requireContainer(identity.Parent); err != nil {
				return domain.Identity{}, err
			}
			for _, child := range children {
				locked, ok, err := m.lockChild(child.ID, identity.ID)
				if err != nil {
					return domain.Identity{}, err
				}
				if !ok {
					continue
				}
				if err := m.reparent(locked, identity.Parent); err != nil {
					return domain.Identity{}, err
				}
			}
		default:
			return domain.Identity{}, domain.Errorf(domain.ErrHasActiveChildren, "%s still contains %d items", identity.Code, len(children))
		}
	}
	return m.retireOne(identity, reason)
}

// lockChild locks a listed child and reports whether it is still an active
// child of parentID. A move or retirement committed between the listing and
// the lock takes the child out of this retirement.
func (m *mutation) lockChild(childID, parentID string) (domain.Identity, bool, error) {
	child, err := m.tx.LockIdentity(childID, domain.LockExclusive)
	if err != nil {
		return domain.Identity{}, false, err
	}
	if !child.Active() || child.Parent != domain.ParentOf(parentID) {
		return domain.Identity{}, false, nil
	}
	return child, true, nil
}

func (m *mutation) reparent(child domain.Identity, parent domain.ParentRef) error {
	updated, err := m.tx.UpdateIdentity(child.ID, func(i *domain.Identity) error {
		i.Parent = parent
		i.UpdatedAt = m.now
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.record(domain.HistoryEntry{
		IdentityID: child.ID,
		Action:     domain.HistoryMove,
		FromParent: child.Parent,
		ToParent:   parent,
		Note:       "container retired",
	}); err != nil {
		return err
	}
	m.emit(events.TypeMoved, updated, map[string]string{
		"from_parent_id": child.Parent.String(),
		"to_parent_id":   parent.String(),
	})
	return nil
}

func (m *mutation) retireOne(identity domain.Identity, reason string) (domain.Identity, error) {
	entry := domain.HistoryEntry{
		IdentityID: identity.ID,
		Action:     domain.HistoryRetire,
		FromParent: identity.Parent,
		ToParent:   identity.Parent,
		Note:       reason,
	}
	if identity.Category.QuantityBearing() {
		trace, err := m.lockTrace(identity)
		if err != nil {
			return domain.Identity{}, err
		}
		if _, err := m.adjustQuantity(identity.ID, trace.Quantity.Neg()); err != nil {
			return domain.Identity{}, err
		}
		entry.QuantityDelta = domain.Delta(trace.Quantity.Neg())
	}
	retired, err := m.tx.UpdateIdentity(identity.ID, func(i *domain.Identity) error {
		i.Status = domain.Retired(reason, m.now)
		i.UpdatedAt = m.now
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if err := m.record(entry); err != nil {
		return domain.Identity{}, err
	}
	m.emit(events.TypeRetired, retired, map[string]string{"reason": reason})
	return retired, nil
}

// RetirePartial removes amount from a trace, for consumption or scrap. The
// trace stays active.
func (s *Service) RetirePartial(ctx context.Context, id string, amount decimal.Decimal, reason string) (domain.Identity, error) {
	var updated domain.Identity
	err := s.run(ctx, "retire_partial", CapabilityWrite, id, func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			identity, err := m.lockActive(id, domain.LockExclusive)
			if err != nil {
				return err
			}
			if !identity.Category.QuantityBearing() {
				return domain.Errorf(domain.ErrInvalidCategory, "%s is a %s; only traces hold quantity", identity.Code, identity.Category)
			}
			trace, err := m.lockTrace(identity)
			if err != nil {
				return err
			}
			if !amount.IsPositive() || amount.GreaterThanOrEqual(trace.Quantity) {
				return domain.Errorf(domain.ErrInvalidAmount, "cannot retire %s from %s holding %s", amount, identity.Code, trace.Quantity)
			}
			if _, err := m.adjustQuantity(id, amount.Neg()); err != nil {
				return err
			}
			updated, err = m.touch(id)
			if err != nil {
				return err
			}
			if err := m.record(domain.HistoryEntry{
				IdentityID:    id,
				Action:        domain.HistoryRetire,
				FromParent:    identity.Parent,
				ToParent:      identity.Parent,
				QuantityDelta: domain.Delta(amount.Neg()),
				Note:          reason,
			}); err != nil {
				return err
			}
			m.emit(events.TypeRetired, updated, map[string]string{
				"reason":   reason,
				"quantity": amount.String(),
				"partial":  "true",
			})
			return nil
		})
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return updated, nil
}
