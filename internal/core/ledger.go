package core

import (
	"context"

	"github.com/shopspring/decimal"

	"stockroom/internal/events"
	"stockroom/pkg/domain"
)

// Split moves amount from a trace into a new trace under the same parent.
// The new trace inherits the part, unit and lot but not the serial number.
func (s *Service) Split(ctx context.Context, sourceID string, amount decimal.Decimal) (source, created domain.Identity, err error) {
	err = s.run(ctx, "split", CapabilityWrite, sourceID, func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			var err error
			source, created, err = m.split(sourceID, amount)
			return err
		})
	})
	if err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	return source, created, nil
}

func (m *mutation) split(sourceID string, amount decimal.Decimal) (domain.Identity, domain.Identity, error) {
	src, err := m.lockActive(sourceID, domain.LockExclusive)
	if err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	if !src.Category.QuantityBearing() {
		return domain.Identity{}, domain.Identity{}, domain.Errorf(domain.ErrInvalidCategory, "%s is a %s; only traces can be split", src.Code, src.Category)
	}
	trace, err := m.lockTrace(src)
	if err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	if !amount.IsPositive() || amount.GreaterThanOrEqual(trace.Quantity) {
		return domain.Identity{}, domain.Identity{}, domain.Errorf(domain.ErrInvalidAmount, "cannot split %s from %s holding %s", amount, src.Code, trace.Quantity)
	}
	if err := m.requireContainer(src.Parent); err != nil {
		return domain.Identity{}, domain.Identity{}, domain.Errorf(domain.ErrDataIntegrityViolation, "%s sits in an unusable container: %v", src.Code, err)
	}

	if _, err := m.adjustQuantity(src.ID, amount.Neg()); err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	src, err = m.touch(src.ID)
	if err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	created, err := m.insert(domain.CategoryTrace, src.Parent, domain.TraceTag{
		PartID:        trace.PartID,
		Quantity:      amount,
		UnitOfMeasure: trace.UnitOfMeasure,
		LotNumber:     trace.LotNumber,
	})
	if err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}

	if err := m.record(domain.HistoryEntry{
		IdentityID:    src.ID,
		Action:        domain.HistorySplit,
		FromParent:    src.Parent,
		ToParent:      src.Parent,
		QuantityDelta: domain.Delta(amount.Neg()),
		RelatedID:     created.ID,
	}); err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	if err := m.record(domain.HistoryEntry{
		IdentityID:    created.ID,
		Action:        domain.HistorySplit,
		FromParent:    src.Parent,
		ToParent:      created.Parent,
		QuantityDelta: domain.Delta(amount),
		RelatedID:     src.ID,
	}); err != nil {
		return domain.Identity{}, domain.Identity{}, err
	}
	m.emit(events.TypeSplit, created, map[string]string{
		"source_id":   src.ID,
		"source_code": src.Code,
		"quantity":    amount.String(),
	})
	return src, created, nil
}

// Merge moves the whole quantity of source into target and retires source.
func (s *Service) Merge(ctx context.Context, targetID, sourceID string) (domain.Identity, error) {
	var merged domain.Identity
	err := s.run(ctx, "merge", CapabilityWrite, targetID, func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			identity, err := m.merge(targetID, sourceID)
			merged = identity
			return err
		})
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return merged, nil
}

func (m *mutation) merge(targetID, sourceID string) (domain.Identity, error) {
	if targetID == sourceID {
		return domain.Identity{}, domain.Errorf(domain.ErrSelfMerge, "cannot merge %s into itself", targetID)
	}
	// Lock in id order so concurrent merges of the same pair cannot deadlock.
	first, second := targetID, sourceID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]domain.Identity, 2)
	for _, id := range []string{first, second} {
		identity, err := m.tx.LockIdentity(id, domain.LockExclusive)
		if err != nil {
			return domain.Identity{}, err
		}
		locked[id] = identity
	}
	target, source := locked[targetID], locked[sourceID]
	for _, identity := range []domain.Identity{target, source} {
		if !identity.Active() {
			return domain.Identity{}, domain.Errorf(domain.ErrIncompatibleMerge, "%s is retired", identity.Code)
		}
		if !identity.Category.QuantityBearing() {
			return domain.Identity{}, domain.Errorf(domain.ErrIncompatibleMerge, "%s is a %s, not a trace", identity.Code, identity.Category)
		}
	}

	tags := make(map[string]domain.TraceTag, 2)
	for _, id := range []string{first, second} {
		trace, err := m.lockTrace(locked[id])
		if err != nil {
			return domain.Identity{}, err
		}
		tags[id] = trace
	}
	targetTag, sourceTag := tags[targetID], tags[sourceID]
	if targetTag.PartID != sourceTag.PartID {
		return domain.Identity{}, domain.Errorf(domain.ErrIncompatibleMerge, "%s holds part %s but %s holds part %s", target.Code, targetTag.PartID, source.Code, sourceTag.PartID)
	}
	if targetTag.UnitOfMeasure != sourceTag.UnitOfMeasure {
		return domain.Identity{}, domain.Errorf(domain.ErrIncompatibleMerge, "%s is measured in %q but %s in %q", target.Code, targetTag.UnitOfMeasure, source.Code, sourceTag.UnitOfMeasure)
	}
	children, err := m.tx.ListChildren(domain.ParentOf(source.ID))
	if err != nil {
		return domain.Identity{}, err
	}
	if len(children) > 0 {
		return domain.Identity{}, domain.Errorf(domain.ErrHasActiveChildren, "%s still contains %d items", source.Code, len(children))
	}

	quantity := sourceTag.Quantity
	if _, err := m.adjustQuantity(target.ID, quantity); err != nil {
		return domain.Identity{}, err
	}
	if _, err := m.adjustQuantity(source.ID, quantity.Neg()); err != nil {
		return domain.Identity{}, err
	}
	target, err = m.touch(target.ID)
	if err != nil {
		return domain.Identity{}, err
	}
	reason := "merged into " + target.Code
	if _, err := m.tx.UpdateIdentity(source.ID, func(i *domain.Identity) error {
		i.Status = domain.Retired(reason, m.now)
		i.UpdatedAt = m.now
		return nil
	}); err != nil {
		return domain.Identity{}, err
	}

	if err := m.record(domain.HistoryEntry{
		IdentityID:    target.ID,
		Action:        domain.HistoryMerge,
		FromParent:    target.Parent,
		ToParent:      target.Parent,
		QuantityDelta: domain.Delta(quantity),
		RelatedID:     source.ID,
	}); err != nil {
		return domain.Identity{}, err
	}
	if err := m.record(domain.HistoryEntry{
		IdentityID:    source.ID,
		Action:        domain.HistoryMerge,
		FromParent:    source.Parent,
		ToParent:      source.Parent,
		QuantityDelta: domain.Delta(quantity.Neg()),
		RelatedID:     target.ID,
		Note:          reason,
	}); err != nil {
		return domain.Identity{}, err
	}
	m.emit(events.TypeMerged, target, map[string]string{
		"source_id":   source.ID,
		"source_code": source.Code,
		"quantity":    quantity.String(),
	})
	return target, nil
}

// adjustQuantity adds delta to a trace's quantity.
func (m *mutation) adjustQuantity(id string, delta decimal.Decimal) (domain.TraceTag, error) {
	tag, err := m.tx.UpdateTag(id, domain.CategoryTrace, func(current domain.Tag) (domain.Tag, error) {
		trace, ok := current.(domain.TraceTag)
		if !ok {
			return nil, domain.Errorf(domain.ErrDataIntegrityViolation, "identity %s has a %T tag", id, current)
		}
		trace.Quantity = trace.Quantity.Add(delta)
		return trace, nil
	})
	if err != nil {
		return domain.TraceTag{}, err
	}
	return tag.(domain.TraceTag), nil
}
