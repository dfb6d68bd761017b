package core

import (
	"context"
	"errors"

	"stockroom/internal/events"
	"stockroom/pkg/domain"
)

// Move re-parents an item. The walk from the destination to the root
// share-locks every ancestor so a concurrent move cannot close a cycle
// between the check and the commit.
func (s *Service) Move(ctx context.Context, itemID string, newParent domain.ParentRef) (domain.Identity, error) {
	var moved domain.Identity
	err := s.run(ctx, "move", CapabilityWrite, itemID, func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			identity, err := m.move(itemID, newParent)
			moved = identity
			return err
		})
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return moved, nil
}

func (m *mutation) move(itemID string, newParent domain.ParentRef) (domain.Identity, error) {
	if id, ok := newParent.ID(); ok && id == itemID {
		return domain.Identity{}, domain.Errorf(domain.ErrSelfContainment, "%s cannot contain itself", itemID)
	}
	item, err := m.lockActive(itemID, domain.LockExclusive)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := m.checkDestination(item, newParent); err != nil {
		return domain.Identity{}, err
	}
	from := item.Parent
	updated, err := m.tx.UpdateIdentity(itemID, func(i *domain.Identity) error {
		i.Parent = newParent
		i.UpdatedAt = m.now
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if err := m.record(domain.HistoryEntry{
		IdentityID: itemID,
		Action:     domain.HistoryMove,
		FromParent: from,
		ToParent:   newParent,
	}); err != nil {
		return domain.Identity{}, err
	}
	m.emit(events.TypeMoved, updated, map[string]string{
		"from_parent_id": from.String(),
		"to_parent_id":   newParent.String(),
	})
	return updated, nil
}

// checkDestination requires an active destination that is not inside item.
func (m *mutation) checkDestination(item domain.Identity, dest domain.ParentRef) error {
	destID, ok := dest.ID()
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	current := destID
	for depth := 0; ; depth++ {
		if _, dup := seen[current]; dup || depth >= m.svc.maxDepth {
			return domain.Errorf(domain.ErrCycleDetected, "containment above %s does not reach the root", destID)
		}
		seen[current] = struct{}{}
		node, err := m.tx.LockIdentity(current, domain.LockShared)
		switch {
		case errors.Is(err, domain.ErrNotFound) && current == destID:
			return domain.Errorf(domain.ErrInvalidParent, "destination %s does not exist", destID)
		case errors.Is(err, domain.ErrNotFound):
			return domain.Errorf(domain.ErrDataIntegrityViolation, "ancestor %s of %s is missing", current, destID)
		case err != nil:
			return err
		}
		if !node.Active() {
			if current == destID {
				return domain.Errorf(domain.ErrInvalidParent, "destination %s is retired", node.Code)
			}
			return domain.Errorf(domain.ErrDataIntegrityViolation, "ancestor %s is retired", node.Code)
		}
		if node.ID == item.ID {
			return domain.Errorf(domain.ErrCycleDetected, "%s is inside %s", destID, item.Code)
		}
		next, ok := node.Parent.ID()
		if !ok {
			return nil
		}
		current = next
	}
}
