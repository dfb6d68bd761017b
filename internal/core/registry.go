package core

import (
	"context"
	"errors"

	"stockroom/internal/events"
	"stockroom/pkg/domain"
)

// RegisterRequest describes a new barcoded item.
type RegisterRequest struct {
	Category domain.Category
	Parent   domain.ParentRef
	Tag      domain.Tag
}

// Register creates an identity with a freshly allocated code, attaches its
// tag and records a create history entry.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (domain.Identity, error) {
	var created domain.Identity
	err := s.run(ctx, "register", CapabilityWrite, string(req.Category), func(ctx context.Context) error {
		return s.mutate(ctx, func(m *mutation) error {
			identity, err := m.register(req)
			created = identity
			return err
		})
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return created, nil
}

func (m *mutation) register(req RegisterRequest) (domain.Identity, error) {
	if !req.Category.Valid() {
		return domain.Identity{}, domain.Errorf(domain.ErrInvalidCategory, "unknown category %q", req.Category)
	}
	tag := req.Tag
	if tag == nil {
		empty, err := domain.EmptyTag(req.Category)
		if err != nil {
			return domain.Identity{}, err
		}
		tag = empty
	}
	if err := domain.ValidateTag(req.Category, tag); err != nil {
		return domain.Identity{}, err
	}
	if err := m.requireContainer(req.Parent); err != nil {
		return domain.Identity{}, err
	}
	identity, err := m.insert(req.Category, req.Parent, tag)
	if err != nil {
		return domain.Identity{}, err
	}
	entry := domain.HistoryEntry{
		IdentityID: identity.ID,
		Action:     domain.HistoryCreate,
		FromParent: domain.Root(),
		ToParent:   identity.Parent,
	}
	if trace, ok := tag.(domain.TraceTag); ok {
		entry.QuantityDelta = domain.Delta(trace.Quantity)
	}
	if err := m.record(entry); err != nil {
		return domain.Identity{}, err
	}
	m.emit(events.TypeRegistered, identity, map[string]string{"parent_id": identity.Parent.String()})
	return identity, nil
}

// requireContainer share-locks a non-root parent and requires it to be active.
func (m *mutation) requireContainer(parent domain.ParentRef) error {
	id, ok := parent.ID()
	if !ok {
		return nil
	}
	p, err := m.tx.LockIdentity(id, domain.LockShared)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Errorf(domain.ErrInvalidParent, "parent %s does not exist", id)
	}
	if err != nil {
		return err
	}
	if !p.Active() {
		return domain.Errorf(domain.ErrInvalidParent, "parent %s is retired", p.Code)
	}
	return nil
}

// insert allocates a code and stores the identity with its tag.
func (m *mutation) insert(category domain.Category, parent domain.ParentRef, tag domain.Tag) (domain.Identity, error) {
	suffix, err := m.tx.NextCodeSuffix()
	if err != nil {
		return domain.Identity{}, err
	}
	code, err := domain.FormatCode(category, suffix)
	if err != nil {
		return domain.Identity{}, err
	}
	return m.tx.CreateIdentity(domain.Identity{
		ID:        m.svc.newID(),
		Code:      code,
		Category:  category,
		Parent:    parent,
		Status:    domain.Active(),
		CreatedAt: m.now,
		UpdatedAt: m.now,
	}, tag)
}

// Lookup returns the active identity carrying code.
func (s *Service) Lookup(ctx context.Context, code string) (domain.Identity, error) {
	var found domain.Identity
	err := s.run(ctx, "lookup", CapabilityRead, code, func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			identity, err := v.FindIdentityByCode(code)
			if err != nil {
				return err
			}
			if !identity.Active() {
				return domain.Errorf(domain.ErrNotFound, "%s is retired", code)
			}
			found = identity
			return nil
		})
	})
	return found, err
}

// Identity returns an identity by id in any lifecycle state.
func (s *Service) Identity(ctx context.Context, id string) (domain.Identity, error) {
	var found domain.Identity
	err := s.run(ctx, "get_identity", CapabilityRead, id, func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			identity, err := v.FindIdentity(id)
			found = identity
			return err
		})
	})
	return found, err
}

// ListCategories enumerates the supported categories and their code prefixes.
func (s *Service) ListCategories(ctx context.Context) ([]domain.CategoryInfo, error) {
	var out []domain.CategoryInfo
	err := s.run(ctx, "list_categories", CapabilityRead, "", func(context.Context) error {
		out = domain.Categories()
		return nil
	})
	return out, err
}
