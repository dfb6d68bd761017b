package core

import (
	"context"
	"errors"

	"stockroom/pkg/domain"
)

// ResolveTag returns the category and tag payload of an active identity.
func (s *Service) ResolveTag(ctx context.Context, id string) (domain.Category, domain.Tag, error) {
	var (
		category domain.Category
		tag      domain.Tag
	)
	err := s.run(ctx, "resolve_tag", CapabilityRead, id, func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			identity, err := v.FindIdentity(id)
			if err != nil {
				return err
			}
			if !identity.Active() {
				return domain.Errorf(domain.ErrNotFound, "%s is retired", identity.Code)
			}
			found, err := v.FindTag(id, identity.Category)
			if err != nil {
				return s.missingTag(identity, err)
			}
			category, tag = identity.Category, found
			return nil
		})
	})
	if err != nil {
		return "", nil, err
	}
	return category, tag, nil
}

// Chain returns the identity followed by each ancestor, innermost first. The
// last element is the outermost item, whose parent is the root; the root
// itself is not an identity and never appears in the chain.
func (s *Service) Chain(ctx context.Context, id string) ([]domain.Identity, error) {
	var chain []domain.Identity
	err := s.run(ctx, "chain", CapabilityRead, id, func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			var err error
			chain, err = walkChain(v, id, s.maxDepth)
			return err
		})
	})
	return chain, err
}

// AncestorsOnly is Chain without the starting identity.
func (s *Service) AncestorsOnly(ctx context.Context, id string) ([]domain.Identity, error) {
	chain, err := s.Chain(ctx, id)
	if err != nil {
		return nil, err
	}
	return chain[1:], nil
}

// walkChain follows parent links from id. The returned chain always ends at
// an identity whose parent is the root.
func walkChain(v domain.TransactionView, id string, maxDepth int) ([]domain.Identity, error) {
	start, err := v.FindIdentity(id)
	if err != nil {
		return nil, err
	}
	if !start.Active() {
		return nil, domain.Errorf(domain.ErrNotFound, "%s is retired", start.Code)
	}
	chain := []domain.Identity{start}
	seen := map[string]struct{}{start.ID: {}}
	current := start
	for {
		parentID, ok := current.Parent.ID()
		if !ok {
			return chain, nil
		}
		if _, dup := seen[parentID]; dup || len(chain) >= maxDepth {
			return nil, domain.Errorf(domain.ErrCycleDetected, "containment above %s does not reach the root", start.Code)
		}
		parent, err := v.FindIdentity(parentID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Errorf(domain.ErrDataIntegrityViolation, "%s references missing parent %s", current.Code, parentID)
		}
		if err != nil {
			return nil, err
		}
		if !parent.Active() {
			return nil, domain.Errorf(domain.ErrDataIntegrityViolation, "%s is contained in retired %s", current.Code, parent.Code)
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
}

// ListChildren returns the active direct children of parent ordered by code.
// A non-root parent must be active.
func (s *Service) ListChildren(ctx context.Context, parent domain.ParentRef) ([]domain.Identity, error) {
	var children []domain.Identity
	err := s.run(ctx, "list_children", CapabilityRead, parent.String(), func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			if id, ok := parent.ID(); ok {
				p, err := v.FindIdentity(id)
				if err != nil {
					return err
				}
				if !p.Active() {
					return domain.Errorf(domain.ErrNotFound, "%s is retired", p.Code)
				}
			}
			var err error
			children, err = v.ListChildren(parent)
			return err
		})
	})
	return children, err
}
