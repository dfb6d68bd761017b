package core

import (
	"context"
	"slices"

	"stockroom/pkg/domain"
)

// Capability names an action on a resource, e.g. inventory:write.
type Capability struct {
	Resource string
	Action   string
}

func (c Capability) String() string { return c.Resource + ":" + c.Action }

// Capabilities checked by the service.
var (
	CapabilityRead  = Capability{Resource: "inventory", Action: "read"}
	CapabilityWrite = Capability{Resource: "inventory", Action: "write"}
)

// SystemActor is recorded as the actor when the context carries no principal.
const SystemActor = "system"

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID     string
	Scopes []string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFrom(ctx context.Context) string {
	if p, ok := PrincipalFrom(ctx); ok && p.ID != "" {
		return p.ID
	}
	return SystemActor
}

// Authorizer decides whether the caller in ctx holds a capability.
type Authorizer interface {
	Authorize(ctx context.Context, capability Capability) error
}

// AllowAll grants every capability.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, Capability) error { return nil }

// ScopeAuthorizer grants a capability when the principal holds the matching
// scope. A write scope implies read on the same resource.
type ScopeAuthorizer struct{}

// Authorize implements Authorizer.
func (ScopeAuthorizer) Authorize(ctx context.Context, capability Capability) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return domain.Errorf(domain.ErrForbidden, "no authenticated principal for %s", capability)
	}
	if slices.Contains(p.Scopes, capability.String()) {
		return nil
	}
	if capability.Action == CapabilityRead.Action {
		write := Capability{Resource: capability.Resource, Action: CapabilityWrite.Action}
		if slices.Contains(p.Scopes, write.String()) {
			return nil
		}
	}
	return domain.Errorf(domain.ErrForbidden, "%s lacks scope %s", p.ID, capability)
}
