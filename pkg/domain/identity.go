package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// ParentRef names the container of an identity. The zero value is Root.
type ParentRef struct {
	id string
}

// Root is the parent of top-level items.
func Root() ParentRef { return ParentRef{} }

// ParentOf references an identity as a container. An empty id yields Root.
func ParentOf(id string) ParentRef { return ParentRef{id: id} }

// ParentFromNullable converts a nullable column value into a ParentRef.
func ParentFromNullable(id *string) ParentRef {
	if id == nil {
		return Root()
	}
	return ParentOf(*id)
}

// IsRoot reports whether the reference is the tree root.
func (p ParentRef) IsRoot() bool { return p.id == "" }

// ID returns the referenced identity id and false for Root.
func (p ParentRef) ID() (string, bool) { return p.id, p.id != "" }

// Nullable returns the id as a pointer, nil for Root.
func (p ParentRef) Nullable() *string {
	if p.id == "" {
		return nil
	}
	id := p.id
	return &id
}

func (p ParentRef) String() string {
	if p.id == "" {
		return "ROOT"
	}
	return p.id
}

// MarshalJSON renders Root as null.
func (p ParentRef) MarshalJSON() ([]byte, error) {
	if p.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(p.id)
}

// UnmarshalJSON accepts null, "" or "ROOT" for Root and any other string as a reference.
func (p *ParentRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = Root()
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	if id == "ROOT" {
		id = ""
	}
	*p = ParentOf(id)
	return nil
}

// State is the lifecycle state of an identity.
type State string

// Lifecycle states.
const (
	StateActive  State = "active"
	StateRetired State = "retired"
)

// Status is the tagged lifecycle state. Reason and RetiredAt are only set when
// State is StateRetired.
type Status struct {
	State     State      `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Active returns the active status.
func Active() Status { return Status{State: StateActive} }

// Retired returns a retired status stamped at the given time.
func Retired(reason string, at time.Time) Status {
	at = at.UTC()
	return Status{State: StateRetired, Reason: reason, RetiredAt: &at}
}

// IsActive reports whether the status is active.
func (s Status) IsActive() bool { return s.State == StateActive }

// Identity is the durable barcode record naming one physical item.
type Identity struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Category  Category  `json:"category"`
	Parent    ParentRef `json:"parent_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the identity has not been retired.
func (i Identity) Active() bool { return i.Status.IsActive() }

// CloneIdentity returns a deep copy of the identity.
func CloneIdentity(i Identity) Identity {
	if i.Status.RetiredAt != nil {
		at := *i.Status.RetiredAt
		i.Status.RetiredAt = &at
	}
	return i
}
