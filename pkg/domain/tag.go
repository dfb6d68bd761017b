package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tag is the category-specific payload attached one-to-one to an Identity.
// Only the types declared in this package implement it.
type Tag interface {
	Category() Category
	sealedTag()
}

// LocationTag describes a storage location.
type LocationTag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BoxTag describes a box or bin.
type BoxTag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EquipmentTag describes a tracked piece of equipment.
type EquipmentTag struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	SerialNumber   string     `json:"serial_number,omitempty"`
	PartID         string     `json:"part_id,omitempty"`
	CommissionedAt *time.Time `json:"commissioned_at,omitempty"`
}

// TraceTag is a countable instance of a catalog part.
type TraceTag struct {
	PartID        string          `json:"part_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitOfMeasure string          `json:"unit_of_measure,omitempty"`
	SerialNumber  string          `json:"serial_number,omitempty"`
	LotNumber     string          `json:"lot_number,omitempty"`
}

func (LocationTag) Category() Category  { return CategoryLocation }
func (BoxTag) Category() Category       { return CategoryBox }
func (EquipmentTag) Category() Category { return CategoryEquipment }
func (TraceTag) Category() Category     { return CategoryTrace }

func (LocationTag) sealedTag()  {}
func (BoxTag) sealedTag()       {}
func (EquipmentTag) sealedTag() {}
func (TraceTag) sealedTag()     {}

// EmptyTag returns the zero payload for a category.
func EmptyTag(c Category) (Tag, error) {
	switch c {
	case CategoryLocation:
		return LocationTag{}, nil
	case CategoryBox:
		return BoxTag{}, nil
	case CategoryEquipment:
		return EquipmentTag{}, nil
	case CategoryTrace:
		return TraceTag{Quantity: decimal.Zero}, nil
	default:
		return nil, Errorf(ErrInvalidCategory, "unknown category %q", c)
	}
}

// DecodeTag parses a JSON payload into the tag type owned by the category.
// Empty input yields the empty tag.
func DecodeTag(c Category, raw json.RawMessage) (Tag, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return EmptyTag(c)
	}
	var (
		tag Tag
		err error
	)
	switch c {
	case CategoryLocation:
		var t LocationTag
		err = json.Unmarshal(raw, &t)
		tag = t
	case CategoryBox:
		var t BoxTag
		err = json.Unmarshal(raw, &t)
		tag = t
	case CategoryEquipment:
		var t EquipmentTag
		err = json.Unmarshal(raw, &t)
		tag = t
	case CategoryTrace:
		var t TraceTag
		err = json.Unmarshal(raw, &t)
		tag = t
	default:
		return nil, Errorf(ErrInvalidCategory, "unknown category %q", c)
	}
	if err != nil {
		return nil, Errorf(ErrInvalidTag, "decode %s tag: %v", c, err)
	}
	return tag, nil
}

// ValidateTag checks that tag belongs to the category and that its payload is
// well formed.
func ValidateTag(c Category, tag Tag) error {
	if tag == nil {
		return Errorf(ErrInvalidTag, "%s tag is required", c)
	}
	if tag.Category() != c {
		return Errorf(ErrInvalidTag, "tag of type %s cannot be attached to a %s", tag.Category(), c)
	}
	if t, ok := tag.(TraceTag); ok {
		if strings.TrimSpace(t.PartID) == "" {
			return Errorf(ErrInvalidTag, "trace tag requires a part id")
		}
		if t.Quantity.IsNegative() {
			return Errorf(ErrInvalidTag, "trace quantity must not be negative")
		}
	}
	return nil
}

// CloneTag returns a deep copy of a tag.
func CloneTag(tag Tag) Tag {
	if t, ok := tag.(EquipmentTag); ok && t.CommissionedAt != nil {
		at := *t.CommissionedAt
		t.CommissionedAt = &at
		return t
	}
	return tag
}
