package domain

import "fmt"

// Category identifies the kind of physical item an Identity names. The set is
// closed; every switch over Category must handle each value below.
type Category string

// Known categories.
const (
	CategoryLocation  Category = "location"
	CategoryBox       Category = "box"
	CategoryEquipment Category = "equipment"
	CategoryTrace     Category = "trace"
)

// CategoryInfo describes a category for listing endpoints.
type CategoryInfo struct {
	Category        Category `json:"category"`
	Name            string   `json:"name"`
	Prefix          string   `json:"prefix"`
	QuantityBearing bool     `json:"quantity_bearing"`
}

var categories = []CategoryInfo{
	{Category: CategoryLocation, Name: "Location", Prefix: "LOC"},
	{Category: CategoryBox, Name: "Box", Prefix: "BOX"},
	{Category: CategoryEquipment, Name: "Equipment", Prefix: "EQP"},
	{Category: CategoryTrace, Name: "Trace", Prefix: "TRC", QuantityBearing: true},
}

// Categories returns every known category in display order.
func Categories() []CategoryInfo {
	out := make([]CategoryInfo, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory validates a raw category name.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", Errorf(ErrInvalidCategory, "unknown category %q", raw)
	}
	return c, nil
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryLocation, CategoryBox, CategoryEquipment, CategoryTrace:
		return true
	default:
		return false
	}
}

// Prefix returns the three letter code prefix printed on labels.
func (c Category) Prefix() string {
	switch c {
	case CategoryLocation:
		return "LOC"
	case CategoryBox:
		return "BOX"
	case CategoryEquipment:
		return "EQP"
	case CategoryTrace:
		return "TRC"
	default:
		return ""
	}
}

// QuantityBearing reports whether tags of this category carry a quantity.
func (c Category) QuantityBearing() bool {
	return c == CategoryTrace
}

// FormatCode composes the printed barcode for a category and sequence value:
// the prefix, a dash, then the suffix as upper-case hex padded to six digits.
func FormatCode(c Category, suffix int64) (string, error) {
	if !c.Valid() {
		return "", Errorf(ErrInvalidCategory, "unknown category %q", c)
	}
	if suffix <= 0 {
		return "", fmt.Errorf("code suffix must be positive, got %d", suffix)
	}
	return fmt.Sprintf("%s-%06X", c.Prefix(), suffix), nil
}
