package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryAction enumerates the mutations recorded in the movement history.
type HistoryAction string

// Recorded actions.
const (
	HistoryCreate HistoryAction = "create"
	HistoryMove   HistoryAction = "move"
	HistorySplit  HistoryAction = "split"
	HistoryMerge  HistoryAction = "merge"
	HistoryRetire HistoryAction = "retire"
)

// HistoryEntry is an immutable record of one mutation of one identity. Seq is
// assigned by the store on append and increases with every append.
type HistoryEntry struct {
	Seq           int64            `json:"seq"`
	IdentityID    string           `json:"identity_id"`
	ActorID       string           `json:"actor_id"`
	Action        HistoryAction    `json:"action"`
	FromParent    ParentRef        `json:"from_parent_id"`
	ToParent      ParentRef        `json:"to_parent_id"`
	QuantityDelta *decimal.Decimal `json:"quantity_delta,omitempty"`
	RelatedID     string           `json:"related_id,omitempty"`
	Note          string           `json:"note,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// HistoryQuery selects a newest-first page of history. An empty IdentityID
// selects entries for every identity. Before, when positive, restricts the
// page to entries with Seq below it.
type HistoryQuery struct {
	IdentityID string
	Before     int64
	Limit      int
}

// DefaultHistoryLimit caps pages when callers do not specify a limit.
const DefaultHistoryLimit = 50

// MaxHistoryLimit is the largest page a store will return.
const MaxHistoryLimit = 500

// Normalize clamps the limit into the supported range.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Before < 0 {
		q.Before = 0
	}
	return q
}

// Delta returns a pointer to d for HistoryEntry.QuantityDelta.
func Delta(d decimal.Decimal) *decimal.Decimal {
	return &d
}
