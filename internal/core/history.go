package core

import (
	"context"
	"iter"

	"stockroom/pkg/domain"
)

// HistoryPage is one newest-first page of history. NextBefore, when non-zero,
// is the cursor for the following page.
type HistoryPage struct {
	Entries    []domain.HistoryEntry `json:"entries"`
	NextBefore int64                 `json:"next_before,omitempty"`
}

// HistoryPage returns a page of history for one identity, or for every
// identity when q.IdentityID is empty. Retired identities keep their history.
func (s *Service) HistoryPage(ctx context.Context, q domain.HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	var page HistoryPage
	err := s.run(ctx, "history", CapabilityRead, q.IdentityID, func(ctx context.Context) error {
		return s.view(ctx, func(v domain.TransactionView) error {
			if q.IdentityID != "" {
				if _, err := v.FindIdentity(q.IdentityID); err != nil {
					return err
				}
			}
			entries, err := v.ListHistory(q)
			if err != nil {
				return err
			}
			page.Entries = entries
			if len(entries) == q.Limit {
				page.NextBefore = entries[len(entries)-1].Seq
			}
			return nil
		})
	})
	if err != nil {
		return HistoryPage{}, err
	}
	if page.Entries == nil {
		page.Entries = []domain.HistoryEntry{}
	}
	return page, nil
}

// HistoryFor lazily yields every history entry of an identity, newest first,
// fetching pageSize entries at a time. Iteration stops at the first error.
func (s *Service) HistoryFor(ctx context.Context, identityID string, pageSize int) iter.Seq2[domain.HistoryEntry, error] {
	return func(yield func(domain.HistoryEntry, error) bool) {
		var before int64
		for {
			page, err := s.HistoryPage(ctx, domain.HistoryQuery{IdentityID: identityID, Before: before, Limit: pageSize})
			if err != nil {
				yield(domain.HistoryEntry{}, err)
				return
			}
			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
			}
			if page.NextBefore == 0 {
				return
			}
			before = page.NextBefore
		}
	}
}
