package source

import (
	"context"

	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// StagingFetcher pages through raw_records still pending for one source,
// in id order, resuming after the last id it returned.
type StagingFetcher struct {
	source string
	store  store.Store
}

func NewStagingFetcher(source string, s store.Store) *StagingFetcher {
	return &StagingFetcher{source: source, store: s}
}

func (f *StagingFetcher) Source() string { return f.source }

func (f *StagingFetcher) query(scope Scope, cursor store.Cursor) store.PendingQuery {
	return store.PendingQuery{
		Source:   f.source,
		ImportID: scope.ImportID,
		AfterID:  cursor.AfterID,
	}
}

func (f *StagingFetcher) Pending(ctx context.Context, scope Scope, cursor store.Cursor) (int64, error) {
	return f.store.CountPendingRecords(ctx, f.query(scope, cursor))
}

func (f *StagingFetcher) Fetch(ctx context.Context, scope Scope, cursor store.Cursor, max int) (*Page, error) {
	q := f.query(scope, cursor)
	q.Limit = max

	records, err := f.store.ListPendingRecords(ctx, q)
	if err != nil {
		return nil, err
	}

	next := store.Cursor{Kind: store.CursorRowID, AfterID: cursor.AfterID}
	if n := len(records); n > 0 {
		next.AfterID = records[n-1].ID
	}
	return &Page{
		Records: records,
		Cursor:  next,
		HasMore: len(records) == max,
	}, nil
}
