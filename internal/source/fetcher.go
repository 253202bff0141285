package source

import (
	"context"
	"fmt"
	"sort"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// Scope narrows what a fetcher considers pending within one run.
type Scope struct {
	ImportID string
}

// Page is one bounded unit of pending work. Records are staged and still
// pending; Cursor is where the next Fetch resumes.
type Page struct {
	Records []*store.RawRecord
	Cursor  store.Cursor
	HasMore bool
}

// Fetcher retrieves pending records of one source in a stable order. A full
// pass through successive cursors neither skips nor repeats a record.
type Fetcher interface {
	Source() string
	// Pending estimates the work left after cursor. Zero means done.
	Pending(ctx context.Context, scope Scope, cursor store.Cursor) (int64, error)
	Fetch(ctx context.Context, scope Scope, cursor store.Cursor, max int) (*Page, error)
}

type Registry struct {
	fetchers map[string]Fetcher
}

func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[string]Fetcher)}
	for _, f := range fetchers {
		r.Register(f)
	}
	return r
}

func (r *Registry) Register(f Fetcher) {
	r.fetchers[f.Source()] = f
}

func (r *Registry) Get(source string) (Fetcher, bool) {
	f, ok := r.fetchers[source]
	return f, ok
}

func (r *Registry) Sources() []string {
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig registers a staging fetcher per staging source and a
// provider fetcher per configured provider.
func NewRegistryFromConfig(cfg config.SourcesConfig, s store.Store) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.Staging {
		r.Register(NewStagingFetcher(name, s))
	}
	for _, p := range cfg.Providers {
		f, err := NewProviderFetcher(p, s)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		r.Register(f)
	}
	return r, nil
}
