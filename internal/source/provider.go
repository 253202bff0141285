package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/metrics"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 5
	defaultTimeout  = 15 * time.Second
	maxBodyBytes    = 10 << 20
)

// providerItem is one decoded entry of a provider page.
type providerItem struct {
	ExternalID string
	Contact    store.ContactPayload
}

// pageDecoder knows one provider's pagination scheme and payload shape.
type pageDecoder interface {
	cursorKind() store.CursorKind
	// pageURL builds the request for the page at cursor.
	pageURL(base *url.URL, cursor store.Cursor, limit int) *url.URL
	// decode parses a page and returns the cursor of the following page.
	decode(body []byte, cursor store.Cursor) ([]providerItem, store.Cursor, error)
}

// ProviderFetcher pages through an external transactional API. Calls are
// spaced by a fixed delay, capped at maxPages per Fetch and guarded by a
// circuit breaker. Items are staged before they are returned.
type ProviderFetcher struct {
	name     string
	baseURL  *url.URL
	apiKey   string
	pageSize int
	maxPages int
	client   *http.Client
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[[]byte]
	decoder  pageDecoder
	store    store.Store
}

func NewProviderFetcher(cfg config.ProviderConfig, s store.Store) (*ProviderFetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}

	var decoder pageDecoder
	switch cfg.Kind {
	case "stripe":
		decoder = stripeDecoder{}
	case "paypal":
		decoder = paypalDecoder{}
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	timeout := cfg.GetTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if d := cfg.GetPageDelay(); d > 0 {
		limit = rate.Every(d)
	}

	return &ProviderFetcher{
		name:     cfg.Name,
		baseURL:  base,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		maxPages: maxPages,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
		cb:       newBreaker(cfg.Name),
		decoder:  decoder,
		store:    s,
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("Provider circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

func (p *ProviderFetcher) Source() string { return p.name }

// Pending is 0 once the cursor is exhausted. Providers do not expose a
// remaining count, so any other position reports 1.
func (p *ProviderFetcher) Pending(ctx context.Context, scope Scope, cursor store.Cursor) (int64, error) {
	if cursor.Exhausted {
		return 0, nil
	}
	return 1, nil
}

func (p *ProviderFetcher) Fetch(ctx context.Context, scope Scope, cursor store.Cursor, max int) (*Page, error) {
	if cursor.Kind == "" {
		cursor.Kind = p.decoder.cursorKind()
	}
	page := &Page{Cursor: cursor}

	// Offset cursors number pages by size, so the size stays fixed for a
	// given max and a page is only requested when it fits whole.
	pageLimit := min(p.pageSize, max)

	for pages := 0; pages < p.maxPages && len(page.Records) < max && !page.Cursor.Exhausted; pages++ {
		limit := pageLimit
		if page.Cursor.Kind == store.CursorToken {
			limit = min(limit, max-len(page.Records))
		} else if len(page.Records)+limit > max {
			break
		}

		items, next, err := p.fetchPage(ctx, page.Cursor, limit)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			rec, err := store.NewRawRecord(p.name, item.ExternalID, scope.ImportID, item.Contact)
			if err != nil {
				return nil, err
			}
			if _, err := p.store.StageRecord(ctx, rec); err != nil {
				return nil, err
			}
			metrics.RecordsStaged.WithLabelValues(p.name, "provider").Inc()
			if rec.ProcessingStatus == store.RecordPending {
				page.Records = append(page.Records, rec)
			}
		}
		page.Cursor = next
	}

	page.HasMore = !page.Cursor.Exhausted
	return page, nil
}

func (p *ProviderFetcher) fetchPage(ctx context.Context, cursor store.Cursor, limit int) ([]providerItem, store.Cursor, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, cursor, err
	}

	u := p.decoder.pageURL(p.baseURL, cursor, limit)
	body, err := p.cb.Execute(func() ([]byte, error) {
		return p.get(ctx, u)
	})
	if err != nil {
		result := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.ProviderRequests.WithLabelValues(p.name, result).Inc()
		return nil, cursor, fmt.Errorf("%s page request: %w", p.name, err)
	}
	metrics.ProviderRequests.WithLabelValues(p.name, "success").Inc()

	items, next, err := p.decoder.decode(body, cursor)
	if err != nil {
		return nil, cursor, fmt.Errorf("%s page decode: %w", p.name, err)
	}

	logger.Log.Debug("Fetched provider page",
		zap.String("provider", p.name),
		zap.Int("items", len(items)),
		zap.Bool("exhausted", next.Exhausted),
	)
	return items, next, nil
}

func (p *ProviderFetcher) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// withPath joins base and path and replaces the query.
func withPath(base *url.URL, path string, q url.Values) *url.URL {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + path
	u.RawQuery = q.Encode()
	return &u
}
