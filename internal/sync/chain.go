package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/metrics"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// Continuation is the work item that carries a run into its next invocation.
type Continuation struct {
	RunID     string
	Sources   []string
	BatchSize int
	ImportID  string
	Chunk     int
}

func (c Continuation) Request() TriggerRequest {
	return TriggerRequest{
		Sources:   c.Sources,
		BatchSize: c.BatchSize,
		SyncRunID: c.RunID,
		ImportID:  c.ImportID,
	}
}

// continuationJob is the queue payload of a Continuation. Chunk identifies
// the checkpoint the job continues from.
type continuationJob struct {
	TriggerRequest
	Chunk int `json:"chunk"`
}

// Chainer schedules the next invocation of a run. It must not run the
// invocation itself.
type Chainer interface {
	Chain(ctx context.Context, c Continuation) error
}

// NewChainer builds the configured chainer wrapped in retries.
func NewChainer(cfg config.ChainConfig, s store.Store, authToken string) Chainer {
	var next Chainer
	switch cfg.Mode {
	case "http":
		next = NewHTTPChainer(cfg.SelfURL, authToken, cfg.GetTimeout())
	default:
		next = NewQueueChainer(s)
	}
	return NewRetryingChainer(cfg, next)
}

// RetryingChainer waits a debounce delay, then retries the wrapped chainer
// with exponential backoff up to a fixed number of attempts.
type RetryingChainer struct {
	next           Chainer
	mode           string
	attempts       uint
	debounce       time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewRetryingChainer(cfg config.ChainConfig, next Chainer) *RetryingChainer {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return &RetryingChainer{
		next:           next,
		mode:           cfg.Mode,
		attempts:       uint(attempts),
		debounce:       cfg.GetDebounce(),
		initialBackoff: cfg.GetInitialBackoff(),
		maxBackoff:     cfg.GetMaxBackoff(),
	}
}

func (r *RetryingChainer) Chain(ctx context.Context, c Continuation) error {
	if r.debounce > 0 {
		select {
		case <-time.After(r.debounce):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	exp := backoff.NewExponentialBackOff()
	if r.initialBackoff > 0 {
		exp.InitialInterval = r.initialBackoff
	}
	if r.maxBackoff > 0 {
		exp.MaxInterval = r.maxBackoff
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := r.next.Chain(ctx, c); err != nil {
			metrics.ChainAttempts.WithLabelValues(r.mode, "failure").Inc()
			return struct{}{}, err
		}
		metrics.ChainAttempts.WithLabelValues(r.mode, "success").Inc()
		return struct{}{}, nil
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(r.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Log.Warn("Continuation scheduling failed, retrying",
				zap.String("run_id", c.RunID),
				zap.Int("attempt", attempt),
				zap.Duration("next_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule continuation of run %s after %d attempts: %w", c.RunID, attempt, err)
	}
	return nil
}

// QueueChainer enqueues continuations into the durable sync_jobs queue.
// The dedupe key makes a retried enqueue of the same chunk a no-op.
type QueueChainer struct {
	store store.Store
}

func NewQueueChainer(s store.Store) *QueueChainer {
	return &QueueChainer{store: s}
}

func (q *QueueChainer) Chain(ctx context.Context, c Continuation) error {
	payload, err := json.Marshal(continuationJob{TriggerRequest: c.Request(), Chunk: c.Chunk})
	if err != nil {
		return backoff.Permanent(err)
	}
	return q.store.EnqueueJob(ctx, &store.Job{
		RunID:     c.RunID,
		DedupeKey: fmt.Sprintf("%s:%d", c.RunID, c.Chunk),
		Payload:   payload,
	})
}

// HTTPChainer posts the continuation to this service's own trigger
// endpoint in async mode, for hosts that cannot run background workers.
type HTTPChainer struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPChainer(selfURL, token string, timeout time.Duration) *HTTPChainer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChainer{
		url:    strings.TrimRight(selfURL, "/") + "/api/v1/sync/trigger?async=true",
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPChainer) Chain(ctx context.Context, c Continuation) error {
	body, err := json.Marshal(c.Request())
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("self trigger returned status %d", resp.StatusCode)
	}
	return nil
}
