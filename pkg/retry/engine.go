package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Status classifies the outcome of one delivery attempt.
// Providers must distinguish retryable from terminal failure.
type Status string

const (
	StatusSent      Status = "sent"
	StatusRetryable Status = "retryable"
	StatusFailed    Status = "failed" // terminal, no further retries
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // provider hint
	Attempt    int           `json:"attempt"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Item is one unit of outbound delivery.
type Item struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Payload   []byte `json:"payload"`
}

// SendFunc performs a single delivery attempt.
type SendFunc func(ctx context.Context, item Item) Result

// Engine wraps any asynchronous send operation with bounded retries.
type Engine struct {
	cfg    Config
	store  FailedStore
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a retry engine. store may be nil when persistence
// is disabled in cfg.
func NewEngine(cfg Config, store FailedStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Execute attempts delivery up to cfg.MaxRetries times, backing off between
// attempts. A terminal (non-retryable) failure stops immediately. On
// exhaustion, the item is persisted to the failed-item store unless
// persistence is disabled, and the last result is returned.
func (e *Engine) Execute(ctx context.Context, send SendFunc, item Item) Result {
	maxAttempts := e.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		last    Result
		results []Result
		first   = time.Now().UTC()
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = e.attempt(ctx, send, item)
		last.Attempt = attempt
		if last.Timestamp.IsZero() {
			last.Timestamp = time.Now().UTC()
		}
		results = append(results, last)

		switch last.Status {
		case StatusSent:
			return last
		case StatusFailed:
			// Terminal failure: no further retries.
			e.logger.Warn("delivery failed terminally",
				"provider", item.Provider,
				"request_id", item.RequestID,
				"attempt", attempt,
				"error", last.Error)
			e.persist(ctx, item, results, first)
			return last
		}

		if attempt == maxAttempts {
			break
		}

		delay := ComputeDelay(attempt, e.cfg, last.RetryAfter)
		if err := e.sleep(ctx, delay); err != nil {
			last.Error = fmt.Sprintf("retry canceled: %v", err)
			last.Status = StatusFailed
			results[len(results)-1] = last
			break
		}
	}

	e.logger.Warn("delivery exhausted retries",
		"provider", item.Provider,
		"request_id", item.RequestID,
		"attempts", len(results),
		"error", last.Error)
	e.persist(ctx, item, results, first)
	return last
}

// attempt calls send, converting a panic into a synthetic retryable failure
// so a misbehaving provider cannot take down the caller.
func (e *Engine) attempt(ctx context.Context, send SendFunc, item Item) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Status:    StatusRetryable,
				Error:     fmt.Sprintf("panic in send: %v", r),
				Timestamp: time.Now().UTC(),
			}
		}
	}()
	return send(ctx, item)
}

func (e *Engine) persist(ctx context.Context, item Item, results []Result, first time.Time) {
	if !e.cfg.PersistFailures || e.store == nil {
		return
	}
	failed := &FailedItem{
		RequestID:      item.RequestID,
		Provider:       item.Provider,
		Payload:        item.Payload,
		Attempts:       len(results),
		LastError:      results[len(results)-1].Error,
		FirstAttemptAt: first,
		LastAttemptAt:  results[len(results)-1].Timestamp,
		Results:        results,
	}
	if err := e.store.Save(ctx, failed); err != nil {
		e.logger.Error("failed-item persistence error",
			"provider", item.Provider,
			"request_id", item.RequestID,
			"error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
