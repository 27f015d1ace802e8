package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
)

const (
	defaultMaxRetries    = 3
	defaultBackoffFactor = 1.5
)

// Batch is the outcome of one bounded fetch. Messages are unique by id
// and ascending. Complete is false when the fetch stopped early.
type Batch struct {
	Messages []domain.UpstreamMessage
	Complete bool
}

// IDs lists the ids of the batch.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.Messages))
	for i, msg := range b.Messages {
		ids[i] = msg.ID
	}
	return ids
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// BatchFetcher wraps a MessageSource with rate-limit retries.
type BatchFetcher struct {
	source        ports.MessageSource
	logger        *slog.Logger
	sleep         SleepFunc
	maxRetries    int
	backoffFactor float64
}

// BatchFetcherOption customises a BatchFetcher.
type BatchFetcherOption func(*BatchFetcher)

// WithSleep replaces the wait used between retries.
func WithSleep(sleep SleepFunc) BatchFetcherOption {
	return func(f *BatchFetcher) {
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

// WithMaxRetries sets how many rate-limited retries are attempted.
func WithMaxRetries(n int) BatchFetcherOption {
	return func(f *BatchFetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// NewBatchFetcher builds a fetcher over source.
func NewBatchFetcher(source ports.MessageSource, logger *slog.Logger, opts ...BatchFetcherOption) *BatchFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &BatchFetcher{
		source:        source,
		logger:        logger,
		sleep:         waitWithContext,
		maxRetries:    defaultMaxRetries,
		backoffFactor: defaultBackoffFactor,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch collects up to q.Limit messages strictly inside (q.LowID, q.HighID).
// Rate limits are retried with exponential backoff; once retries run out the
// messages collected so far are returned without an error.
func (f *BatchFetcher) Fetch(ctx context.Context, source string, q domain.FetchQuery) (Batch, error) {
	collected := make(map[int64]domain.UpstreamMessage)
	cursor := q

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return f.interrupted(collected, err)
		}

		msgs, err := f.source.Fetch(ctx, source, cursor)
		for _, msg := range msgs {
			if !q.Contains(msg.ID) {
				continue
			}
			if q.Limit > 0 && len(collected) >= q.Limit {
				if _, seen := collected[msg.ID]; !seen {
					continue
				}
			}
			collected[msg.ID] = msg
		}

		if err == nil {
			return Batch{Messages: sortedMessages(collected), Complete: true}, nil
		}

		var rateLimited *domain.RateLimitedError
		switch {
		case errors.As(err, &rateLimited):
			if attempt >= f.maxRetries {
				f.logger.Warn("rate limit retries exhausted, returning partial batch",
					"source", source, "attempts", attempt+1, "collected", len(collected))
				return Batch{Messages: sortedMessages(collected), Complete: false}, nil
			}
			wait := backoff(rateLimited.Wait, f.backoffFactor, attempt)
			f.logger.Info("rate limited, backing off", "source", source, "attempt", attempt, "wait", wait)
			if sErr := f.sleep(ctx, wait); sErr != nil {
				return f.interrupted(collected, sErr)
			}
			if q.Limit > 0 && len(collected) >= q.Limit {
				return Batch{Messages: sortedMessages(collected), Complete: true}, nil
			}
			cursor = resumeQuery(q, collected)
		case errors.Is(err, domain.ErrTruncated):
			f.logger.Info("upstream listing truncated, batch incomplete",
				"source", source, "collected", len(collected), "error", err)
			return Batch{Messages: sortedMessages(collected), Complete: false}, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return f.interrupted(collected, err)
		default:
			if len(collected) > 0 {
				f.logger.Warn("fetch failed, keeping partial batch", "source", source, "collected", len(collected), "error", err)
				return Batch{Messages: sortedMessages(collected), Complete: false}, nil
			}
			return Batch{}, &domain.TransientFetchError{Source: source, Err: err}
		}
	}
}

func (f *BatchFetcher) interrupted(collected map[int64]domain.UpstreamMessage, cause error) (Batch, error) {
	if len(collected) > 0 {
		return Batch{Messages: sortedMessages(collected), Complete: false}, nil
	}
	return Batch{}, cause
}

// resumeQuery narrows q past what has already been collected.
func resumeQuery(q domain.FetchQuery, collected map[int64]domain.UpstreamMessage) domain.FetchQuery {
	next := q
	if len(collected) == 0 {
		return next
	}
	var lo, hi int64
	first := true
	for id := range collected {
		if first || id < lo {
			lo = id
		}
		if first || id > hi {
			hi = id
		}
		first = false
	}
	if q.Direction == domain.Forward {
		next.LowID = hi
	} else {
		next.HighID = lo
	}
	if q.Limit > 0 {
		next.Limit = q.Limit - len(collected)
	}
	return next
}

func backoff(base time.Duration, factor float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
}

func sortedMessages(collected map[int64]domain.UpstreamMessage) []domain.UpstreamMessage {
	out := make([]domain.UpstreamMessage, 0, len(collected))
	for _, msg := range collected {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func waitWithContext(ctx context.Context, d time.Duration) error {
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
