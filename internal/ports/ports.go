package ports

import (
	"context"
	"time"

	"ChannelArchiver/internal/domain"
)

// MessageSource fetches messages of a source within the query bounds.
// Forward queries deliver ascending ids, backward queries descending ids.
// It may return a partial slice together with an error; rate limits are
// reported as *domain.RateLimitedError.
type MessageSource interface {
	Fetch(ctx context.Context, source string, q domain.FetchQuery) ([]domain.UpstreamMessage, error)
}

// IndexStore persists one CursorIndex document per source.
type IndexStore interface {
	Load(source string) domain.CursorIndex
	Save(source string, index domain.CursorIndex) error
	Sources() ([]string, error)
}

// IndexReader reads indexes without touching the files on disk.
type IndexReader interface {
	Peek(source string) (domain.CursorIndex, error)
	Sources() ([]string, error)
}

// ShardStore keeps per-day record shards for each source.
type ShardStore interface {
	MergeBatch(source string, date string, records []domain.Record) (domain.MergeResult, error)
	StoredIDs(source string) (map[int64]struct{}, error)
	Shards(source string) ([]domain.Shard, error)
}

// Catalog mirrors archive bookkeeping into a queryable database.
type Catalog interface {
	PublishIndex(ctx context.Context, index domain.CursorIndex) error
	RecordDeletions(ctx context.Context, source string, ids []int64, detectedAt time.Time) error
}

// CatalogReader queries what a Catalog has mirrored.
type CatalogReader interface {
	Summary(ctx context.Context, source string) (domain.CatalogSummary, error)
	DeletedIDs(ctx context.Context, source string) ([]int64, error)
}

// Scheduler drives a job on a fixed period until ctx is cancelled.
type Scheduler interface {
	Run(ctx context.Context, job func(context.Context)) error
}
