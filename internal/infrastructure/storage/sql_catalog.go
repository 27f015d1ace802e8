package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
)

// Dialect selects the SQL driver and placeholder style of a catalog.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const deletionBatchSize = 500

var catalogSchema = []string{
	`CREATE TABLE IF NOT EXISTS archive_sources (
		source_id TEXT PRIMARY KEY,
		total_archived BIGINT NOT NULL,
		highest_id BIGINT NOT NULL,
		lowest_id BIGINT,
		first_record_time TEXT,
		last_record_time TEXT,
		last_updated TEXT,
		last_backfill TEXT,
		deleted_count INTEGER NOT NULL,
		unconfirmed_count INTEGER NOT NULL,
		history_complete BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS archive_shards (
		source_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		shard_date TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		PRIMARY KEY (source_id, filename)
	)`,
	`CREATE TABLE IF NOT EXISTS archive_deleted (
		source_id TEXT NOT NULL,
		message_id BIGINT NOT NULL,
		detected_at TEXT NOT NULL,
		PRIMARY KEY (source_id, message_id)
	)`,
}

// SQLCatalog mirrors index summaries, shard manifests and confirmed
// deletions into Postgres or SQLite.
type SQLCatalog struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var (
	_ ports.Catalog       = (*SQLCatalog)(nil)
	_ ports.CatalogReader = (*SQLCatalog)(nil)
)

// NewSQLCatalog wires an open database handle.
func NewSQLCatalog(db *sql.DB, dialect Dialect) *SQLCatalog {
	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == DialectPostgres {
		placeholder = sq.Dollar
	}
	return &SQLCatalog{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// OpenCatalog opens a catalog from a DSN: postgres://... or
// sqlite:///path/to/catalog.db (sqlite::memory: for an in-memory one).
func OpenCatalog(ctx context.Context, dsn string) (*SQLCatalog, error) {
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}

	var (
		dialect    Dialect
		driverName string
		source     string
	)
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		dialect, driverName, source = DialectPostgres, "postgres", dsn
	case "sqlite", "sqlite3":
		dialect, driverName = DialectSQLite, "sqlite"
		source = strings.TrimPrefix(strings.TrimPrefix(dsn, parsed.Scheme+"://"), parsed.Scheme+":")
	default:
		return nil, fmt.Errorf("unsupported catalog scheme %q", parsed.Scheme)
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	catalog := NewSQLCatalog(db, dialect)
	if err := catalog.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}

// Migrate creates the catalog tables when missing.
func (c *SQLCatalog) Migrate(ctx context.Context) error {
	for _, stmt := range catalogSchema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return nil
}

// PublishIndex upserts the summary and shard manifest of one source.
func (c *SQLCatalog) PublishIndex(ctx context.Context, index domain.CursorIndex) error {
	if c.db == nil {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := c.builder.
		Insert("archive_sources").
		Columns("source_id", "total_archived", "highest_id", "lowest_id",
			"first_record_time", "last_record_time", "last_updated", "last_backfill",
			"deleted_count", "unconfirmed_count", "history_complete").
		Values(index.SourceID, index.TotalArchived, index.HighestID, nullInt(index.LowestID),
			nullTime(index.FirstRecordTime), nullTime(index.LastRecordTime),
			nullTime(index.LastUpdated), nullTime(index.LastBackfill),
			index.Deleted.Count, len(index.UnconfirmedMissing), index.HistoryComplete).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			total_archived = excluded.total_archived,
			highest_id = excluded.highest_id,
			lowest_id = excluded.lowest_id,
			first_record_time = excluded.first_record_time,
			last_record_time = excluded.last_record_time,
			last_updated = excluded.last_updated,
			last_backfill = excluded.last_backfill,
			deleted_count = excluded.deleted_count,
			unconfirmed_count = excluded.unconfirmed_count,
			history_complete = excluded.history_complete`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build source upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert source %s: %w", index.SourceID, err)
	}

	for _, entry := range index.ShardManifest {
		query, args, err := c.builder.
			Insert("archive_shards").
			Columns("source_id", "filename", "shard_date", "record_count").
			Values(index.SourceID, entry.Filename, entry.Date, entry.RecordCount).
			Suffix(`ON CONFLICT (source_id, filename) DO UPDATE SET
				shard_date = excluded.shard_date,
				record_count = excluded.record_count`).
			ToSql()
		if err != nil {
			return fmt.Errorf("build shard upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert shard %s/%s: %w", index.SourceID, entry.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

// RecordDeletions inserts newly confirmed deleted ids; known ids are kept
// with their first detection time. Rows go out in chunks of
// deletionBatchSize inside one transaction to stay under driver bind
// variable limits.
func (c *SQLCatalog) RecordDeletions(ctx context.Context, source string, ids []int64, detectedAt time.Time) error {
	if c.db == nil || len(ids) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deletions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stamp := detectedAt.UTC().Format(time.RFC3339)
	for start := 0; start < len(ids); start += deletionBatchSize {
		end := min(start+deletionBatchSize, len(ids))
		insert := c.builder.
			Insert("archive_deleted").
			Columns("source_id", "message_id", "detected_at")
		for _, id := range ids[start:end] {
			insert = insert.Values(source, id, stamp)
		}
		query, args, err := insert.Suffix("ON CONFLICT (source_id, message_id) DO NOTHING").ToSql()
		if err != nil {
			return fmt.Errorf("build deletions insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert deletions %s: %w", source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deletions: %w", err)
	}
	return nil
}

// DeletedIDs lists the confirmed deleted ids of source, ascending.
func (c *SQLCatalog) DeletedIDs(ctx context.Context, source string) ([]int64, error) {
	query, args, err := c.builder.
		Select("message_id").
		From("archive_deleted").
		Where(sq.Eq{"source_id": source}).
		OrderBy("message_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build deleted query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deleted: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return ids, nil
}

// Summary reads the catalog row of source together with its shard count.
// A source that was never published yields an error wrapping sql.ErrNoRows.
func (c *SQLCatalog) Summary(ctx context.Context, source string) (domain.CatalogSummary, error) {
	query, args, err := c.builder.
		Select("s.source_id", "s.total_archived", "s.highest_id", "s.lowest_id", "s.deleted_count",
			"(SELECT COUNT(*) FROM archive_shards h WHERE h.source_id = s.source_id)").
		From("archive_sources s").
		Where(sq.Eq{"s.source_id": source}).
		ToSql()
	if err != nil {
		return domain.CatalogSummary{}, fmt.Errorf("build summary query: %w", err)
	}

	var (
		summary domain.CatalogSummary
		lowest  sql.NullInt64
	)
	err = c.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.SourceID, &summary.TotalArchived, &summary.HighestID,
		&lowest, &summary.DeletedCount, &summary.ShardCount)
	if err != nil {
		return domain.CatalogSummary{}, fmt.Errorf("query summary %s: %w", source, err)
	}
	if lowest.Valid {
		summary.LowestID = &lowest.Int64
	}
	return summary, nil
}

// Close releases the database handle.
func (c *SQLCatalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
