package domain

import "time"

// ShardDateLayout names shard files and dates.
const ShardDateLayout = "2006-01-02"

// ShardExtension is the suffix of every shard file.
const ShardExtension = ".json.gz"

// Shard is one day of collected records for a source.
type Shard struct {
	SchemaVersion int           `json:"schema_version"`
	Metadata      ShardMetadata `json:"metadata"`
	Records       []Record      `json:"records"`
}

// ShardMetadata summarises a shard.
type ShardMetadata struct {
	CollectionTime time.Time `json:"collection_time"`
	SourceID       string    `json:"source_id"`
	RecordCount    int       `json:"record_count"`
	MinID          int64     `json:"min_id"`
	MaxID          int64     `json:"max_id"`
	Date           string    `json:"date"`
}

// MergeResult reports the outcome of merging a batch into a shard.
type MergeResult struct {
	Filename   string
	Date       string
	NewCount   int
	TotalCount int
	MinID      int64
	MaxID      int64
	Bytes      int64
}

// ShardFilename returns the file name of the shard for date.
func ShardFilename(date string) string {
	return date + ShardExtension
}

// CatalogSummary is the catalog row of one source.
type CatalogSummary struct {
	SourceID      string `json:"source_id"`
	TotalArchived int64  `json:"total_archived"`
	HighestID     int64  `json:"highest_id"`
	LowestID      *int64 `json:"lowest_id"`
	DeletedCount  int    `json:"deleted_count"`
	ShardCount    int    `json:"shard_count"`
}
