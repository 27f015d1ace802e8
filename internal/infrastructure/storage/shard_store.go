package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
)

// ShardStore writes one gzip-compressed JSON document per source and
// collection date.
type ShardStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.ShardStore = (*ShardStore)(nil)

// NewShardStore builds a store rooted at the archive data directory.
func NewShardStore(root string, logger *slog.Logger) *ShardStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShardStore{root: root, logger: logger, now: time.Now}
}

// MergeBatch unions records into the shard of date, keyed by id with the
// incoming version winning, and rewrites the shard atomically.
func (s *ShardStore) MergeBatch(source string, date string, records []domain.Record) (domain.MergeResult, error) {
	filename := domain.ShardFilename(date)
	path := filepath.Join(s.root, source, filename)

	existing, found := s.readTolerant(source, path)

	byID := make(map[int64]domain.Record, len(existing.Records)+len(records))
	for _, rec := range existing.Records {
		byID[rec.ID] = rec
	}
	newCount := 0
	for _, rec := range records {
		if _, ok := byID[rec.ID]; !ok {
			newCount++
		}
		byID[rec.ID] = rec
	}

	merged := make([]domain.Record, 0, len(byID))
	for _, rec := range byID {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	collected := s.now().UTC()
	if found && !existing.Metadata.CollectionTime.IsZero() {
		collected = existing.Metadata.CollectionTime
	}

	shard := domain.Shard{
		SchemaVersion: domain.SchemaVersion,
		Metadata: domain.ShardMetadata{
			CollectionTime: collected,
			SourceID:       source,
			RecordCount:    len(merged),
			Date:           date,
		},
		Records: merged,
	}
	if len(merged) > 0 {
		shard.Metadata.MinID = merged[0].ID
		shard.Metadata.MaxID = merged[len(merged)-1].ID
	}

	data, err := encodeShard(shard)
	if err != nil {
		return domain.MergeResult{}, fmt.Errorf("encode shard %s/%s: %w", source, filename, err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return domain.MergeResult{}, fmt.Errorf("write shard %s/%s: %w", source, filename, err)
	}

	s.logger.Debug("shard written", "source", source, "shard", filename,
		"records", len(merged), "new", newCount, "size", humanize.Bytes(uint64(len(data))))

	return domain.MergeResult{
		Filename:   filename,
		Date:       date,
		NewCount:   newCount,
		TotalCount: len(merged),
		MinID:      shard.Metadata.MinID,
		MaxID:      shard.Metadata.MaxID,
		Bytes:      int64(len(data)),
	}, nil
}

// StoredIDs returns the union of record ids across all shards of source.
// Unreadable shards are skipped with a warning.
func (s *ShardStore) StoredIDs(source string) (map[int64]struct{}, error) {
	paths, err := s.shardPaths(source)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]struct{})
	for _, path := range paths {
		var doc struct {
			Records []struct {
				ID int64 `json:"id"`
			} `json:"records"`
		}
		if err := readGzipJSON(path, &doc); err != nil {
			s.logger.Warn("shard unreadable, ids not counted", "source", source, "shard", filepath.Base(path), "error", err)
			continue
		}
		for _, rec := range doc.Records {
			ids[rec.ID] = struct{}{}
		}
	}
	return ids, nil
}

// Shards reads every readable shard of source in date order.
func (s *ShardStore) Shards(source string) ([]domain.Shard, error) {
	paths, err := s.shardPaths(source)
	if err != nil {
		return nil, err
	}
	shards := make([]domain.Shard, 0, len(paths))
	for _, path := range paths {
		var shard domain.Shard
		if err := readGzipJSON(path, &shard); err != nil {
			s.logger.Warn("shard unreadable, skipped", "source", source, "shard", filepath.Base(path), "error", err)
			continue
		}
		if shard.Metadata.Date == "" {
			shard.Metadata.Date = strings.TrimSuffix(filepath.Base(path), domain.ShardExtension)
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

func (s *ShardStore) shardPaths(source string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, source, "*"+domain.ShardExtension))
	if err != nil {
		return nil, fmt.Errorf("list shards %s: %w", source, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *ShardStore) readTolerant(source, path string) (domain.Shard, bool) {
	var shard domain.Shard
	err := readGzipJSON(path, &shard)
	if err == nil {
		return shard, true
	}
	if errors.Is(err, os.ErrNotExist) {
		return domain.Shard{}, false
	}

	moved, qErr := quarantine(path, s.now())
	if qErr != nil {
		s.logger.Warn("shard corrupt, merging into empty shard", "source", source, "shard", filepath.Base(path), "error", err, "quarantine_error", qErr)
	} else {
		s.logger.Warn("shard corrupt, merging into empty shard", "source", source, "shard", filepath.Base(path), "error", err, "moved_to", moved)
	}
	return domain.Shard{}, false
}

func encodeShard(shard domain.Shard) ([]byte, error) {
	payload, err := json.MarshalIndent(shard, "", "  ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readGzipJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	return nil
}
