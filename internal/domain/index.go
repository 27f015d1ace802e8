package domain

import (
	"sort"
	"time"
)

// CursorIndex is the persisted progress document of one source.
type CursorIndex struct {
	SchemaVersion      int          `json:"schema_version"`
	SourceID           string       `json:"source_id"`
	TotalArchived      int64        `json:"total_archived"`
	HighestID          int64        `json:"highest_id"`
	LowestID           *int64       `json:"lowest_id"`
	FirstRecordTime    *time.Time   `json:"first_record_time"`
	LastRecordTime     *time.Time   `json:"last_record_time"`
	LastUpdated        *time.Time   `json:"last_updated"`
	LastBackfill       *time.Time   `json:"last_backfill"`
	LastGapCheck       *time.Time   `json:"last_gap_check"`
	HistoryComplete    bool         `json:"history_complete"`
	ShardManifest      []ShardEntry `json:"shard_manifest"`
	Deleted            DeletedSet   `json:"deleted"`
	UnconfirmedMissing []int64      `json:"unconfirmed_missing"`
	Swept              []IDRange    `json:"swept"`
	Skipped            SkippedSet   `json:"skipped"`
}

// ShardEntry is one line of the shard manifest.
type ShardEntry struct {
	Filename    string `json:"filename"`
	Date        string `json:"date"`
	RecordCount int    `json:"record_count"`
}

// DeletedSet holds ids confirmed missing upstream. It only grows.
type DeletedSet struct {
	IDs       []int64    `json:"ids"`
	Count     int        `json:"count"`
	LastCheck *time.Time `json:"last_check"`
}

// SkippedSet holds ids observed upstream that carried nothing to archive.
type SkippedSet struct {
	IDs   []int64 `json:"ids"`
	Count int     `json:"count"`
}

// IDRange is a closed interval of ids, encoded as [from, to].
type IDRange [2]int64

// NewCursorIndex returns the zero-value index of a source.
func NewCursorIndex(source string) CursorIndex {
	return CursorIndex{
		SchemaVersion:      SchemaVersion,
		SourceID:           source,
		ShardManifest:      []ShardEntry{},
		Deleted:            DeletedSet{IDs: []int64{}},
		UnconfirmedMissing: []int64{},
		Swept:              []IDRange{},
		Skipped:            SkippedSet{IDs: []int64{}},
	}
}

// Normalize replaces nil collections so a decoded document behaves like a
// fresh one.
func (c *CursorIndex) Normalize(source string) {
	if c.SourceID == "" {
		c.SourceID = source
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	if c.ShardManifest == nil {
		c.ShardManifest = []ShardEntry{}
	}
	if c.Deleted.IDs == nil {
		c.Deleted.IDs = []int64{}
	}
	if c.UnconfirmedMissing == nil {
		c.UnconfirmedMissing = []int64{}
	}
	if c.Swept == nil {
		c.Swept = []IDRange{}
	}
	if c.Skipped.IDs == nil {
		c.Skipped.IDs = []int64{}
	}
}

// ObserveIDs widens the known span to include ids.
func (c *CursorIndex) ObserveIDs(ids []int64) {
	for _, id := range ids {
		if id > c.HighestID {
			c.HighestID = id
		}
		if c.LowestID == nil || id < *c.LowestID {
			v := id
			c.LowestID = &v
		}
	}
}

// ObserveRecordTime widens the first/last record time range.
func (c *CursorIndex) ObserveRecordTime(ts time.Time) {
	if ts.IsZero() {
		return
	}
	ts = ts.UTC()
	if c.FirstRecordTime == nil || ts.Before(*c.FirstRecordTime) {
		v := ts
		c.FirstRecordTime = &v
	}
	if c.LastRecordTime == nil || ts.After(*c.LastRecordTime) {
		v := ts
		c.LastRecordTime = &v
	}
}

// UpsertShard records the latest record count of a shard file.
func (c *CursorIndex) UpsertShard(entry ShardEntry) {
	for i := range c.ShardManifest {
		if c.ShardManifest[i].Filename == entry.Filename {
			c.ShardManifest[i] = entry
			return
		}
	}
	c.ShardManifest = append(c.ShardManifest, entry)
	sort.SliceStable(c.ShardManifest, func(i, j int) bool {
		return c.ShardManifest[i].Date < c.ShardManifest[j].Date
	})
}

// AddDeleted unions ids into the deleted set and returns the ids that were
// not there before, ascending.
func (c *CursorIndex) AddDeleted(ids []int64) []int64 {
	merged, added := unionSorted(c.Deleted.IDs, ids)
	c.Deleted.IDs = merged
	c.Deleted.Count = len(merged)
	return added
}

// AddSkipped unions ids into the skipped set.
func (c *CursorIndex) AddSkipped(ids []int64) {
	merged, _ := unionSorted(c.Skipped.IDs, ids)
	c.Skipped.IDs = merged
	c.Skipped.Count = len(merged)
}

// AddSwept records that [from, to] has been covered by a fetch.
func (c *CursorIndex) AddSwept(from, to int64) {
	if from < 1 {
		from = 1
	}
	if to < from {
		return
	}
	ranges := append(append([]IDRange{}, c.Swept...), IDRange{from, to})
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })

	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && r[0] <= out[n-1][1]+1 {
			if r[1] > out[n-1][1] {
				out[n-1][1] = r[1]
			}
			continue
		}
		out = append(out, r)
	}
	c.Swept = out
}

// IsSwept reports whether id lies inside a swept interval.
func (c *CursorIndex) IsSwept(id int64) bool {
	i := sort.Search(len(c.Swept), func(i int) bool { return c.Swept[i][1] >= id })
	return i < len(c.Swept) && c.Swept[i][0] <= id
}

func unionSorted(existing, ids []int64) ([]int64, []int64) {
	seen := make(map[int64]struct{}, len(existing)+len(ids))
	merged := make([]int64, 0, len(existing)+len(ids))
	for _, id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	var added []int64
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
		added = append(added, id)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	return merged, added
}
