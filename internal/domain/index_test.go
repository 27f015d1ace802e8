package domain

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestObserveIDsWidensSpan(t *testing.T) {
	t.Parallel()

	index := NewCursorIndex("chan")
	index.ObserveIDs([]int64{50, 40, 60})
	index.ObserveIDs([]int64{55})

	if index.HighestID != 60 {
		t.Fatalf("unexpected highest id: %d", index.HighestID)
	}
	if index.LowestID == nil || *index.LowestID != 40 {
		t.Fatalf("unexpected lowest id: %v", index.LowestID)
	}
}

func TestObserveRecordTime(t *testing.T) {
	t.Parallel()

	index := NewCursorIndex("chan")
	mid := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	index.ObserveRecordTime(mid)
	index.ObserveRecordTime(mid.Add(-time.Hour))
	index.ObserveRecordTime(mid.Add(time.Hour))
	index.ObserveRecordTime(time.Time{})

	if !index.FirstRecordTime.Equal(mid.Add(-time.Hour)) || !index.LastRecordTime.Equal(mid.Add(time.Hour)) {
		t.Fatalf("unexpected range: %v .. %v", index.FirstRecordTime, index.LastRecordTime)
	}
}

func TestAddDeletedOnlyGrows(t *testing.T) {
	t.Parallel()

	index := NewCursorIndex("chan")
	added := index.AddDeleted([]int64{15, 12})
	if diff := cmp.Diff([]int64{12, 15}, added); diff != "" {
		t.Fatalf("unexpected added (-want +got):\n%s", diff)
	}
	added = index.AddDeleted([]int64{15, 19, 17})
	if diff := cmp.Diff([]int64{17, 19}, added); diff != "" {
		t.Fatalf("unexpected added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{12, 15, 17, 19}, index.Deleted.IDs); diff != "" {
		t.Fatalf("unexpected deleted ids (-want +got):\n%s", diff)
	}
	if index.Deleted.Count != 4 {
		t.Fatalf("unexpected count: %d", index.Deleted.Count)
	}
}

func TestAddSweptMergesIntervals(t *testing.T) {
	t.Parallel()

	index := NewCursorIndex("chan")
	index.AddSwept(10, 20)
	index.AddSwept(30, 40)
	index.AddSwept(21, 25)
	index.AddSwept(-5, 2)
	index.AddSwept(9, 3)

	want := []IDRange{{1, 2}, {10, 25}, {30, 40}}
	if diff := cmp.Diff(want, index.Swept); diff != "" {
		t.Fatalf("unexpected swept (-want +got):\n%s", diff)
	}

	tests := []struct {
		id   int64
		want bool
	}{
		{1, true}, {5, false}, {10, true}, {25, true}, {26, false}, {40, true}, {41, false},
	}
	for _, tc := range tests {
		if got := index.IsSwept(tc.id); got != tc.want {
			t.Fatalf("IsSwept(%d) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestUpsertShardKeepsDateOrder(t *testing.T) {
	t.Parallel()

	index := NewCursorIndex("chan")
	index.UpsertShard(ShardEntry{Filename: ShardFilename("2025-01-03"), Date: "2025-01-03", RecordCount: 1})
	index.UpsertShard(ShardEntry{Filename: ShardFilename("2025-01-01"), Date: "2025-01-01", RecordCount: 2})
	index.UpsertShard(ShardEntry{Filename: ShardFilename("2025-01-03"), Date: "2025-01-03", RecordCount: 5})

	want := []ShardEntry{
		{Filename: "2025-01-01.json.gz", Date: "2025-01-01", RecordCount: 2},
		{Filename: "2025-01-03.json.gz", Date: "2025-01-03", RecordCount: 5},
	}
	if diff := cmp.Diff(want, index.ShardManifest); diff != "" {
		t.Fatalf("unexpected manifest (-want +got):\n%s", diff)
	}
}

func TestFetchQueryContains(t *testing.T) {
	t.Parallel()

	q := FetchQuery{LowID: 10, HighID: 20}
	for id, want := range map[int64]bool{10: false, 11: true, 19: true, 20: false} {
		if got := q.Contains(id); got != want {
			t.Fatalf("Contains(%d) = %v, want %v", id, got, want)
		}
	}
	if !(FetchQuery{}).Contains(1) {
		t.Fatalf("unbounded query must contain every id")
	}
}
