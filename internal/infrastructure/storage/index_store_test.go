package storage

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ChannelArchiver/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIndexStoreLoadMissingReturnsFresh(t *testing.T) {
	t.Parallel()

	store := NewIndexStore(t.TempDir(), discardLogger())
	index := store.Load("chan")

	if diff := cmp.Diff(domain.NewCursorIndex("chan"), index); diff != "" {
		t.Fatalf("unexpected fresh index (-want +got):\n%s", diff)
	}
}

func TestIndexStoreSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewIndexStore(root, discardLogger())

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	index := domain.NewCursorIndex("chan")
	index.ObserveIDs([]int64{5, 9, 7})
	index.ObserveRecordTime(ts)
	index.TotalArchived = 3
	index.LastUpdated = &ts
	index.UpsertShard(domain.ShardEntry{Filename: "2025-03-01.json.gz", Date: "2025-03-01", RecordCount: 3})
	index.AddDeleted([]int64{6})
	index.AddSwept(5, 9)

	if err := store.Save("chan", index); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := store.Load("chan")
	if diff := cmp.Diff(index, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Join(root, "chan"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestIndexStoreLoadCorruptQuarantines(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "chan", indexFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewIndexStore(root, discardLogger())
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	index := store.Load("chan")
	if index.HighestID != 0 || index.LowestID != nil || index.TotalArchived != 0 {
		t.Fatalf("expected fresh index, got %+v", index)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt index to be moved, stat err=%v", err)
	}
	if _, err := os.Stat(path + ".corrupt-1700000000"); err != nil {
		t.Fatalf("expected quarantined copy: %v", err)
	}
}

func TestIndexStoreLoadRejectsInvertedSpan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "chan", indexFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := `{"schema_version":1,"source_id":"chan","highest_id":10,"lowest_id":20}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	index := NewIndexStore(root, discardLogger()).Load("chan")
	if index.LowestID != nil || index.HighestID != 0 {
		t.Fatalf("expected fresh index, got highest=%d lowest=%v", index.HighestID, index.LowestID)
	}
}

func TestIndexStorePeekLeavesCorruptIndexInPlace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "chan", indexFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewIndexStore(root, discardLogger())
	if _, err := store.Peek("chan"); !errors.Is(err, domain.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "{not json" {
		t.Fatalf("corrupt index must stay untouched: %q %v", data, err)
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 0 {
		t.Fatalf("peek must not quarantine: %v", matches)
	}

	fresh, err := store.Peek("other")
	if err != nil {
		t.Fatalf("peek missing: %v", err)
	}
	if diff := cmp.Diff(domain.NewCursorIndex("other"), fresh); diff != "" {
		t.Fatalf("unexpected fresh index (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(root, "other")); !os.IsNotExist(err) {
		t.Fatalf("peek must not create directories, stat err=%v", err)
	}
}

func TestIndexStoreSources(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewIndexStore(root, discardLogger())
	for _, source := range []string{"beta", "alpha"} {
		if err := store.Save(source, domain.NewCursorIndex(source)); err != nil {
			t.Fatalf("save %s: %v", source, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	sources, err := store.Sources()
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, sources); diff != "" {
		t.Fatalf("unexpected sources (-want +got):\n%s", diff)
	}
}
