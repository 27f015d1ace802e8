package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
)

const indexFilename = "index.json"

// IndexStore keeps one index.json per source directory under root.
type IndexStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ ports.IndexStore  = (*IndexStore)(nil)
	_ ports.IndexReader = (*IndexStore)(nil)
)

// NewIndexStore builds a store rooted at the archive data directory.
func NewIndexStore(root string, logger *slog.Logger) *IndexStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexStore{root: root, logger: logger, now: time.Now}
}

// Load returns the stored index of source. A missing document yields a
// fresh index; an unreadable one is moved aside and also yields a fresh
// index, so one bad file never stops the archive.
func (s *IndexStore) Load(source string) domain.CursorIndex {
	path := s.path(source)
	index, err := s.read(source, path)
	switch {
	case err == nil:
		return index
	case errors.Is(err, domain.ErrCorruptState):
		s.discard(source, path, err)
	case !errors.Is(err, os.ErrNotExist):
		s.logger.Warn("index unreadable, starting from empty index", "source", source, "error", err)
	}
	return domain.NewCursorIndex(source)
}

// Peek decodes the stored index of source and leaves the file alone. A
// missing document yields a fresh index; a corrupt one is reported as an
// error wrapping domain.ErrCorruptState.
func (s *IndexStore) Peek(source string) (domain.CursorIndex, error) {
	index, err := s.read(source, s.path(source))
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewCursorIndex(source), nil
	}
	if err != nil {
		return domain.CursorIndex{}, fmt.Errorf("peek index %s: %w", source, err)
	}
	return index, nil
}

func (s *IndexStore) read(source, path string) (domain.CursorIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CursorIndex{}, err
	}

	var index domain.CursorIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return domain.CursorIndex{}, fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	if index.LowestID != nil && *index.LowestID > index.HighestID {
		return domain.CursorIndex{}, fmt.Errorf("%w: lowest_id %d above highest_id %d",
			domain.ErrCorruptState, *index.LowestID, index.HighestID)
	}
	index.Normalize(source)
	return index, nil
}

// Save overwrites the index of source atomically.
func (s *IndexStore) Save(source string, index domain.CursorIndex) error {
	index.Normalize(source)
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", source, err)
	}
	if err := writeFileAtomic(s.path(source), data, 0o644); err != nil {
		return fmt.Errorf("save index %s: %w", source, err)
	}
	return nil
}

// Sources lists the source directories that hold an index.
func (s *IndexStore) Sources() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sources: %w", err)
	}
	var sources []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), indexFilename)); err == nil {
			sources = append(sources, entry.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func (s *IndexStore) path(source string) string {
	return filepath.Join(s.root, source, indexFilename)
}

func (s *IndexStore) discard(source, path string, cause error) {
	moved, err := quarantine(path, s.now())
	if err != nil {
		s.logger.Warn("index corrupt, starting from empty index", "source", source, "error", cause, "quarantine_error", err)
		return
	}
	s.logger.Warn("index corrupt, starting from empty index", "source", source, "error", cause, "moved_to", moved)
}
