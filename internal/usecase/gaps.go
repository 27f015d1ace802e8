package usecase

import (
	"log/slog"

	"ChannelArchiver/internal/domain"
)

// GapDetector finds ids inside the known span that are neither stored nor
// already recorded as deleted.
type GapDetector struct {
	maxSpan int64
	logger  *slog.Logger
}

// NewGapDetector builds a detector. Spans wider than maxSpan are skipped;
// zero disables the guard.
func NewGapDetector(maxSpan int64, logger *slog.Logger) *GapDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapDetector{maxSpan: maxSpan, logger: logger}
}

// Detect returns the ascending ids of [lowest_id, highest_id] that are
// missing from stored and from the deleted set. Ids the index records as
// skipped count as stored.
func (g *GapDetector) Detect(index domain.CursorIndex, stored map[int64]struct{}) []int64 {
	if index.LowestID == nil || *index.LowestID >= index.HighestID {
		return nil
	}
	low, high := *index.LowestID, index.HighestID
	if g.maxSpan > 0 && high-low+1 > g.maxSpan {
		g.logger.Warn("span too wide, gap check skipped",
			"source", index.SourceID, "lowest_id", low, "highest_id", high, "max_span", g.maxSpan)
		return nil
	}

	known := make(map[int64]struct{}, len(index.Deleted.IDs)+len(index.Skipped.IDs))
	for _, id := range index.Deleted.IDs {
		known[id] = struct{}{}
	}
	for _, id := range index.Skipped.IDs {
		known[id] = struct{}{}
	}

	var missing []int64
	for id := low; id <= high; id++ {
		if _, ok := stored[id]; ok {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}

// Classify splits gap candidates into ids confirmed deleted, because a
// fetch already swept over them, and ids not yet covered by any fetch.
func Classify(index domain.CursorIndex, candidates []int64) (confirmed, unconfirmed []int64) {
	confirmed = []int64{}
	unconfirmed = []int64{}
	for _, id := range candidates {
		if index.IsSwept(id) {
			confirmed = append(confirmed, id)
		} else {
			unconfirmed = append(unconfirmed, id)
		}
	}
	return confirmed, unconfirmed
}
