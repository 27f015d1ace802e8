package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
)

const catalogTimeout = 30 * time.Second

// Cycle kinds reported by the archiver.
const (
	CycleMonitor  = "monitor"
	CycleBackfill = "backfill"
)

// ArchiverDeps wires the stores and collaborators of an Archiver.
type ArchiverDeps struct {
	Indexes  ports.IndexStore
	Shards   ports.ShardStore
	Fetcher  *BatchFetcher
	Gaps     *GapDetector
	Catalog  ports.Catalog
	Logger   *slog.Logger
	Clock    func() time.Time
	Location *time.Location

	// InitialFetchLimit caps the first fetch of a new source; 0 fetches
	// the whole history.
	InitialFetchLimit int
	// BackfillLimit caps every backfill fetch; 0 is unbounded.
	BackfillLimit int
	// GapCheckInterval spaces gap checks out; 0 checks on every monitor
	// cycle.
	GapCheckInterval time.Duration
}

// CycleReport summarises one monitor or backfill cycle.
type CycleReport struct {
	Source       string
	Kind         string
	Noop         bool
	Query        domain.FetchQuery
	Fetched      int
	Archived     int
	Skipped      int
	Complete     bool
	GapChecked   bool
	NewlyDeleted []int64
	Unconfirmed  int
	HighestID    int64
	LowestID     *int64
	Total        int64
}

type sourceState struct {
	lock   chan struct{}
	stored map[int64]struct{}
}

// Archiver runs monitor and backfill cycles. Cycles of the same source
// never overlap; different sources proceed independently.
type Archiver struct {
	indexes           ports.IndexStore
	shards            ports.ShardStore
	fetcher           *BatchFetcher
	gaps              *GapDetector
	catalog           ports.Catalog
	logger            *slog.Logger
	clock             func() time.Time
	location          *time.Location
	initialFetchLimit int
	backfillLimit     int
	gapCheckInterval  time.Duration

	mu     sync.Mutex
	states map[string]*sourceState
}

// NewArchiver constructs the archiver.
func NewArchiver(deps ArchiverDeps) *Archiver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	gaps := deps.Gaps
	if gaps == nil {
		gaps = NewGapDetector(0, logger)
	}
	return &Archiver{
		indexes:           deps.Indexes,
		shards:            deps.Shards,
		fetcher:           deps.Fetcher,
		gaps:              gaps,
		catalog:           deps.Catalog,
		logger:            logger,
		clock:             clock,
		location:          location,
		initialFetchLimit: deps.InitialFetchLimit,
		backfillLimit:     deps.BackfillLimit,
		gapCheckInterval:  deps.GapCheckInterval,
		states:            map[string]*sourceState{},
	}
}

// RunMonitorCycle fetches messages above highest_id (or the newest ones
// for a new source), archives them and checks the span for gaps.
func (a *Archiver) RunMonitorCycle(ctx context.Context, source string) (CycleReport, error) {
	report := CycleReport{Source: source, Kind: CycleMonitor}

	state, release, err := a.acquire(ctx, source)
	if err != nil {
		return report, err
	}
	defer release()

	index := a.indexes.Load(source)
	q := domain.FetchQuery{Direction: domain.Forward, LowID: index.HighestID}
	if index.HighestID == 0 {
		q = domain.FetchQuery{Direction: domain.Backward, Limit: a.initialFetchLimit}
	}
	report.Query = q

	batch, err := a.fetcher.Fetch(ctx, source, q)
	if err != nil {
		return report, fmt.Errorf("monitor fetch %s: %w", source, err)
	}

	now := a.clock()
	if err := a.apply(source, state, &index, q, batch, now, &report); err != nil {
		return report, err
	}

	var newlyDeleted []int64
	if a.gapCheckDue(index, now) {
		newlyDeleted = a.checkGaps(state, &index, now, &report)
	}

	stamp := now.UTC()
	index.LastUpdated = &stamp
	if err := a.indexes.Save(source, index); err != nil {
		return report, fmt.Errorf("save index %s: %w", source, err)
	}
	a.fillTotals(index, &report)
	a.publish(ctx, index, newlyDeleted, now)

	a.logger.Info("monitor cycle done", "source", source, "fetched", report.Fetched,
		"archived", report.Archived, "complete", report.Complete, "highest_id", index.HighestID,
		"total", index.TotalArchived, "new_deleted", len(newlyDeleted))
	return report, nil
}

// RunBackfillCycle fetches messages below lowest_id. It is a no-op when
// nothing is known yet or history already reaches the first message.
func (a *Archiver) RunBackfillCycle(ctx context.Context, source string) (CycleReport, error) {
	report := CycleReport{Source: source, Kind: CycleBackfill}

	state, release, err := a.acquire(ctx, source)
	if err != nil {
		return report, err
	}
	defer release()

	index := a.indexes.Load(source)
	if index.LowestID == nil || *index.LowestID <= 1 || index.HistoryComplete {
		report.Noop = true
		a.fillTotals(index, &report)
		a.logger.Debug("backfill not needed", "source", source, "lowest_id", index.LowestID,
			"history_complete", index.HistoryComplete)
		return report, nil
	}

	q := domain.FetchQuery{Direction: domain.Backward, HighID: *index.LowestID, Limit: a.backfillLimit}
	report.Query = q

	batch, err := a.fetcher.Fetch(ctx, source, q)
	if err != nil {
		return report, fmt.Errorf("backfill fetch %s: %w", source, err)
	}

	now := a.clock()
	if err := a.apply(source, state, &index, q, batch, now, &report); err != nil {
		return report, err
	}

	stamp := now.UTC()
	index.LastBackfill = &stamp
	if err := a.indexes.Save(source, index); err != nil {
		return report, fmt.Errorf("save index %s: %w", source, err)
	}
	a.fillTotals(index, &report)
	a.publish(ctx, index, nil, now)

	a.logger.Info("backfill cycle done", "source", source, "fetched", report.Fetched,
		"archived", report.Archived, "complete", report.Complete, "lowest_id", index.LowestID,
		"total", index.TotalArchived, "history_complete", index.HistoryComplete)
	return report, nil
}

// Reindex rebuilds the counters, span, record times and shard manifest of
// source from its shards. Deletion and sweep bookkeeping is kept.
func (a *Archiver) Reindex(ctx context.Context, source string) (domain.CursorIndex, error) {
	state, release, err := a.acquire(ctx, source)
	if err != nil {
		return domain.CursorIndex{}, err
	}
	defer release()

	shards, err := a.shards.Shards(source)
	if err != nil {
		return domain.CursorIndex{}, fmt.Errorf("read shards %s: %w", source, err)
	}

	old := a.indexes.Load(source)
	index := domain.NewCursorIndex(source)
	index.LastUpdated = old.LastUpdated
	index.LastBackfill = old.LastBackfill
	index.LastGapCheck = old.LastGapCheck
	index.HistoryComplete = old.HistoryComplete
	index.Deleted = old.Deleted
	index.UnconfirmedMissing = old.UnconfirmedMissing
	index.Swept = old.Swept
	index.Skipped = old.Skipped
	index.ObserveIDs(old.Skipped.IDs)

	stored := make(map[int64]struct{})
	for _, shard := range shards {
		for _, rec := range shard.Records {
			stored[rec.ID] = struct{}{}
			index.ObserveIDs([]int64{rec.ID})
			index.ObserveRecordTime(rec.Timestamp)
		}
		index.UpsertShard(domain.ShardEntry{
			Filename:    domain.ShardFilename(shard.Metadata.Date),
			Date:        shard.Metadata.Date,
			RecordCount: len(shard.Records),
		})
	}
	index.TotalArchived = int64(len(stored))
	if index.TotalArchived < old.TotalArchived {
		a.logger.Warn("reindex found fewer records than previously counted",
			"source", source, "counted", old.TotalArchived, "found", index.TotalArchived)
	}

	if err := a.indexes.Save(source, index); err != nil {
		return domain.CursorIndex{}, fmt.Errorf("save index %s: %w", source, err)
	}
	state.stored = stored
	a.publish(ctx, index, nil, a.clock())

	a.logger.Info("reindex done", "source", source, "shards", len(shards), "total", index.TotalArchived)
	return index, nil
}

func (a *Archiver) acquire(ctx context.Context, source string) (*sourceState, func(), error) {
	a.mu.Lock()
	state, ok := a.states[source]
	if !ok {
		state = &sourceState{lock: make(chan struct{}, 1)}
		a.states[source] = state
	}
	a.mu.Unlock()

	select {
	case state.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return state, func() { <-state.lock }, nil
}

func (a *Archiver) storedIDs(source string, state *sourceState) (map[int64]struct{}, error) {
	if state.stored != nil {
		return state.stored, nil
	}
	ids, err := a.shards.StoredIDs(source)
	if err != nil {
		return nil, err
	}
	state.stored = ids
	return ids, nil
}

// apply archives a fetched batch and folds it into the index.
func (a *Archiver) apply(source string, state *sourceState, index *domain.CursorIndex,
	q domain.FetchQuery, batch Batch, now time.Time, report *CycleReport) error {
	report.Fetched = len(batch.Messages)
	report.Complete = batch.Complete

	stored, err := a.storedIDs(source, state)
	if err != nil {
		return fmt.Errorf("load stored ids %s: %w", source, err)
	}

	records := make([]domain.Record, 0, len(batch.Messages))
	var skipped []int64
	for _, msg := range batch.Messages {
		rec, skip := Normalize(msg)
		if skip {
			skipped = append(skipped, msg.ID)
			continue
		}
		records = append(records, rec)
	}
	report.Skipped = len(skipped)

	if len(records) > 0 {
		date := now.In(a.location).Format(domain.ShardDateLayout)
		res, err := a.shards.MergeBatch(source, date, records)
		if err != nil {
			return fmt.Errorf("merge shard %s: %w", source, err)
		}
		index.UpsertShard(domain.ShardEntry{Filename: res.Filename, Date: res.Date, RecordCount: res.TotalCount})

		archived := 0
		for _, rec := range records {
			if _, ok := stored[rec.ID]; !ok {
				stored[rec.ID] = struct{}{}
				archived++
			}
			index.ObserveRecordTime(rec.Timestamp)
		}
		index.TotalArchived += int64(archived)
		report.Archived = archived
	}

	index.ObserveIDs(batch.IDs())
	index.AddSkipped(skipped)
	markSwept(index, q, batch)
	return nil
}

// markSwept records the id range a batch proves to be fully observed.
func markSwept(index *domain.CursorIndex, q domain.FetchQuery, batch Batch) {
	exhausted := batch.Complete && (q.Limit == 0 || len(batch.Messages) < q.Limit)
	reachedStart := q.Direction == domain.Backward && exhausted && q.LowID == 0

	if len(batch.Messages) == 0 {
		if reachedStart && q.HighID > 0 {
			index.AddSwept(1, q.HighID-1)
			index.HistoryComplete = true
		}
		return
	}

	minID := batch.Messages[0].ID
	maxID := batch.Messages[len(batch.Messages)-1].ID
	if q.Direction == domain.Forward {
		index.AddSwept(q.LowID+1, maxID)
		return
	}

	top := maxID
	if q.HighID > 0 {
		top = q.HighID - 1
	}
	bottom := minID
	if exhausted && q.LowID > 0 {
		bottom = q.LowID + 1
	}
	if reachedStart {
		bottom = 1
		index.HistoryComplete = true
	}
	index.AddSwept(bottom, top)
}

func (a *Archiver) gapCheckDue(index domain.CursorIndex, now time.Time) bool {
	if a.gapCheckInterval <= 0 || index.LastGapCheck == nil {
		return true
	}
	return now.Sub(*index.LastGapCheck) >= a.gapCheckInterval
}

func (a *Archiver) checkGaps(state *sourceState, index *domain.CursorIndex, now time.Time, report *CycleReport) []int64 {
	stored := state.stored
	if stored == nil {
		stored = map[int64]struct{}{}
	}
	candidates := a.gaps.Detect(*index, stored)
	confirmed, unconfirmed := Classify(*index, candidates)
	added := index.AddDeleted(confirmed)
	index.UnconfirmedMissing = unconfirmed

	stamp := now.UTC()
	index.Deleted.LastCheck = &stamp
	index.LastGapCheck = &stamp

	report.GapChecked = true
	report.NewlyDeleted = added
	report.Unconfirmed = len(unconfirmed)
	if len(added) > 0 {
		a.logger.Info("deleted messages detected", "source", index.SourceID, "count", len(added),
			"first", added[0], "last", added[len(added)-1])
	}
	return added
}

func (a *Archiver) fillTotals(index domain.CursorIndex, report *CycleReport) {
	report.HighestID = index.HighestID
	report.LowestID = index.LowestID
	report.Total = index.TotalArchived
}

// publish mirrors the saved index into the catalog. Failures are logged;
// the files on disk stay authoritative.
func (a *Archiver) publish(ctx context.Context, index domain.CursorIndex, deleted []int64, now time.Time) {
	if a.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogTimeout)
	defer cancel()

	if err := a.catalog.PublishIndex(ctx, index); err != nil {
		a.logger.Warn("catalog publish failed", "source", index.SourceID, "error", err)
	}
	if len(deleted) > 0 {
		if err := a.catalog.RecordDeletions(ctx, index.SourceID, deleted, now); err != nil {
			a.logger.Warn("catalog deletions failed", "source", index.SourceID, "error", err)
		}
	}
}
