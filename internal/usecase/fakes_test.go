package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ChannelArchiver/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func textMessage(id int64) domain.UpstreamMessage {
	text := fmt.Sprintf("message %d", id)
	return domain.UpstreamMessage{
		ID:        id,
		Timestamp: baseTime.Add(time.Duration(id) * time.Minute),
		Text:      &text,
		Payload:   []byte(fmt.Sprintf(`{"id":%d}`, id)),
	}
}

// fakeUpstream serves a fixed channel history honouring the paging contract.
type fakeUpstream struct {
	mu       sync.Mutex
	messages map[int64]domain.UpstreamMessage
	queries  []domain.FetchQuery
	// script is consumed one entry per call; nil entries serve normally.
	script []func(q domain.FetchQuery, page []domain.UpstreamMessage) ([]domain.UpstreamMessage, error)
}

func newFakeUpstream(ids ...int64) *fakeUpstream {
	f := &fakeUpstream{messages: map[int64]domain.UpstreamMessage{}}
	for _, id := range ids {
		f.messages[id] = textMessage(id)
	}
	return f
}

func idRange(from, to int64) []int64 {
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeUpstream) add(msgs ...domain.UpstreamMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range msgs {
		f.messages[msg.ID] = msg
	}
}

func (f *fakeUpstream) remove(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.messages, id)
	}
}

func (f *fakeUpstream) Fetch(_ context.Context, _ string, q domain.FetchQuery) ([]domain.UpstreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	var page []domain.UpstreamMessage
	for id, msg := range f.messages {
		if q.Contains(id) {
			page = append(page, msg)
		}
	}
	if q.Direction == domain.Forward {
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	} else {
		sort.Slice(page, func(i, j int) bool { return page[i].ID > page[j].ID })
	}
	if q.Limit > 0 && len(page) > q.Limit {
		page = page[:q.Limit]
	}

	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		if step != nil {
			return step(q, page)
		}
	}
	return page, nil
}

func (f *fakeUpstream) recorded() []domain.FetchQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FetchQuery(nil), f.queries...)
}

// rateLimitedAfter serves the first n messages of the page and then
// reports a rate limit.
func rateLimitedAfter(n int, wait time.Duration) func(domain.FetchQuery, []domain.UpstreamMessage) ([]domain.UpstreamMessage, error) {
	return func(_ domain.FetchQuery, page []domain.UpstreamMessage) ([]domain.UpstreamMessage, error) {
		if len(page) > n {
			page = page[:n]
		}
		return page, &domain.RateLimitedError{Wait: wait}
	}
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

// memoryIndexes is an in-memory IndexStore.
type memoryIndexes struct {
	mu      sync.Mutex
	indexes map[string]domain.CursorIndex
}

func newMemoryIndexes() *memoryIndexes {
	return &memoryIndexes{indexes: map[string]domain.CursorIndex{}}
}

func (m *memoryIndexes) Load(source string) domain.CursorIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index, ok := m.indexes[source]; ok {
		return index
	}
	return domain.NewCursorIndex(source)
}

func (m *memoryIndexes) Save(source string, index domain.CursorIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[source] = index
	return nil
}

func (m *memoryIndexes) Sources() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for source := range m.indexes {
		out = append(out, source)
	}
	sort.Strings(out)
	return out, nil
}

type recordingCatalog struct {
	mu        sync.Mutex
	published []domain.CursorIndex
	deleted   []int64
}

func (c *recordingCatalog) PublishIndex(_ context.Context, index domain.CursorIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, index)
	return nil
}

func (c *recordingCatalog) RecordDeletions(_ context.Context, _ string, ids []int64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, ids...)
	return nil
}
