package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"ChannelArchiver/internal/config"
	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/infrastructure/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// previewPage serves a channel preview with ids 1..30, all on one page.
func previewPage(w http.ResponseWriter, r *http.Request) {
	before := int64(31)
	if v := r.URL.Query().Get("before"); v != "" {
		before, _ = strconv.ParseInt(v, 10, 64)
	}
	if r.URL.Query().Get("after") != "" {
		before = 0
	}
	var b strings.Builder
	for id := int64(1); id < before; id++ {
		fmt.Fprintf(&b, `<div class="tgme_widget_message" data-post="x/%d"><div class="tgme_widget_message_text">post %d</div>
		<span class="tgme_widget_message_meta"><time datetime="2025-03-01T10:00:00+00:00"></time></span></div>`, id, id)
	}
	_, _ = io.WriteString(w, "<html><body>"+b.String()+"</body></html>")
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.LoadFrom(func(key string) string {
		return map[string]string{
			"TARGET_CHANNELS":     "alpha,beta",
			"DATA_DIR":            dir,
			"UPSTREAM_BASE_URL":   baseURL,
			"UPSTREAM_RPS":        "0",
			"INITIAL_FETCH_LIMIT": "10",
			"BACKFILL_LIMIT":      "0",
			"CATALOG_DSN":         "sqlite://" + filepath.Join(dir, "catalog.db"),
		}[key]
	})
}

func TestApplicationRunOnceAgainstPreview(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(previewPage))
	defer ts.Close()

	cfg := testConfig(t, ts.URL)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx := context.Background()
	application, err := New(ctx, cfg, discardLogger(), Options{HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer application.Close()

	if err := application.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	indexes := storage.NewIndexStore(cfg.Archive.DataDir, discardLogger())
	for _, src := range []string{"alpha", "beta"} {
		index := indexes.Load(src)
		if index.TotalArchived != 30 || index.HighestID != 30 || *index.LowestID != 1 || !index.HistoryComplete {
			t.Fatalf("%s: unexpected index total=%d highest=%d lowest=%v complete=%v",
				src, index.TotalArchived, index.HighestID, index.LowestID, index.HistoryComplete)
		}
	}

	summary, err := application.catalog.Summary(ctx, "alpha")
	if err != nil {
		t.Fatalf("catalog summary: %v", err)
	}
	if summary.TotalArchived != 30 || summary.ShardCount != 1 {
		t.Fatalf("unexpected catalog summary: %+v", summary)
	}

	if err := application.Reindex(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if index := indexes.Load("alpha"); index.TotalArchived != 30 {
		t.Fatalf("reindex changed total: %d", index.TotalArchived)
	}
}

type staticSource struct{}

func (staticSource) Fetch(_ context.Context, _ string, q domain.FetchQuery) ([]domain.UpstreamMessage, error) {
	return nil, nil
}

func TestApplicationRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Catalog.DSN = ""
	cfg.Status.Addr = "127.0.0.1:0"

	application, err := New(context.Background(), cfg, discardLogger(), Options{Source: staticSource{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("application did not stop")
	}
}

func TestApplicationRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Catalog.DSN = "mysql://nowhere"
	if _, err := New(context.Background(), cfg, discardLogger(), Options{Source: staticSource{}}); err == nil {
		t.Fatalf("expected catalog error")
	}
}
