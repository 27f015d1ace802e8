package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ChannelArchiver/internal/domain"
	"ChannelArchiver/internal/ports"
	"ChannelArchiver/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// SourceSummary is the list view of one source.
type SourceSummary struct {
	SourceID         string     `json:"source_id"`
	TotalArchived    int64      `json:"total_archived"`
	HighestID        int64      `json:"highest_id"`
	LowestID         *int64     `json:"lowest_id"`
	LastUpdated      *time.Time `json:"last_updated"`
	LastBackfill     *time.Time `json:"last_backfill"`
	HistoryComplete  bool       `json:"history_complete"`
	Shards           int        `json:"shards"`
	DeletedCount     int        `json:"deleted_count"`
	UnconfirmedCount int        `json:"unconfirmed_count"`
	Error            string     `json:"error,omitempty"`
}

// Server exposes the per-source indexes read-only over HTTP. Handlers
// never write to the archive.
type Server struct {
	addr    string
	indexes ports.IndexReader
	catalog ports.CatalogReader
	sources []string
	logger  *slog.Logger
	router  *chi.Mux
}

// NewServer builds the router. sources are the configured channels; sources
// found on disk are listed as well. catalog may be nil.
func NewServer(addr string, indexes ports.IndexReader, catalog ports.CatalogReader, sources []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, indexes: indexes, catalog: catalog, sources: sources, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/sources", s.handleSources)
	r.Get("/sources/{source}", s.handleSource)
	r.Get("/sources/{source}/deleted", s.handleDeleted)
	r.Get("/sources/{source}/catalog", s.handleCatalog)
	s.router = r
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.FromSlog(s.logger, "status", slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	names, err := s.knownSources()
	if err != nil {
		s.logger.Error("list sources", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cannot list sources"})
		return
	}
	out := make([]SourceSummary, 0, len(names))
	for _, name := range names {
		index, err := s.indexes.Peek(name)
		if err != nil {
			s.logger.Warn("index unreadable", "source", name, "error", err)
			out = append(out, SourceSummary{SourceID: name, Error: "index unreadable"})
			continue
		}
		out = append(out, summarize(index))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	index, ok := s.sourceIndex(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, index)
}

// handleDeleted lists confirmed deleted ids, from the catalog when one is
// configured and from the index otherwise.
func (s *Server) handleDeleted(w http.ResponseWriter, r *http.Request) {
	if s.catalog != nil {
		name := chi.URLParam(r, "source")
		ids, err := s.catalog.DeletedIDs(r.Context(), name)
		if err != nil {
			s.logger.Error("catalog deleted ids", "source", name, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "catalog unavailable"})
			return
		}
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, ids)
		return
	}

	index, ok := s.sourceIndex(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, index.Deleted.IDs)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "catalog not configured"})
		return
	}
	name := chi.URLParam(r, "source")
	summary, err := s.catalog.Summary(r.Context(), name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not in catalog"})
	case err != nil:
		s.logger.Error("catalog summary", "source", name, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "catalog unavailable"})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// sourceIndex resolves the {source} parameter to its index, writing the
// error response itself when that fails.
func (s *Server) sourceIndex(w http.ResponseWriter, r *http.Request) (domain.CursorIndex, bool) {
	name := chi.URLParam(r, "source")
	names, err := s.knownSources()
	if err != nil {
		s.logger.Error("list sources", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cannot list sources"})
		return domain.CursorIndex{}, false
	}
	idx := sort.SearchStrings(names, name)
	if idx == len(names) || names[idx] != name {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source"})
		return domain.CursorIndex{}, false
	}
	index, err := s.indexes.Peek(name)
	if err != nil {
		s.logger.Warn("index unreadable", "source", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "index unreadable"})
		return domain.CursorIndex{}, false
	}
	return index, true
}

func (s *Server) knownSources() ([]string, error) {
	onDisk, err := s.indexes.Sources()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var names []string
	for _, name := range append(append([]string{}, s.sources...), onDisk...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func summarize(index domain.CursorIndex) SourceSummary {
	return SourceSummary{
		SourceID:         index.SourceID,
		TotalArchived:    index.TotalArchived,
		HighestID:        index.HighestID,
		LowestID:         index.LowestID,
		LastUpdated:      index.LastUpdated,
		LastBackfill:     index.LastBackfill,
		HistoryComplete:  index.HistoryComplete,
		Shards:           len(index.ShardManifest),
		DeletedCount:     index.Deleted.Count,
		UnconfirmedCount: len(index.UnconfirmedMissing),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
