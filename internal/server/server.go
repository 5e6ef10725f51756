package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/database"
	"github.com/TobiSchelling/FeedSync/internal/pipeline"
	"github.com/TobiSchelling/FeedSync/internal/runlock"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Syncer runs a sync over the given sources.
type Syncer interface {
	Run(ctx context.Context, sources []collect.Source, requester string) (*pipeline.Summary, error)
}

// SourceFunc assembles the source list for a triggered run.
type SourceFunc func(ctx context.Context) ([]collect.Source, error)

// ArticleReader serves the read-only article views. Both the SQLite database
// and the DynamoDB store implement it.
type ArticleReader interface {
	ListArticles(ctx context.Context, f database.ArticleFilter) ([]database.Article, error)
	GetArticleByID(ctx context.Context, id int64) (*database.Article, error)
}

// Options configures a Server.
type Options struct {
	Syncer  Syncer
	Sources SourceFunc
	// Articles defaults to the SQLite database passed to New.
	Articles ArticleReader
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server exposes the sync trigger, the read-only article API and an HTML listing.
type Server struct {
	db       *database.DB
	articles ArticleReader
	syncer   Syncer
	sources  SourceFunc
	logger   *slog.Logger
	pages    map[string]*template.Template
	router   *chi.Mux
}

// New creates a new Server.
func New(db *database.DB, opts Options) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"formatTime": formatTime,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so that "title" and "content" can be redefined.
	pageNames := []string{"index.html", "runs.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	var articles ArticleReader = db
	if opts.Articles != nil {
		articles = opts.Articles
	}

	s := &Server{
		db:       db,
		articles: articles,
		syncer:   opts.Syncer,
		sources:  opts.Sources,
		logger:   logger,
		pages:    pages,
		router:   chi.NewRouter(),
	}
	s.routes(gatherer)
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/runs", s.handleRunsPage)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/articles", s.handleListArticles)
		r.Get("/articles/{id}", s.handleGetArticle)
		r.Get("/runs", s.handleListRuns)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	articles, err := s.articles.ListArticles(r.Context(), database.ArticleFilter{Limit: defaultPageSize})
	if err != nil {
		s.logger.Error("listing articles", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "index.html", map[string]any{"Articles": articles})
}

func (s *Server) handleRunsPage(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListSyncRuns(r.Context(), defaultPageSize)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "runs.html", map[string]any{"Runs": runs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync runs a sync. The requester comes from the X-Requester header,
// which an authenticating proxy in front of the server is trusted to set.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil || s.sources == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sync is not configured"))
		return
	}

	sources, err := s.sources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	requester := r.Header.Get("X-Requester")
	sum, err := s.syncer.Run(r.Context(), sources, requester)
	switch {
	case errors.Is(err, runlock.ErrLocked):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, pipeline.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseUint(q.Get("limit"), defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	offset, err := parseUint(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %w", err))
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	articles, err := s.articles.ListArticles(r.Context(), database.ArticleFilter{
		SourceName: q.Get("source"),
		Category:   q.Get("category"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if articles == nil {
		articles = []database.Article{}
	}
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid article id"))
		return
	}

	a, err := s.articles.GetArticleByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("article %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseUint(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}

	runs, err := s.db.ListSyncRuns(r.Context(), int(min(limit, maxPageSize)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []database.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", "name", name, "error", err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func parseUint(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve listens on addr until ctx is done. A positive interval also triggers
// a sync on that period, with requester "scheduler".
func Serve(ctx context.Context, srv *Server, addr string, interval time.Duration) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if interval > 0 && srv.syncer != nil && srv.sources != nil {
		go srv.schedule(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", "url", "http://"+addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sources, err := s.sources(ctx)
			if err != nil {
				s.logger.Error("assembling sources for scheduled sync", "error", err)
				continue
			}
			if _, err := s.syncer.Run(ctx, sources, "scheduler"); err != nil {
				s.logger.Warn("scheduled sync failed", "error", err)
			}
		}
	}
}
