// Package server provides the local HTTP API consumed by UI surfaces.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/auth"
	"github.com/bryan-buckman/bookvore/internal/downloads"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/metrics"
	"github.com/bryan-buckman/bookvore/internal/model"
)

const shutdownTimeout = 10 * time.Second

// Sessions is the session surface the API needs. *auth.Manager satisfies it.
type Sessions interface {
	Current() (model.Session, error)
	Status() auth.Status
	SignIn(ctx context.Context, p model.LoginPayload) (model.Session, error)
	SignOut(ctx context.Context) error
	SetAPIKey(ctx context.Context, key string) (model.Session, error)
}

// Catalog fetches feeds. *catalog.Client satisfies it.
type Catalog interface {
	FetchRoot(ctx context.Context, s model.Session) (model.Feed, error)
	FetchByHref(ctx context.Context, s model.Session, href string) (model.Feed, error)
}

// Downloader starts background downloads. *downloads.Engine satisfies it.
type Downloader interface {
	Start(ctx context.Context, s model.Session, entry model.Entry, link model.Link) (model.DownloadRecord, error)
	Store() *downloads.Store
	Wait()
}

// Server is the main HTTP server.
type Server struct {
	sessions   Sessions
	catalog    Catalog
	downloader Downloader
	router     chi.Router
	logger     *zap.Logger

	// bg outlives requests: downloads started over HTTP and event streams
	// run on it until Stop.
	bg     context.Context
	cancel context.CancelFunc
}

// New creates a new server.
func New(sessions Sessions, catalog Catalog, downloader Downloader) *Server {
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions:   sessions,
		catalog:    catalog,
		downloader: downloader,
		logger:     logging.L(),
		bg:         bg,
		cancel:     cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/", s.handleSignIn)
			r.Delete("/", s.handleSignOut)
			r.Put("/apikey", s.handleSetAPIKey)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/", s.handleRootFeed)
			r.Get("/feed", s.handleSubFeed)
		})

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", s.handleListDownloads)
			r.Post("/", s.handleStartDownload)
			r.Get("/events", s.handleDownloadEvents)
			r.Get("/lookup", s.handleLookupDownload)
			r.Get("/{id}", s.handleGetDownload)
			r.Get("/{id}/file", s.handleDownloadFile)
		})
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Stop()
		return err
	case <-ctx.Done():
	}

	// Event streams never go idle; end them before Shutdown waits on them.
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Stop()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop cancels background downloads and waits for them to record their
// final status.
func (s *Server) Stop() {
	s.cancel()
	s.downloader.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
