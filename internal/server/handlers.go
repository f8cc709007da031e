package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/auth"
	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/downloads"
	"github.com/bryan-buckman/bookvore/internal/metrics"
	"github.com/bryan-buckman/bookvore/internal/model"
	"github.com/bryan-buckman/bookvore/internal/opds"
)

const sseKeepAlive = 15 * time.Second

// --- Session ---

// sessionView is the session as shown to UIs. Tokens stay server-side.
type sessionView struct {
	Status    auth.Status `json:"status"`
	Host      string      `json:"host,omitempty"`
	BaseURL   string      `json:"baseUrl,omitempty"`
	Username  string      `json:"username,omitempty"`
	ExpiresAt string      `json:"expiresAt,omitempty"`
	HasAPIKey bool        `json:"hasApiKey"`
}

func newSessionView(status auth.Status, sess model.Session) sessionView {
	return sessionView{
		Status:    status,
		Host:      sess.Host,
		BaseURL:   sess.BaseURL,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
		HasAPIKey: sess.HasAPIKey(),
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Current()
	if err != nil {
		writeJSON(w, http.StatusOK, sessionView{Status: s.sessions.Status()})
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.sessions.Status(), sess))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req model.LoginPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}
	sess, err := s.sessions.SignIn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.sessions.Status(), sess))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SignOut(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}
	sess, err := s.sessions.SetAPIKey(r.Context(), req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.sessions.Status(), sess))
}

// --- Catalog ---

type entryView struct {
	model.Entry
	Kind        model.LinkKind `json:"kind"`
	PrimaryLink *model.Link    `json:"primaryLink,omitempty"`
	Description string         `json:"description,omitempty"`

	// Every action the entry offers, for detail views.
	AcquisitionLinks []model.Link `json:"acquisitionLinks,omitempty"`
	NavigationLinks  []model.Link `json:"navigationLinks,omitempty"`
}

type feedView struct {
	model.Feed
	Entries []entryView `json:"entries"`
}

func newFeedView(f model.Feed) feedView {
	v := feedView{Feed: f, Entries: make([]entryView, 0, len(f.Entries))}
	for _, e := range f.Entries {
		ev := entryView{
			Entry:            e,
			Kind:             model.LinkUnknown,
			Description:      opds.Describe(e),
			AcquisitionLinks: opds.AcquisitionLinks(e),
			NavigationLinks:  opds.NavigationLinks(e),
		}
		if link, ok := opds.PickPrimaryLink(e); ok {
			ev.PrimaryLink = &link
			ev.Kind = opds.Classify(link)
		}
		v.Entries = append(v.Entries, ev)
	}
	return v
}

func (s *Server) handleRootFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	feed, err := s.catalog.FetchRoot(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeedView(feed))
}

func (s *Server) handleSubFeed(w http.ResponseWriter, r *http.Request) {
	href := strings.TrimSpace(r.URL.Query().Get("href"))
	if href == "" {
		writeError(w, common.ErrMissingLink)
		return
	}
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	feed, err := s.catalog.FetchByHref(r.Context(), sess, href)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeedView(feed))
}

// --- Downloads ---

type startDownloadRequest struct {
	Entry model.Entry `json:"entry"`
	Link  *model.Link `json:"link,omitempty"`
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}

	var link model.Link
	if req.Link != nil {
		link = *req.Link
	} else if primary, ok := opds.PickPrimaryLink(req.Entry); ok {
		link = primary
	}

	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}

	// The transfer must outlive this request.
	rec, err := s.downloader.Start(s.bg, sess, req.Entry, link)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/downloads/"+rec.ID)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.downloader.Store().List())
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.downloader.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		writeMessage(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLookupDownload(w http.ResponseWriter, r *http.Request) {
	u := strings.TrimSpace(r.URL.Query().Get("url"))
	if u == "" {
		writeMessage(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, ok := s.downloader.Store().FindByResolvedURL(u)
	if !ok {
		writeMessage(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDownloadFile hands a completed file to the caller for opening or
// sharing.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.downloader.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		writeMessage(w, http.StatusNotFound, "download not found")
		return
	}
	if rec.Status != model.StatusCompleted {
		writeMessage(w, http.StatusConflict, fmt.Sprintf("download is %s", rec.Status))
		return
	}
	path, err := downloads.LocalPath(rec.LocalURI)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeMessage(w, http.StatusGone, "the downloaded file is no longer available")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}

	if rec.MimeType != "" {
		w.Header().Set("Content-Type", rec.MimeType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)}))
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
}

// handleDownloadEvents streams record changes as server-sent events. The
// stream opens with a snapshot of every record so a client can render
// without a separate list call.
func (s *Server) handleDownloadEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	store := s.downloader.Store()
	events, unsubscribe := store.Subscribe()
	defer unsubscribe()
	defer metrics.SSEConnected()()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", store.List()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bg.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case rec, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, "download", rec); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
