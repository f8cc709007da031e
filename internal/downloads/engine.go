package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/endpoint"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/metrics"
	"github.com/bryan-buckman/bookvore/internal/model"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine downloads acquisition links into a local directory. Every step is
// reported through the Store; the returned record is a snapshot.
type Engine struct {
	store   *Store
	dir     string
	http    Doer
	limiter *hostLimiter
	dests   keyedLock
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHTTPClient sets the HTTP transport.
func WithHTTPClient(d Doer) EngineOption {
	return func(e *Engine) { e.http = d }
}

// WithMaxPerHost sets how many transfers may run against one host at once.
func WithMaxPerHost(n int) EngineOption {
	return func(e *Engine) { e.limiter = newHostLimiter(n) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine writing into dir. An empty dir makes every
// download fail with ErrStorageUnavailable.
func NewEngine(store *Store, dir string, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		dir:   dir,
		http:  http.DefaultClient,
	}
	for _, o := range opts {
		o(e)
	}
	if e.limiter == nil {
		e.limiter = newHostLimiter(DefaultMaxPerHost)
	}
	if e.logger == nil {
		e.logger = logging.L()
	}
	return e
}

// Store returns the store the engine reports to.
func (e *Engine) Store() *Store { return e.store }

// Download runs the whole download of link and returns the final record.
// Failures after the record is enqueued are recorded on it and returned.
func (e *Engine) Download(ctx context.Context, s model.Session, entry model.Entry, link model.Link) (model.DownloadRecord, error) {
	rec, err := e.enqueue(s, entry, link)
	if err != nil {
		return model.DownloadRecord{}, err
	}
	return e.run(ctx, rec, s, entry, link)
}

// Start enqueues the download and runs it in the background. The returned
// record is the idle snapshot; progress is observed through the Store.
func (e *Engine) Start(ctx context.Context, s model.Session, entry model.Entry, link model.Link) (model.DownloadRecord, error) {
	rec, err := e.enqueue(s, entry, link)
	if err != nil {
		return model.DownloadRecord{}, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.run(ctx, rec, s, entry, link)
	}()
	return rec, nil
}

// Wait blocks until every download started with Start has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) enqueue(s model.Session, entry model.Entry, link model.Link) (model.DownloadRecord, error) {
	if strings.TrimSpace(link.Href) == "" {
		return model.DownloadRecord{}, common.ErrMissingLink
	}
	resolved, err := endpoint.ResolveHref(s.BaseURL, link.Href)
	if err != nil {
		return model.DownloadRecord{}, err
	}
	return e.store.Enqueue(model.EnqueuePayload{
		Title:       entry.Title,
		SourceURL:   link.Href,
		ResolvedURL: resolved,
		MimeType:    link.Type,
		Rel:         link.Rel,
	}), nil
}

func (e *Engine) run(ctx context.Context, rec model.DownloadRecord, s model.Session, entry model.Entry, link model.Link) (model.DownloadRecord, error) {
	log := e.logger.With(zap.String("download_id", rec.ID), zap.String("url", rec.ResolvedURL))

	if e.dir == "" {
		return e.fail(log, rec.ID, common.ErrStorageUnavailable)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return e.fail(log, rec.ID, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err))
	}
	dest := filepath.Join(e.dir, PickFileName(entry, link))

	unlock, err := e.dests.lock(ctx, dest)
	if err != nil {
		return e.fail(log, rec.ID, err)
	}
	defer unlock()

	host := extractHost(rec.ResolvedURL)
	if err := e.limiter.acquire(ctx, host); err != nil {
		return e.fail(log, rec.ID, err)
	}
	defer e.limiter.release(host)

	e.store.UpdateStatus(rec.ID, model.StatusDownloading, Patch{Progress: Float(0)})
	log.Debug("download started", zap.String("dest", dest))

	done := metrics.DownloadStarted()
	n, err := Transfer(ctx, e.http, TransferRequest{
		URL:   rec.ResolvedURL,
		Dest:  dest,
		Token: s.AccessToken,
	}, e.progressFunc(rec.ID))
	done()
	metrics.AddDownloadBytes(n)
	if err != nil {
		return e.fail(log, rec.ID, err)
	}

	uri, err := FileURI(dest)
	if err != nil {
		return e.fail(log, rec.ID, err)
	}
	e.store.UpdateStatus(rec.ID, model.StatusCompleted, Patch{Progress: Float(1), LocalURI: &uri})
	metrics.RecordDownload(string(model.StatusCompleted))
	log.Info("download completed", zap.String("dest", dest), zap.Int64("bytes", n))

	final, _ := e.store.Get(rec.ID)
	return final, nil
}

// progressFunc converts byte counts into the record's progress ratio.
// Updates are skipped while the total is unknown.
func (e *Engine) progressFunc(id string) ProgressFunc {
	return func(written, total int64) {
		if total <= 0 {
			return
		}
		ratio := float64(written) / float64(total)
		ratio = min(1, max(0, ratio))
		e.store.UpdateStatus(id, model.StatusDownloading, Patch{Progress: &ratio})
	}
}

func (e *Engine) fail(log *zap.Logger, id string, err error) (model.DownloadRecord, error) {
	err = asTransferError(err)
	msg := err.Error()
	e.store.UpdateStatus(id, model.StatusError, Patch{ErrorMessage: &msg})
	metrics.RecordDownload(string(model.StatusError))
	log.Warn("download failed", zap.Error(err))

	rec, _ := e.store.Get(id)
	return rec, err
}

// asTransferError leaves taxonomy errors alone and wraps everything else in
// ErrTransferFailed, keeping the cause matchable.
func asTransferError(err error) error {
	if _, ok := common.AsHTTPError(err); ok {
		return err
	}
	for _, sentinel := range []error{common.ErrStorageUnavailable, common.ErrTransferFailed, common.ErrMissingLink} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", common.ErrTransferFailed, err)
}

// FileURI returns the file:// URI of path.
func FileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String(), nil
}

// LocalPath returns the filesystem path behind a file:// URI.
func LocalPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("not a file URI: %q", uri)
	}
	return filepath.FromSlash(u.Path), nil
}
