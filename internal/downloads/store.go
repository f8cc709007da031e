// Package downloads tracks and performs file downloads from the catalog.
package downloads

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/bookvore/internal/model"
)

// subscriberBuffer is the per-observer event backlog. Events beyond it are
// dropped for that observer.
const subscriberBuffer = 64

// Patch carries optional record fields for UpdateStatus. Nil fields are left
// unchanged.
type Patch struct {
	Progress     *float64
	LocalURI     *string
	ErrorMessage *string
}

// Float returns a pointer to v, for building a Patch.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v, for building a Patch.
func String(v string) *string { return &v }

// Store is the observable in-memory set of download records. It is safe for
// concurrent use; every method is atomic with respect to the others.
type Store struct {
	mu          sync.RWMutex
	records     map[string]model.DownloadRecord
	subscribers map[chan model.DownloadRecord]struct{}
	now         func() time.Time
	newID       func() string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		records:     make(map[string]model.DownloadRecord),
		subscribers: make(map[chan model.DownloadRecord]struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue adds a new idle record and returns it.
func (s *Store) Enqueue(p model.EnqueuePayload) model.DownloadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := model.DownloadRecord{
		ID:          s.newID(),
		Title:       p.Title,
		SourceURL:   p.SourceURL,
		ResolvedURL: p.ResolvedURL,
		MimeType:    p.MimeType,
		Rel:         p.Rel,
		Status:      model.StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[rec.ID] = rec
	s.publish(rec)
	return rec
}

// UpdateStatus sets the status of record id, merges the patch and bumps
// UpdatedAt. Unknown ids are ignored.
func (s *Store) UpdateStatus(id string, status model.DownloadStatus, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Status = status
	if p.Progress != nil {
		rec.Progress = *p.Progress
	}
	if p.LocalURI != nil {
		rec.LocalURI = *p.LocalURI
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	s.publish(rec)
}

// Get returns the record with id.
func (s *Store) Get(id string) (model.DownloadRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// List returns all records, oldest first.
func (s *Store) List() []model.DownloadRecord {
	s.mu.RLock()
	out := make([]model.DownloadRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindByResolvedURL returns the most recently created record for url.
func (s *Store) FindByResolvedURL(url string) (model.DownloadRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found model.DownloadRecord
		ok    bool
	)
	for _, rec := range s.records {
		if rec.ResolvedURL != url {
			continue
		}
		if !ok || rec.CreatedAt.After(found.CreatedAt) {
			found, ok = rec, true
		}
	}
	return found, ok
}

// Subscribe registers an observer. The channel receives the post-change
// record of every Enqueue and UpdateStatus, in store order. The returned
// func unsubscribes and closes the channel; it is safe to call twice.
func (s *Store) Subscribe() (<-chan model.DownloadRecord, func()) {
	ch := make(chan model.DownloadRecord, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// publish must be called with s.mu held. Non-blocking: drops events for slow
// consumers.
func (s *Store) publish(rec model.DownloadRecord) {
	for ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
}
