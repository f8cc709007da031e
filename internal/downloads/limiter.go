package downloads

import (
	"context"
	"net/url"
	"sync"
)

// DefaultMaxPerHost limits parallel transfers from any single host.
const DefaultMaxPerHost = 3

// hostLimiter caps concurrent transfers per host so a batch download does not
// overwhelm a small home server.
type hostLimiter struct {
	mu         sync.Mutex
	perHost    int
	semaphores map[string]chan struct{}
}

func newHostLimiter(perHost int) *hostLimiter {
	if perHost <= 0 {
		perHost = DefaultMaxPerHost
	}
	return &hostLimiter{
		perHost:    perHost,
		semaphores: make(map[string]chan struct{}),
	}
}

// acquire gets a slot for the host, blocking until one frees up or ctx ends.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, hl.perHost)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a slot for the host.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	hl.mu.Unlock()
	if ok {
		<-sem
	}
}

// extractHost gets the host from a URL.
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL // fallback to full URL
	}
	return u.Host
}

// keyedLock hands out one lock per key. Entries are never evicted; the key
// space is the set of destination paths in one download directory.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// lock blocks until key is free or ctx ends, and returns the unlock func.
func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]chan struct{})
	}
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
