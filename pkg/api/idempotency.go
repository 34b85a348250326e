package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore caches responses by Idempotency-Key so a retried
// submission returns the original proposal instead of a lock conflict.
type IdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates an in-memory store keeping responses for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *IdempotencyStore) WithClock(clock func() time.Time) *IdempotencyStore {
	s.clock = clock
	return s
}

// Run evicts expired entries every five minutes until ctx is done.
func (s *IdempotencyStore) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *IdempotencyStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

func (s *IdempotencyStore) check(key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && s.clock().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *IdempotencyStore) set(key string, status int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		CachedAt:   s.clock(),
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent replays the cached response of a POST carrying a seen
// Idempotency-Key. Only 2xx responses are cached. Keys are scoped to the
// request path.
func (s *IdempotencyStore) Idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method != http.MethodPost {
			next(w, r)
			return
		}
		key = r.URL.Path + "\x00" + key

		if cached, ok := s.check(key); ok {
			for k, vals := range cached.Headers {
				for _, v := range vals {
					w.Header().Set(k, v)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next(capture, r)
		if capture.statusCode >= 200 && capture.statusCode < 300 {
			s.set(key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
		}
	}
}
