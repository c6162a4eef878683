package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "Idempotent-Replayed"

	// DefaultIdempotencyTTL applies when the configured TTL is not positive.
	DefaultIdempotencyTTL = 24 * time.Hour

	maxIdempotencyKeyLen = 255
)

// CachedResponse is what gets replayed for a repeated Idempotency-Key.
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// IdempotencyStore persists reservations and completed responses.
// Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Reserve claims key for an in-flight request. It returns false when
	// the key is already reserved or completed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Load returns the completed response for key, or nil while the
	// original request is still in flight or the key is unknown.
	Load(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Idempotency makes write routes safe to retry. The first request carrying
// an Idempotency-Key reserves it and its response is cached for ttl;
// repeats get the cached response, and a repeat that arrives while the
// first is still running gets 409. 5xx responses are not cached.
func Idempotency(store IdempotencyStore, ttl time.Duration) echo.MiddlewareFunc {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(IdempotencyKeyHeader)
			if header == "" {
				return next(c)
			}
			if len(header) > maxIdempotencyKeyLen {
				return echo.NewHTTPError(http.StatusBadRequest, "idempotency key too long")
			}

			ctx := c.Request().Context()
			key := "idem:" + c.Request().Method + ":" + c.Path() + ":" + header

			ok, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "idempotency store unavailable").SetInternal(err)
			}
			if !ok {
				cached, err := store.Load(ctx, key)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "idempotency store unavailable").SetInternal(err)
				}
				if cached == nil {
					return echo.NewHTTPError(http.StatusConflict, "request with this idempotency key is in progress")
				}
				c.Response().Header().Set(IdempotencyReplayedHeader, "true")
				return c.Blob(cached.Status, cached.ContentType, cached.Body)
			}

			rec := &captureWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec

			err = next(c)
			if err != nil {
				// Render the error now so the captured status is final.
				c.Error(err)
			}

			status := c.Response().Status
			// The reservation outlives a cancelled request context.
			bg := context.WithoutCancel(ctx)
			if status >= http.StatusInternalServerError || !c.Response().Committed {
				_ = store.Release(bg, key)
				return err
			}
			_ = store.Save(bg, key, CachedResponse{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        rec.body.Bytes(),
			}, ttl)
			return err
		}
	}
}

type captureWriter struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

// MemoryIdempotencyStore keeps keys in process memory. Suitable for a
// single replica and for tests. Expired keys are swept during Reserve at
// most once per memorySweepInterval.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

const memorySweepInterval = time.Minute

type memoryEntry struct {
	resp      *CachedResponse
	expiresAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= memorySweepInterval {
		s.sweep(now)
	}
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memoryEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

// sweep drops expired entries. Callers hold s.mu.
func (s *MemoryIdempotencyStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.lastSweep = now
}

func (s *MemoryIdempotencyStore) Load(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) || e.resp == nil {
		return nil, nil
	}
	cp := *e.resp
	cp.Body = append([]byte(nil), e.resp.Body...)
	return &cp, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.Body = append([]byte(nil), resp.Body...)
	s.entries[key] = memoryEntry{resp: &resp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// pendingMarker is stored under a reserved key until the response is saved.
const pendingMarker = "pending"

// RedisIdempotencyStore shares keys across replicas. Reservations use
// SET NX so exactly one replica runs the request.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
}

func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, pendingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Load(ctx context.Context, key string) (*CachedResponse, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if string(raw) == pendingMarker {
		return nil, nil
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
