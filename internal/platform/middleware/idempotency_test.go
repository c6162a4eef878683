package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdempotentServer(store IdempotencyStore, h echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.POST("/api/v1/cases", h, Idempotency(store, time.Minute))
	return e
}

func postWithKey(e *echo.Echo, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	var calls atomic.Int32
	e := newIdempotentServer(NewMemoryIdempotencyStore(), func(c echo.Context) error {
		n := calls.Add(1)
		return c.JSON(http.StatusCreated, map[string]int32{"n": n})
	})

	first := postWithKey(e, "k1")
	second := postWithKey(e, "k1")

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(IdempotencyReplayedHeader))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	var calls atomic.Int32
	e := newIdempotentServer(NewMemoryIdempotencyStore(), func(c echo.Context) error {
		calls.Add(1)
		return c.NoContent(http.StatusCreated)
	})

	postWithKey(e, "")
	postWithKey(e, "")
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_InFlightDuplicateConflicts(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ok, err := store.Reserve(context.Background(), "idem:POST:/api/v1/cases:k2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e := newIdempotentServer(store, func(c echo.Context) error {
		t.Error("handler must not run for an in-flight key")
		return nil
	})

	rec := postWithKey(e, "k2")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIdempotency_ServerErrorReleasesKey(t *testing.T) {
	var calls atomic.Int32
	e := newIdempotentServer(NewMemoryIdempotencyStore(), func(c echo.Context) error {
		if calls.Add(1) == 1 {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "store down")
		}
		return c.NoContent(http.StatusCreated)
	})

	assert.Equal(t, http.StatusServiceUnavailable, postWithKey(e, "k3").Code)
	assert.Equal(t, http.StatusCreated, postWithKey(e, "k3").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_ClientErrorIsCached(t *testing.T) {
	var calls atomic.Int32
	e := newIdempotentServer(NewMemoryIdempotencyStore(), func(c echo.Context) error {
		calls.Add(1)
		return echo.NewHTTPError(http.StatusBadRequest, "bad shock type")
	})

	assert.Equal(t, http.StatusBadRequest, postWithKey(e, "k4").Code)
	assert.Equal(t, http.StatusBadRequest, postWithKey(e, "k4").Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_RejectsLongKey(t *testing.T) {
	e := newIdempotentServer(NewMemoryIdempotencyStore(), func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	rec := postWithKey(e, strings.Repeat("k", maxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", CachedResponse{Status: 201, Body: []byte("x")}, time.Minute))
	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.Status)

	now = now.Add(2 * time.Minute)
	got, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIdempotencyStore_SweepsExpiredKeys(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		ok, err := s.Reserve(ctx, k, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Save(ctx, "long", CachedResponse{Status: 201}, time.Hour))
	assert.Len(t, s.entries, 4)

	now = now.Add(59 * time.Second)
	_, err := s.Reserve(ctx, "d", 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, s.entries, 5)

	now = now.Add(2 * time.Minute)
	ok, err := s.Reserve(ctx, "e", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, s.entries, 2)
	assert.Contains(t, s.entries, "long")
	assert.Contains(t, s.entries, "e")
}
