package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/store/memstore"
)

type fakeChecker struct {
	healthy bool
	err     error
}

func (f fakeChecker) CheckActive() bool { return f.healthy }
func (f fakeChecker) FatalErr() error   { return f.err }

func TestHealthzReportsHealthy(t *testing.T) {
	s := memstore.New()
	srv := New(":0", fakeChecker{healthy: true}, s.Tasks(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Healthy)
}

func TestHealthzReportsUnhealthyWithError(t *testing.T) {
	s := memstore.New()
	srv := New(":0", fakeChecker{healthy: false, err: errors.New("store unreachable")}, s.Tasks(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Healthy)
	require.Equal(t, "store unreachable", body.Error)
}

func TestQueueReturnsPerWorkerCounts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	_, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)
	_, err = s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)
	_, err = s.Tasks().InsertTask(ctx, `{}`, 2)
	require.NoError(t, err)

	srv := New(":0", fakeChecker{healthy: true}, s.Tasks(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, 2, counts["1"])
	require.Equal(t, 1, counts["2"])
}
