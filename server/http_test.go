package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/bridge"
	"github.com/wolfeidau/replicache/domain"
	"github.com/wolfeidau/replicache/flush"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/reconcile"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/store/storetest"
)

type stubJournal struct{ pending int }

func (j stubJournal) CountPending(context.Context) (int, error) { return j.pending, nil }

type stubRepairer struct {
	result *reconcile.RepairResult
	err    error
	calls  []identity.Identity
}

func (r *stubRepairer) RepairNetwork(_ context.Context, id identity.Identity) (*reconcile.RepairResult, error) {
	r.calls = append(r.calls, id)
	return r.result, r.err
}

type testServer struct {
	fake     *storetest.Fake
	provider *identity.Provider
	registry *domain.Registry
	repairer *stubRepairer
	server   *Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ts := &testServer{
		fake:     storetest.New(),
		provider: identity.New("alice"),
		repairer: &stubRepairer{result: &reconcile.RepairResult{Pushed: 2}},
	}
	checker := availability.NewStaticChecker(true)
	b := bridge.New(ts.fake)
	t.Cleanup(b.Wait)

	var err error
	ts.registry, err = domain.NewRegistry(replica.New(ts.fake, checker, b), nil, nil)
	require.NoError(t, err)

	scheduler := flush.New(flush.DefaultConfig(), nil)
	ts.registry.Wire(scheduler, nil, nil, ts.provider)

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.server, err = New(cfg, Components{
		Registry:  ts.registry,
		Scheduler: scheduler,
		Monitor:   availability.NewMonitor(checker, availability.DefaultConfig()),
		Identity:  ts.provider,
		Journal:   stubJournal{pending: 3},
		Repairer:  ts.repairer,
	})
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	var resp healthResponse
	rec := ts.do(t, http.MethodGet, "/healthz", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "alice", resp.Owner)
	assert.Equal(t, ts.provider.Current().Session, resp.Session)
	assert.Equal(t, "unknown", resp.Network)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, 3, *resp.Pending)
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCaches(t *testing.T) {
	ts := newTestServer(t, Config{})

	var resp []cacheResponse
	rec := ts.do(t, http.MethodGet, "/caches", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp, len(domain.RecordTypes))
	for i, c := range resp {
		assert.Equal(t, domain.RecordTypes[i], c.Name)
		assert.NotEmpty(t, c.Diagnostics)
	}

	var one cacheResponse
	rec = ts.do(t, http.MethodGet, "/caches/presence", &one)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "network-only", one.Mode)

	rec = ts.do(t, http.MethodGet, "/caches/invoices", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlush(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	key := domain.WorktimeKey("alice", 2026)

	_, err := ts.registry.Worktime.Add(ctx, ts.provider.Current(), key, domain.WorktimeDay{Date: "2026-10-18", Worked: 8})
	require.NoError(t, err)

	var status map[string]string
	ts.do(t, http.MethodGet, "/flush", &status)
	require.Equal(t, "no flush yet", status["status"])

	var result flush.Result
	rec := ts.do(t, http.MethodPost, "/flush", &result)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, result.Flushed)
	require.Equal(t, flush.TriggerManual, result.Trigger)

	_, ok := ts.fake.Get(store.Local, key)
	require.True(t, ok)

	var last flush.Result
	ts.do(t, http.MethodGet, "/flush", &last)
	require.Equal(t, 1, last.Flushed)
}

func TestFlushUser(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()

	_, err := ts.registry.Notes.Add(ctx, ts.provider.Current(), domain.NotesKey("alice", "bob"), domain.Note{ID: "n1", Text: "call back"})
	require.NoError(t, err)

	var resp flushUserResponse
	rec := ts.do(t, http.MethodPost, "/flush?owner=alice", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", resp.Owner)
	require.Equal(t, 1, resp.Flushed)

	rec = ts.do(t, http.MethodPost, "/flush?owner=bob", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, resp.Flushed)
}

func TestFlushFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()

	_, err := ts.registry.Notes.Add(ctx, ts.provider.Current(), domain.NotesKey("alice", "bob"), domain.Note{ID: "n1"})
	require.NoError(t, err)
	ts.fake.Fail(store.Local, storetest.OpWrite, errors.New("disk full"))

	var result flush.Result
	rec := ts.do(t, http.MethodPost, "/flush", &result)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, result.Failed)
	require.Error(t, result.Err())
}

func TestInvalidate(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	key := domain.TimeOffKey("alice", 2026)

	_, err := ts.registry.TimeOff.Add(ctx, ts.provider.Current(), key, domain.TimeOff{ID: "t1", Kind: "vacation", Days: 5})
	require.NoError(t, err)

	var resp cacheResponse
	rec := ts.do(t, http.MethodPost, "/caches/timeoff/invalidate?owner=alice&period=2026", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, resp.Entries)

	// flushed before it was evicted
	_, ok := ts.fake.Get(store.Local, key)
	require.True(t, ok)

	rec = ts.do(t, http.MethodPost, "/caches/timeoff/invalidate", &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/caches/nope/invalidate", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconcile(t *testing.T) {
	ts := newTestServer(t, Config{})

	var result reconcileResponse
	rec := ts.do(t, http.MethodPost, "/reconcile", &result)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, result.Pushed)
	require.Len(t, ts.repairer.calls, 1)
	require.Equal(t, "alice", ts.repairer.calls[0].Owner)

	ts.repairer.result = &reconcile.RepairResult{Pushed: 1, Failed: 1}
	ts.repairer.err = errors.New("pushing alice/work: disk full")
	var partial reconcileResponse
	rec = ts.do(t, http.MethodPost, "/reconcile", &partial)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, partial.Failed)
	require.Contains(t, partial.Error, "disk full")

	ts.repairer.result = nil
	ts.repairer.err = errors.New("network unavailable")
	rec = ts.do(t, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.server.repairer = nil
	rec = ts.do(t, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandlerRequiresToken(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	rec := ts.do(t, http.MethodGet, "/caches", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/caches", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResponseWriterUnwraps(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	_, isHijacker := any(rw).(http.Hijacker)
	require.False(t, isHijacker)

	// optional interfaces are reached through Unwrap
	require.NoError(t, http.NewResponseController(rw).Flush())
	require.True(t, rec.Flushed)

	rw.WriteHeader(http.StatusAccepted)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, rw.status)
	require.EqualValues(t, 2, rw.bytesWritten)
}
