package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemcore/internal/journal"
	"idemcore/internal/metrics"
	"idemcore/internal/platform/logger"
	"idemcore/internal/shared"
	"idemcore/pkg/fallback"
	"idemcore/pkg/fault"
	"idemcore/pkg/idempotency"
)

type fakeLister struct {
	filter  journal.Filter
	entries []journal.Entry
	err     error
}

func (f *fakeLister) List(_ context.Context, filter journal.Filter) ([]journal.Entry, error) {
	f.filter = filter
	return f.entries, f.err
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func newStore(t *testing.T) *idempotency.Store {
	t.Helper()
	s := idempotency.NewStore()
	for _, key := range []string{"done", "broken"} {
		_, _ = s.BeginOrJoin(key)
		require.NoError(t, s.Start(key))
	}
	require.NoError(t, s.Complete("done", 42))
	require.NoError(t, s.Fail("broken", errors.New("nope")))
	_, _ = s.BeginOrJoin("busy")
	require.NoError(t, s.Start("busy"))
	return s
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Deps{Store: newStore(t), Logger: logger.Discard()})

	rec, env := do(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["records"])
	assert.EqualValues(t, 1, body["records_in_flight"])
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, env.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := NewRouter(Deps{Store: newStore(t), Logger: logger.Discard()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecords(t *testing.T) {
	r := NewRouter(Deps{Store: newStore(t), Logger: logger.Discard()})

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		errCode  string
		wantKeys []string
	}{
		{name: "list", method: http.MethodGet, path: "/v1/records", status: http.StatusOK, wantKeys: []string{"broken", "busy", "done"}},
		{name: "list by state", method: http.MethodGet, path: "/v1/records?state=failed", status: http.StatusOK, wantKeys: []string{"broken"}},
		{name: "get", method: http.MethodGet, path: "/v1/records/done", status: http.StatusOK, wantKeys: []string{"done"}},
		{name: "get missing", method: http.MethodGet, path: "/v1/records/ghost", status: http.StatusNotFound, errCode: "not_found"},
		{name: "forget in flight", method: http.MethodDelete, path: "/v1/records/busy", status: http.StatusConflict, errCode: "conflict"},
		{name: "forget missing", method: http.MethodDelete, path: "/v1/records/ghost", status: http.StatusNotFound, errCode: "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, r, tt.method, tt.path, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.errCode != "" {
				require.NotNil(t, env.Error)
				assert.Equal(t, tt.errCode, env.Error.Code)
				return
			}

			var keys []string
			var list []idempotency.RecordInfo
			if err := json.Unmarshal(env.Data, &list); err != nil {
				var one idempotency.RecordInfo
				require.NoError(t, json.Unmarshal(env.Data, &one))
				list = append(list, one)
			}
			for _, info := range list {
				keys = append(keys, info.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
		})
	}
}

func TestForgetCompletedRecord(t *testing.T) {
	store := newStore(t)
	r := NewRouter(Deps{Store: store, Logger: logger.Discard()})

	rec, _ := do(t, r, http.MethodDelete, "/v1/records/done", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := store.Get("done")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	reg := fallback.NewRegistry()
	reg.Register("journal", func(context.Context) error { return nil })
	reg.Register("llm", func(context.Context) error { return errors.New("quota exceeded") })

	r := NewRouter(Deps{Store: idempotency.NewStore(), Capabilities: reg, Logger: logger.Discard()})

	rec, env := do(t, r, http.MethodGet, "/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var probes []fallback.CapabilityProbe
	require.NoError(t, json.Unmarshal(env.Data, &probes))
	require.Len(t, probes, 2)
	byName := map[string]fallback.CapabilityProbe{}
	for _, p := range probes {
		byName[p.Name] = p
	}
	assert.True(t, byName["journal"].Available)
	assert.False(t, byName["llm"].Available)
	assert.Equal(t, "quota exceeded", byName["llm"].Error)
}

func TestOutcomes(t *testing.T) {
	lister := &fakeLister{entries: []journal.Entry{{ID: 1, Key: "k", State: "completed", Attempts: 1}}}
	r := NewRouter(Deps{Store: idempotency.NewStore(), Journal: lister, Logger: logger.Discard()})

	rec, env := do(t, r, http.MethodGet, "/v1/outcomes?key=k&state=completed&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, journal.Filter{Key: "k", State: "completed", Limit: 5}, lister.filter)

	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)

	rec, env = do(t, r, http.MethodGet, "/v1/outcomes?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", env.Error.Code)

	lister.err = fmt.Errorf("list: %w", shared.ErrTimeout)
	rec, _ = do(t, r, http.MethodGet, "/v1/outcomes", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestChaosRoutesOnlyWhenEnabled(t *testing.T) {
	r := NewRouter(Deps{Store: idempotency.NewStore(), Logger: logger.Discard()})

	rec, env := do(t, r, http.MethodGet, "/v1/faults", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestFaultLifecycle(t *testing.T) {
	inj := fault.NewInjector(fault.WithIDGenerator(func() string { return "f-1" }))
	r := NewRouter(Deps{Store: idempotency.NewStore(), Injector: inj, Logger: logger.Discard()})

	rec, env := do(t, r, http.MethodPost, "/v1/faults", map[string]string{"type": "latency", "target": "payments", "duration": "2s"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created fault.Injection
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "f-1", created.ID)
	assert.Equal(t, fault.Latency, created.Type)
	assert.Equal(t, 2*time.Second, created.Duration)

	rec, env = do(t, r, http.MethodGet, "/v1/faults", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []fault.Injection
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	rec, _ = do(t, r, http.MethodGet, "/v1/faults/f-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, r, http.MethodDelete, "/v1/faults/f-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recovered fault.Injection
	require.NoError(t, json.Unmarshal(env.Data, &recovered))
	assert.False(t, recovered.RecoveredAt.IsZero())

	rec, _ = do(t, r, http.MethodDelete, "/v1/faults/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInjectFaultValidation(t *testing.T) {
	r := NewRouter(Deps{Store: idempotency.NewStore(), Injector: fault.NewInjector(), Logger: logger.Discard()})

	tests := []struct {
		name string
		body any
	}{
		{name: "missing fields", body: map[string]string{"type": "error"}},
		{name: "unknown type", body: map[string]string{"type": "meteor", "target": "x", "duration": "1s"}},
		{name: "bad duration", body: map[string]string{"type": "error", "target": "x", "duration": "soon"}},
		{name: "negative duration", body: map[string]string{"type": "error", "target": "x", "duration": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, r, http.MethodPost, "/v1/faults", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, "validation_failed", env.Error.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	r := NewRouter(Deps{Store: idempotency.NewStore(), Metrics: m, Logger: logger.Discard()})

	do(t, r, http.MethodGet, "/healthz", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `idemcore_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := NewRouter(Deps{Store: idempotency.NewStore(), Logger: logger.Discard()})
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec, env := do(t, r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", env.Error.Code)
}

func TestServerShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), NewRouter(Deps{Store: idempotency.NewStore(), Logger: logger.Discard()}), logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
