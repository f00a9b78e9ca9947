package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	"github.com/odvcencio/browserfleet/pkg/driver"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/pool"
	"github.com/odvcencio/browserfleet/pkg/resolver"
	"github.com/odvcencio/browserfleet/pkg/session"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
	"github.com/odvcencio/browserfleet/pkg/webdriver"
	"github.com/odvcencio/browserfleet/pkg/webdriver/webdrivertest"
)

// stubDrivers runs started families as in-process fake drivers.
type stubDrivers struct {
	mu      sync.Mutex
	servers map[browser.Family]*httptest.Server
	lives   map[browser.Family]context.CancelFunc
	ctxs    map[browser.Family]context.Context
	refresh int
}

func newStubDrivers() *stubDrivers {
	return &stubDrivers{
		servers: make(map[browser.Family]*httptest.Server),
		lives:   make(map[browser.Family]context.CancelFunc),
		ctxs:    make(map[browser.Family]context.Context),
	}
}

func (d *stubDrivers) HealthyEndpoints() []browser.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	var eps []browser.Endpoint
	for _, f := range browser.Families() {
		if srv, ok := d.servers[f]; ok {
			eps = append(eps, browser.Endpoint{Family: f, URL: srv.URL})
		}
	}
	return eps
}

func (d *stubDrivers) Snapshot() driver.Snapshot {
	eps := d.HealthyEndpoints()
	snap := driver.Snapshot{Version: uint64(len(eps)), Endpoints: eps}
	for _, ep := range eps {
		snap.Processes = append(snap.Processes, driver.Process{Family: ep.Family, Endpoint: ep.URL, Status: browser.StatusHealthy})
	}
	return snap
}

func (d *stubDrivers) StartFamily(_ context.Context, f browser.Family) (driver.Process, error) {
	if f == browser.Edge {
		return driver.Process{}, fleeterrors.New(fleeterrors.ErrCodeBinaryNotFound, "msedgedriver not found").WithFamily(f)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	srv, ok := d.servers[f]
	if !ok {
		srv = webdrivertest.NewDriver().Start()
		ctx, cancel := context.WithCancel(context.Background())
		d.servers[f], d.lives[f], d.ctxs[f] = srv, cancel, ctx
	}
	return driver.Process{Family: f, Endpoint: srv.URL, Status: browser.StatusHealthy}, nil
}

func (d *stubDrivers) Stop(_ context.Context, f browser.Family) error {
	d.mu.Lock()
	srv, ok := d.servers[f]
	cancel := d.lives[f]
	delete(d.servers, f)
	delete(d.lives, f)
	delete(d.ctxs, f)
	d.mu.Unlock()
	if ok {
		cancel()
		srv.Close()
	}
	return nil
}

func (d *stubDrivers) StopAll(ctx context.Context) error {
	for _, f := range browser.Families() {
		_ = d.Stop(ctx, f)
	}
	return nil
}

func (d *stubDrivers) RefreshHealth(context.Context) driver.Snapshot {
	d.mu.Lock()
	d.refresh++
	d.mu.Unlock()
	return d.Snapshot()
}

func (d *stubDrivers) Lifetime(f browser.Family) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.ctxs[f]
	return ctx, ok
}

type testServer struct {
	*httptest.Server
	drivers *stubDrivers
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T, families ...browser.Family) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pool.CleanupInterval = 0
	cfg.Sessions.JanitorInterval = 0

	drivers := newStubDrivers()
	for _, f := range families {
		_, err := drivers.StartFamily(context.Background(), f)
		require.NoError(t, err)
	}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	client := webdriver.NewClient(nil, nil)
	res := resolver.New(drivers, resolver.RulesFromConfig(cfg.Resolver), cfg.Profiles(), resolver.WithMetrics(metrics))
	p := pool.New(cfg.Pool, pool.WebDriverDialer(client), pool.WithMetrics(metrics))
	mgr := session.New(cfg.Sessions, drivers, res, p, session.WithMetrics(metrics))

	srv := httptest.NewServer(newRouter(mgr, reg, nil))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		client.CloseIdleConnections()
	})
	return &testServer{Server: srv, drivers: drivers, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	empty := newTestServer(t)
	resp, _ := empty.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts := newTestServer(t, browser.Firefox)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), gjson.GetBytes(body, "healthy_drivers").Int())
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/drivers", "")
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/drivers", nil)
	require.NoError(t, err)
	req.Header.Set(headerRequestID, "req-42")
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, "req-42", resp2.Header.Get(headerRequestID))
}

func TestDriversEndpoints(t *testing.T) {
	ts := newTestServer(t, browser.Chrome)

	resp, body := ts.do(t, http.MethodGet, "/drivers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chrome", gjson.GetBytes(body, "endpoints.0.family").String())

	resp, body = ts.do(t, http.MethodPost, "/drivers/gecko/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "firefox", gjson.GetBytes(body, "family").String())
	assert.Equal(t, "healthy", gjson.GetBytes(body, "status").String())

	resp, body = ts.do(t, http.MethodPost, "/drivers/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "endpoints.#").Int())
	assert.Equal(t, 1, ts.drivers.refresh)

	resp, _ = ts.do(t, http.MethodPost, "/drivers/chrome/stop", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = ts.do(t, http.MethodGet, "/drivers", "")
	assert.Equal(t, []string{"firefox"}, familiesOf(body))
}

func TestDriverStartErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/drivers/opera/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", gjson.GetBytes(body, "code").String())

	resp, body = ts.do(t, http.MethodPost, "/drivers/edge/start", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "BINARY_NOT_FOUND", gjson.GetBytes(body, "code").String())
	assert.Equal(t, "edge", gjson.GetBytes(body, "context.family").String())
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, browser.Chrome, browser.Firefox)

	resp, body := ts.do(t, http.MethodPost, "/sessions", `{"id":"firefox_1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "firefox", gjson.GetBytes(body, "family").String())
	assert.NotEmpty(t, gjson.GetBytes(body, "protocol_session").String())

	resp, body = ts.do(t, http.MethodPost, "/sessions", `{"family":"chrome"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	generated := gjson.GetBytes(body, "id").String()
	assert.True(t, strings.HasPrefix(generated, "chrome-"), generated)
	assert.Equal(t, "chrome", gjson.GetBytes(body, "family").String())

	resp, body = ts.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []session.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	assert.Len(t, infos, 2)

	_, body = ts.do(t, http.MethodGet, "/pool", "")
	assert.Equal(t, int64(1), gjson.GetBytes(body, "firefox.in_use").Int(), string(body))

	resp, _ = ts.do(t, http.MethodDelete, "/sessions/firefox_1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = ts.do(t, http.MethodDelete, "/sessions/firefox_1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "firefox_1", gjson.GetBytes(body, "context.session_id").String())
}

func TestCreateSessionErrors(t *testing.T) {
	ts := newTestServer(t, browser.Chrome)

	resp, _ := ts.do(t, http.MethodPost, "/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unhealthy preferences fall back to a healthy family by default.
	resp, body := ts.do(t, http.MethodPost, "/sessions", `{"id":"firefox_1"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "chrome", gjson.GetBytes(body, "family").String())

	empty := newTestServer(t)
	resp, body = empty.do(t, http.MethodPost, "/sessions", `{"id":"firefox_1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_HEALTHY_DRIVER", gjson.GetBytes(body, "code").String())
	assert.True(t, gjson.GetBytes(body, "retryable").Bool())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, browser.Chrome)
	resp, _ := ts.do(t, http.MethodPost, "/sessions", `{"id":"chrome_1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "browserfleet_session_active 1")
}

func TestStatusForCode(t *testing.T) {
	tests := map[fleeterrors.ErrorCode]int{
		fleeterrors.ErrCodeInvalidInput:       http.StatusBadRequest,
		fleeterrors.ErrCodeSessionNotFound:    http.StatusNotFound,
		fleeterrors.ErrCodeDriverStopping:     http.StatusServiceUnavailable,
		fleeterrors.ErrCodePoolExhausted:      http.StatusTooManyRequests,
		fleeterrors.ErrCodeStartTimeout:       http.StatusGatewayTimeout,
		fleeterrors.ErrCodeCapabilityMismatch: http.StatusBadGateway,
		fleeterrors.ErrCodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusForCode(code), code)
	}
}

func familiesOf(body []byte) []string {
	var out []string
	for _, r := range gjson.GetBytes(body, "endpoints.#.family").Array() {
		out = append(out, r.String())
	}
	return out
}
