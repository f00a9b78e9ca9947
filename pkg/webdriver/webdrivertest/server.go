// Package webdrivertest provides an in-process fake WebDriver endpoint for
// tests, in the spirit of net/http/httptest.
package webdrivertest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Driver is a fake driver's behaviour and bookkeeping. The zero value echoes
// the requested browserName and accepts every session.
type Driver struct {
	mu           sync.Mutex
	sessions     map[string]string
	forceBrowser string
	createErr    *w3cError
	createDelay  time.Duration
	unhealthy    bool
	lastCaps     string

	Creates  atomic.Int64
	Deletes  atomic.Int64
	Pings    atomic.Int64
	Statuses atomic.Int64
}

type w3cError struct {
	status  int
	code    string
	message string
}

// NewDriver returns a healthy fake driver.
func NewDriver() *Driver {
	return &Driver{sessions: make(map[string]string)}
}

// ReportBrowser makes the driver claim name as the browser of every new
// session regardless of what was requested.
func (d *Driver) ReportBrowser(name string) {
	d.mu.Lock()
	d.forceBrowser = name
	d.mu.Unlock()
}

// FailCreate makes new-session requests fail with a W3C error. An empty code
// clears the failure.
func (d *Driver) FailCreate(status int, code, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == "" {
		d.createErr = nil
		return
	}
	d.createErr = &w3cError{status: status, code: code, message: message}
}

// SetCreateDelay slows down session creation.
func (d *Driver) SetCreateDelay(delay time.Duration) {
	d.mu.Lock()
	d.createDelay = delay
	d.mu.Unlock()
}

// SetHealthy toggles the /status endpoint between 200 and 500.
func (d *Driver) SetHealthy(healthy bool) {
	d.mu.Lock()
	d.unhealthy = !healthy
	d.mu.Unlock()
}

// Kill drops a session server-side, as when a browser crashes.
func (d *Driver) Kill(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

// Live returns the number of sessions the driver currently hosts.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// LastCapabilities returns the alwaysMatch object of the latest request.
func (d *Driver) LastCapabilities() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCaps
}

// Handler returns the driver's HTTP routes.
func (d *Driver) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", d.status)
	r.Post("/session", d.newSession)
	r.Get("/session/{id}/url", d.currentURL)
	r.Delete("/session/{id}", d.deleteSession)
	return r
}

// Start serves the driver on a loopback httptest.Server.
func (d *Driver) Start() *httptest.Server {
	return httptest.NewServer(d.Handler())
}

func (d *Driver) status(w http.ResponseWriter, _ *http.Request) {
	d.Statuses.Add(1)
	d.mu.Lock()
	unhealthy := d.unhealthy
	busy := len(d.sessions) > 0
	d.mu.Unlock()
	if unhealthy {
		writeError(w, http.StatusInternalServerError, "unknown error", "driver unhealthy")
		return
	}
	writeValue(w, map[string]any{"ready": !busy, "message": "fake driver ready"})
}

func (d *Driver) newSession(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	caps := gjson.GetBytes(body, "capabilities.alwaysMatch")

	d.mu.Lock()
	delay := d.createDelay
	failure := d.createErr
	forced := d.forceBrowser
	d.lastCaps = caps.Raw
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failure != nil {
		writeError(w, failure.status, failure.code, failure.message)
		return
	}
	if !caps.Get("browserName").Exists() {
		writeError(w, http.StatusBadRequest, "invalid argument", "browserName capability missing")
		return
	}

	name := caps.Get("browserName").String()
	if forced != "" {
		name = forced
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.sessions[id] = name
	d.mu.Unlock()
	d.Creates.Add(1)

	writeValue(w, map[string]any{
		"sessionId": id,
		"capabilities": map[string]any{
			"browserName":    name,
			"browserVersion": "1.0-fake",
		},
	})
}

func (d *Driver) currentURL(w http.ResponseWriter, r *http.Request) {
	d.Pings.Add(1)
	id := chi.URLParam(r, "id")
	d.mu.Lock()
	_, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "invalid session id", "no such session "+id)
		return
	}
	writeValue(w, "about:blank")
}

func (d *Driver) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d.mu.Lock()
	_, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "invalid session id", "no such session "+id)
		return
	}
	d.Deletes.Add(1)
	writeValue(w, nil)
}

func writeValue(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]any{"error": code, "message": message, "stacktrace": ""},
	})
}

// ListenAndServe runs a fresh driver on addr until the process exits. It
// backs fake driver executables in process supervision tests.
func ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewDriver().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
