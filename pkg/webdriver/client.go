// Package webdriver is a minimal W3C WebDriver client covering what session
// orchestration needs: readiness probes, session creation, liveness pings and
// session deletion. The command surface (navigate, click and so on) lives
// elsewhere.
package webdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

const (
	maxResponseBytes = 1 << 20
	closeTimeout     = 2 * time.Second
)

// Client talks to WebDriver endpoints over HTTP. It is safe for concurrent
// use; every call is bounded by the caller's context.
type Client struct {
	http *http.Client
	log  logrus.FieldLogger
}

// NewClient creates a client. A nil httpClient uses a dedicated transport so
// driver traffic never shares idle connections with other code.
func NewClient(httpClient *http.Client, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			DisableCompression:  true,
		}}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{http: httpClient, log: log}
}

// CloseIdleConnections drops pooled keep-alive connections, typically after
// the drivers behind them have been stopped.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Status is the decoded body of GET /status.
type Status struct {
	Ready   bool
	Message string
}

// Status probes endpoint. Any 200 response with a JSON value object counts as
// alive; Ready is informational because geckodriver reports ready=false while
// it already hosts a session.
func (c *Client) Status(ctx context.Context, endpoint string) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint+"/status", nil)
	if err != nil {
		return Status{}, fleeterrors.Wrap(err, fleeterrors.ErrCodeHealthCheck, "status probe failed").
			WithContext(fleeterrors.KeyEndpoint, endpoint).
			WithRetryable(true)
	}
	defer resp.release()
	body := resp.body
	if resp.code != http.StatusOK {
		return Status{}, fleeterrors.Newf(fleeterrors.ErrCodeHealthCheck, "status probe returned HTTP %d", resp.code).
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}
	if !gjson.ValidBytes(body) {
		return Status{}, fleeterrors.New(fleeterrors.ErrCodeHealthCheck, "status probe returned invalid JSON").
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}
	value := gjson.GetBytes(body, "value")
	if !value.IsObject() {
		return Status{}, fleeterrors.New(fleeterrors.ErrCodeHealthCheck, "status response has no value object").
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}
	return Status{
		Ready:   value.Get("ready").Bool(),
		Message: value.Get("message").String(),
	}, nil
}

// NewSession opens a protocol session with profile's capabilities. The
// driver's reported browserName must belong to the profile's family; a
// foreign browser is reported as a capability mismatch and the stray session
// is deleted.
func (c *Client) NewSession(ctx context.Context, endpoint string, profile browser.Profile) (*Session, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "capabilities.alwaysMatch", profile.Capabilities())
	if err != nil {
		return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeInternal, "encode capabilities")
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint+"/session", payload)
	if err != nil {
		return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeSessionCreation, "new session request failed").
			WithFamily(profile.Family()).
			WithContext(fleeterrors.KeyEndpoint, endpoint).
			WithRetryable(ctx.Err() == nil)
	}
	defer resp.release()
	body := resp.body
	if resp.code != http.StatusOK {
		return nil, classify(body, resp.code).
			WithFamily(profile.Family()).
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}

	id := gjson.GetBytes(body, "value.sessionId").String()
	if id == "" {
		id = gjson.GetBytes(body, "sessionId").String()
	}
	if id == "" {
		return nil, fleeterrors.New(fleeterrors.ErrCodeSessionCreation, "new session response has no session id").
			WithFamily(profile.Family()).
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}
	caps := gjson.GetBytes(body, "value.capabilities")
	if !caps.Exists() {
		caps = gjson.GetBytes(body, "value")
	}
	sess := &Session{
		id:           id,
		endpoint:     endpoint,
		family:       profile.Family(),
		browserName:  caps.Get("browserName").String(),
		capabilities: caps.Raw,
		client:       c,
	}

	if !profile.AcceptsBrowserName(sess.browserName) {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		cerr := sess.Close(closeCtx)
		cancel()
		if cerr != nil {
			c.log.WithError(cerr).WithField("protocol_session", id).Warn("failed to delete mismatched session")
		}
		return nil, fleeterrors.Newf(fleeterrors.ErrCodeCapabilityMismatch,
			"driver returned browser %q for a %s profile", sess.browserName, profile.Family()).
			WithFamily(profile.Family()).
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}

	c.log.WithFields(logrus.Fields{
		"family":           profile.Family().String(),
		"endpoint":         endpoint,
		"protocol_session": id,
		"browser":          sess.browserName,
	}).Debug("protocol session created")
	return sess, nil
}

// do performs one round trip. The caller must release the response.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := responseBuffers.get()
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, maxResponseBytes+1)); err != nil {
		responseBuffers.put(buf)
		return nil, err
	}
	if buf.Len() > maxResponseBytes {
		responseBuffers.put(buf)
		return nil, fleeterrors.Newf(fleeterrors.ErrCodeInternal, "driver response exceeds %d bytes", maxResponseBytes).
			WithContext("url", url).
			WithContext("http_status", resp.StatusCode)
	}
	return &response{code: resp.StatusCode, body: buf.Bytes(), buf: buf}, nil
}

// classify maps a W3C error body to an orchestration error.
func classify(body []byte, status int) *fleeterrors.Error {
	code := gjson.GetBytes(body, "value.error").String()
	msg := gjson.GetBytes(body, "value.message").String()
	if code == "" {
		return fleeterrors.Newf(fleeterrors.ErrCodeSessionCreation, "driver returned HTTP %d", status).
			WithRetryable(status >= 500)
	}
	lower := strings.ToLower(msg)

	switch {
	case code == "invalid argument",
		strings.Contains(lower, "capabilit"),
		strings.Contains(lower, "unable to find a matching set"),
		strings.Contains(lower, "cannot find") && strings.Contains(lower, "binary"):
		return fleeterrors.New(fleeterrors.ErrCodeCapabilityMismatch, fmt.Sprintf("%s: %s", code, msg)).
			WithContext("w3c_error", code)
	case code == "session not created" && strings.Contains(lower, "already"):
		// geckodriver hosts one session at a time
		return fleeterrors.New(fleeterrors.ErrCodeSessionCreation, fmt.Sprintf("%s: %s", code, msg)).
			WithContext("w3c_error", code).
			WithRetryable(true)
	case code == "timeout", code == "script timeout":
		return fleeterrors.New(fleeterrors.ErrCodeSessionCreation, fmt.Sprintf("%s: %s", code, msg)).
			WithContext("w3c_error", code).
			WithRetryable(true)
	default:
		return fleeterrors.New(fleeterrors.ErrCodeSessionCreation, fmt.Sprintf("%s: %s", code, msg)).
			WithContext("w3c_error", code)
	}
}
