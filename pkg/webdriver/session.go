package webdriver

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

// Session is an established protocol session on one driver.
type Session struct {
	id           string
	endpoint     string
	family       browser.Family
	browserName  string
	capabilities string
	client       *Client
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Endpoint() string       { return s.endpoint }
func (s *Session) Family() browser.Family { return s.family }
func (s *Session) BrowserName() string    { return s.browserName }

// Capabilities returns the raw JSON capabilities the driver matched.
func (s *Session) Capabilities() string { return s.capabilities }

// Capability looks up a path in the matched capabilities, for example
// "browserVersion" or "moz:firefoxOptions.args".
func (s *Session) Capability(path string) gjson.Result {
	return gjson.Get(s.capabilities, path)
}

// Ping verifies the session still answers by reading the current URL.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.client.do(ctx, http.MethodGet, s.endpoint+"/session/"+s.id+"/url", nil)
	if err != nil {
		return s.healthErr(fleeterrors.Wrap(err, fleeterrors.ErrCodeHealthCheck, "session ping failed"))
	}
	defer resp.release()
	if resp.code != http.StatusOK {
		e := fleeterrors.Newf(fleeterrors.ErrCodeHealthCheck, "session ping returned HTTP %d", resp.code)
		if w3c := gjson.GetBytes(resp.body, "value.error").String(); w3c != "" {
			e = e.WithContext("w3c_error", w3c)
		}
		return s.healthErr(e)
	}
	return nil
}

// Close deletes the protocol session. Deleting an already-gone session is
// not an error.
func (s *Session) Close(ctx context.Context) error {
	resp, err := s.client.do(ctx, http.MethodDelete, s.endpoint+"/session/"+s.id, nil)
	if err != nil {
		return fleeterrors.Wrap(err, fleeterrors.ErrCodeInternal, "delete session failed").
			WithFamily(s.family).
			WithContext(fleeterrors.KeyEndpoint, s.endpoint).
			WithContext("protocol_session", s.id)
	}
	defer resp.release()
	if resp.code == http.StatusOK {
		return nil
	}
	if gjson.GetBytes(resp.body, "value.error").String() == "invalid session id" {
		return nil
	}
	return fleeterrors.Newf(fleeterrors.ErrCodeInternal, "delete session returned HTTP %d", resp.code).
		WithFamily(s.family).
		WithContext(fleeterrors.KeyEndpoint, s.endpoint).
		WithContext("protocol_session", s.id)
}

func (s *Session) healthErr(e *fleeterrors.Error) error {
	return e.WithFamily(s.family).
		WithContext(fleeterrors.KeyEndpoint, s.endpoint).
		WithContext("protocol_session", s.id)
}
