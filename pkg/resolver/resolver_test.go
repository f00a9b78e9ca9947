package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

var (
	chromeEP  = browser.Endpoint{Family: browser.Chrome, URL: "http://127.0.0.1:9515"}
	firefoxEP = browser.Endpoint{Family: browser.Firefox, URL: "http://127.0.0.1:4444"}
	edgeEP    = browser.Endpoint{Family: browser.Edge, URL: "http://127.0.0.1:9516"}
)

func defaultRules() Rules {
	return RulesFromConfig(config.DefaultConfig().Resolver)
}

func TestResolve(t *testing.T) {
	all := []browser.Endpoint{chromeEP, firefoxEP, edgeEP}

	tests := []struct {
		name       string
		healthy    []browser.Endpoint
		sessionID  string
		preference string
		rules      func(*Rules)
		want       browser.Family
		reason     Reason
		code       fleeterrors.ErrorCode
	}{
		{name: "explicit preference", healthy: all, sessionID: "abc", preference: "firefox", want: browser.Firefox, reason: ReasonPreference},
		{name: "preference alias", healthy: all, sessionID: "abc", preference: "MSEdge", want: browser.Edge, reason: ReasonPreference},
		{name: "auto is no preference", healthy: all, sessionID: "abc", preference: "auto", want: browser.Chrome, reason: ReasonPriority},
		{name: "preference beats convention", healthy: all, sessionID: "chrome_1", preference: "edge", want: browser.Edge, reason: ReasonPreference},
		{name: "convention prefix", healthy: all, sessionID: "firefox_test_1", want: browser.Firefox, reason: ReasonConvention},
		{name: "convention alias token", healthy: all, sessionID: "gecko-42", want: browser.Firefox, reason: ReasonConvention},
		{name: "convention needs whole token", healthy: all, sessionID: "firefoxish-42", want: browser.Chrome, reason: ReasonPriority},
		{name: "convention ambiguity skipped", healthy: all, sessionID: "chrome-firefox", rules: func(r *Rules) { r.Convention.Mode = config.ConventionToken }, want: browser.Chrome, reason: ReasonPriority},
		{name: "convention suffix", healthy: all, sessionID: "job.7.edge", rules: func(r *Rules) { r.Convention.Mode = config.ConventionSuffix }, want: browser.Edge, reason: ReasonConvention},
		{name: "convention off", healthy: all, sessionID: "firefox_1", rules: func(r *Rules) { r.Convention.Mode = config.ConventionOff }, want: browser.Chrome, reason: ReasonPriority},
		{name: "default family", healthy: all, sessionID: "abc", rules: func(r *Rules) { r.Default, r.HasDefault = browser.Edge, true }, want: browser.Edge, reason: ReasonDefault},
		{name: "unhealthy default falls through", healthy: []browser.Endpoint{firefoxEP}, sessionID: "abc", rules: func(r *Rules) { r.Default, r.HasDefault = browser.Edge, true }, want: browser.Firefox, reason: ReasonPriority},
		{name: "priority order", healthy: []browser.Endpoint{firefoxEP, edgeEP}, sessionID: "abc", want: browser.Firefox, reason: ReasonPriority},
		{name: "priority ignores input order", healthy: []browser.Endpoint{edgeEP, chromeEP}, sessionID: "abc", want: browser.Chrome, reason: ReasonPriority},
		{name: "strict unhealthy preference", healthy: []browser.Endpoint{chromeEP}, sessionID: "abc", preference: "firefox", rules: func(r *Rules) { r.Strict = true }, code: fleeterrors.ErrCodeNoHealthyDriver},
		{name: "strict unhealthy convention", healthy: []browser.Endpoint{chromeEP}, sessionID: "firefox_1", rules: func(r *Rules) { r.Strict = true }, code: fleeterrors.ErrCodeNoHealthyDriver},
		{name: "unhealthy preference falls through", healthy: []browser.Endpoint{chromeEP}, sessionID: "abc", preference: "firefox", want: browser.Chrome, reason: ReasonPriority},
		{name: "unhealthy convention falls through", healthy: []browser.Endpoint{edgeEP}, sessionID: "firefox_1", want: browser.Edge, reason: ReasonPriority},
		{name: "unhealthy preference falls to default", healthy: []browser.Endpoint{chromeEP, edgeEP}, sessionID: "abc", preference: "firefox", rules: func(r *Rules) { r.Default, r.HasDefault = browser.Edge, true }, want: browser.Edge, reason: ReasonDefault},
		{name: "nothing healthy", sessionID: "abc", code: fleeterrors.ErrCodeNoHealthyDriver},
		{name: "strict nothing healthy", sessionID: "abc", rules: func(r *Rules) { r.Strict = true }, code: fleeterrors.ErrCodeNoHealthyDriver},
		{name: "unknown preference", healthy: all, sessionID: "abc", preference: "safari", code: fleeterrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := defaultRules()
			if tt.rules != nil {
				tt.rules(&rules)
			}
			ep, reason, err := Resolve(tt.healthy, tt.sessionID, tt.preference, rules)
			if tt.code != "" {
				require.Error(t, err)
				assert.True(t, fleeterrors.IsCode(err, tt.code), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ep.Family)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestDefaultRulesFallBack(t *testing.T) {
	rules := defaultRules()
	assert.False(t, rules.Strict)

	ep, reason, err := Resolve([]browser.Endpoint{chromeEP}, "firefox_worker_3", "", rules)
	require.NoError(t, err)
	assert.Equal(t, browser.Chrome, ep.Family)
	assert.Equal(t, ReasonPriority, reason)

	ep, reason, err = Resolve([]browser.Endpoint{chromeEP}, "abc", "firefox", rules)
	require.NoError(t, err)
	assert.Equal(t, browser.Chrome, ep.Family)
	assert.Equal(t, ReasonPriority, reason)
}

func TestPreferred(t *testing.T) {
	rules := defaultRules()
	tests := []struct {
		id, pref string
		want     browser.Family
		ok       bool
	}{
		{"abc", "firefox", browser.Firefox, true},
		{"chrome_1", "edge", browser.Edge, true},
		{"firefox_x", "", browser.Firefox, true},
		{"firefox_x", "auto", browser.Firefox, true},
		{"abc", "", 0, false},
		{"abc", "safari", 0, false},
	}
	for _, tt := range tests {
		f, ok := Preferred(tt.id, tt.pref, rules)
		assert.Equal(t, tt.ok, ok, "%s/%s", tt.id, tt.pref)
		if tt.ok {
			assert.Equal(t, tt.want, f, "%s/%s", tt.id, tt.pref)
		}
	}
}

func TestResolveErrorNamesSessionAndFamily(t *testing.T) {
	rules := defaultRules()
	rules.Strict = true
	_, _, err := Resolve([]browser.Endpoint{chromeEP}, "firefox_worker_3", "", rules)
	require.Error(t, err)

	session, ok := fleeterrors.ContextValue(err, fleeterrors.KeySessionID)
	require.True(t, ok)
	assert.Equal(t, "firefox_worker_3", session)
	family, ok := fleeterrors.ContextValue(err, fleeterrors.KeyFamily)
	require.True(t, ok)
	assert.Equal(t, "firefox", family)
	assert.Contains(t, err.Error(), "firefox_worker_3")
	assert.True(t, fleeterrors.IsRetryable(err))
}

func TestResolveIsDeterministic(t *testing.T) {
	healthy := []browser.Endpoint{chromeEP, firefoxEP}
	first, _, err := Resolve(healthy, "session-x", "", defaultRules())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		ep, _, err := Resolve(healthy, "session-x", "", defaultRules())
		require.NoError(t, err)
		assert.Equal(t, first, ep)
	}
}

func TestConventionMatch(t *testing.T) {
	c := defaultRules().Convention
	tests := []struct {
		id   string
		want browser.Family
		ok   bool
	}{
		{"chrome_1", browser.Chrome, true},
		{"Chromium:run", browser.Chrome, true},
		{"FIREFOX test", browser.Firefox, true},
		{"msedge/5", browser.Edge, true},
		{"", 0, false},
		{"---", 0, false},
		{"user-chrome", 0, false},
	}
	for _, tt := range tests {
		f, ok := c.Match(tt.id)
		assert.Equal(t, tt.ok, ok, tt.id)
		if tt.ok {
			assert.Equal(t, tt.want, f, tt.id)
		}
	}
}

type staticSource struct {
	mu  sync.Mutex
	eps []browser.Endpoint
}

func (s *staticSource) HealthyEndpoints() []browser.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Endpoint(nil), s.eps...)
}

func TestResolverAttachesProfile(t *testing.T) {
	src := &staticSource{eps: []browser.Endpoint{chromeEP, firefoxEP}}
	profiles := browser.DefaultProfiles(browser.ProfileOptions{Headless: true})
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	r := New(src, defaultRules(), profiles, WithMetrics(metrics))

	res, err := r.Resolve(context.Background(), "firefox_a", "")
	require.NoError(t, err)
	assert.Equal(t, browser.Firefox, res.Family)
	assert.Equal(t, firefoxEP, res.Endpoint)
	assert.Equal(t, browser.Firefox, res.Profile.Family())
	assert.Equal(t, ReasonConvention, res.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Resolutions.WithLabelValues("firefox", "convention")))

	src.mu.Lock()
	src.eps = nil
	src.mu.Unlock()
	_, err = r.Resolve(context.Background(), "firefox_a", "")
	assert.True(t, fleeterrors.IsCode(err, fleeterrors.ErrCodeNoHealthyDriver))
}

func TestResolverEndpointForBoundFamily(t *testing.T) {
	src := &staticSource{eps: []browser.Endpoint{chromeEP}}
	r := New(src, defaultRules(), nil)

	res, err := r.Endpoint("s1", browser.Chrome)
	require.NoError(t, err)
	assert.Equal(t, chromeEP, res.Endpoint)
	assert.Equal(t, browser.Chrome, res.Profile.Family())

	_, err = r.Endpoint("s1", browser.Firefox)
	require.Error(t, err)
	assert.True(t, fleeterrors.IsCode(err, fleeterrors.ErrCodeNoHealthyDriver))
	family, _ := fleeterrors.ContextValue(err, fleeterrors.KeyFamily)
	assert.Equal(t, "firefox", family)
}
