// Package resolver picks the driver endpoint a session should use.
//
// Resolution is a pure function of the healthy endpoint set, the session id
// and an optional preference. It never consults process state directly, so
// a resolution is always consistent with one published snapshot.
package resolver

import (
	"context"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

// Reason records which rule selected a family.
type Reason string

const (
	ReasonPreference Reason = "preference"
	ReasonConvention Reason = "convention"
	ReasonDefault    Reason = "default"
	ReasonPriority   Reason = "priority"
)

// Rules are the inputs to resolution besides the healthy set. Strict rejects
// a preference (explicit or encoded in the session id) that names an
// unhealthy family instead of falling back.
type Rules struct {
	Default    browser.Family
	HasDefault bool
	Strict     bool
	Convention Convention
}

// Convention maps session ids to families.
type Convention struct {
	Mode   string
	Tokens map[browser.Family][]string
}

// RulesFromConfig converts resolver configuration to Rules.
func RulesFromConfig(cfg config.ResolverConfig) Rules {
	rules := Rules{
		Strict: cfg.StrictPreference,
		Convention: Convention{
			Mode:   cfg.Convention.Mode,
			Tokens: cfg.Convention.FamilyTokens(),
		},
	}
	rules.Default, rules.HasDefault = cfg.Default()
	return rules
}

// Match returns the single family the session id names under the
// convention. Ids naming no family or several families match nothing.
func (c Convention) Match(sessionID string) (browser.Family, bool) {
	tokens := tokenize(sessionID)
	if len(tokens) == 0 || c.Mode == config.ConventionOff || c.Mode == "" {
		return 0, false
	}
	switch c.Mode {
	case config.ConventionPrefix:
		tokens = tokens[:1]
	case config.ConventionSuffix:
		tokens = tokens[len(tokens)-1:]
	case config.ConventionToken:
	default:
		return 0, false
	}

	matched := make(map[browser.Family]bool)
	for _, tok := range tokens {
		for f, names := range c.Tokens {
			for _, name := range names {
				if tok == name {
					matched[f] = true
				}
			}
		}
	}
	if len(matched) != 1 {
		return 0, false
	}
	for f := range matched {
		return f, true
	}
	return 0, false
}

func tokenize(id string) []string {
	return strings.FieldsFunc(strings.ToLower(id), func(r rune) bool {
		switch r {
		case '_', '-', '.', ':', '/':
			return true
		}
		return unicode.IsSpace(r)
	})
}

// ParsePreference parses an explicit family preference. Empty and "auto"
// mean no preference.
func ParsePreference(preference string) (browser.Family, bool, error) {
	p := strings.TrimSpace(preference)
	if p == "" || strings.EqualFold(p, "auto") {
		return 0, false, nil
	}
	f, err := browser.ParseFamily(p)
	if err != nil {
		return 0, false, fleeterrors.Wrap(err, fleeterrors.ErrCodeInvalidInput, "unknown browser preference").
			WithContext("preference", preference).
			WithRemediation("use one of chrome, firefox, edge or auto")
	}
	return f, true, nil
}

// Resolve selects an endpoint from healthy, which must be in priority order:
//
//  1. an explicit preference that is healthy
//  2. the single family the session id names, if healthy
//  3. the configured default family, if healthy
//  4. the highest-priority healthy family
//
// With no healthy endpoint left it fails with NO_HEALTHY_DRIVER.
func Resolve(healthy []browser.Endpoint, sessionID, preference string, rules Rules) (browser.Endpoint, Reason, error) {
	find := func(f browser.Family) (browser.Endpoint, bool) {
		for _, ep := range healthy {
			if ep.Family == f {
				return ep, true
			}
		}
		return browser.Endpoint{}, false
	}

	pref, hasPref, err := ParsePreference(preference)
	if err != nil {
		if e, ok := fleeterrors.As(err); ok {
			e.WithSession(sessionID)
		}
		return browser.Endpoint{}, "", err
	}
	if hasPref {
		if ep, ok := find(pref); ok {
			return ep, ReasonPreference, nil
		}
		if rules.Strict {
			return browser.Endpoint{}, "", noHealthy(sessionID, healthy).
				WithFamily(pref).
				WithContext("reason", ReasonPreference)
		}
	}

	if f, ok := rules.Convention.Match(sessionID); ok {
		if ep, ok := find(f); ok {
			return ep, ReasonConvention, nil
		}
		if rules.Strict && !hasPref {
			return browser.Endpoint{}, "", noHealthy(sessionID, healthy).
				WithFamily(f).
				WithContext("reason", ReasonConvention)
		}
	}

	if rules.HasDefault {
		if ep, ok := find(rules.Default); ok {
			return ep, ReasonDefault, nil
		}
	}

	best := -1
	for i, ep := range healthy {
		if best < 0 || ep.Family.Priority() < healthy[best].Family.Priority() {
			best = i
		}
	}
	if best >= 0 {
		return healthy[best], ReasonPriority, nil
	}
	return browser.Endpoint{}, "", noHealthy(sessionID, healthy)
}

// Preferred returns the family a session asks for, either explicitly or
// through its id, regardless of health. An invalid preference names nothing.
func Preferred(sessionID, preference string, rules Rules) (browser.Family, bool) {
	if f, ok, err := ParsePreference(preference); err == nil && ok {
		return f, true
	}
	return rules.Convention.Match(sessionID)
}

func noHealthy(sessionID string, healthy []browser.Endpoint) *fleeterrors.Error {
	e := fleeterrors.New(fleeterrors.ErrCodeNoHealthyDriver, "no healthy driver for session").
		WithSession(sessionID).
		WithContext("healthy", len(healthy)).
		WithRetryable(true)
	if len(healthy) == 0 {
		e = e.WithRemediation("start a driver, for example POST /drivers/firefox/start")
	}
	return e
}

// Source supplies the current healthy endpoints in priority order.
type Source interface {
	HealthyEndpoints() []browser.Endpoint
}

// Resolution is a selected endpoint together with the profile a session on
// it must be created with.
type Resolution struct {
	Family   browser.Family
	Endpoint browser.Endpoint
	Profile  browser.Profile
	Reason   Reason
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) { r.log = logging.For(log, logging.ComponentResolver) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver applies Resolve to a live Source.
type Resolver struct {
	source   Source
	rules    Rules
	profiles map[browser.Family]browser.Profile
	log      logrus.FieldLogger
	metrics  *telemetry.Metrics
}

// New creates a Resolver. Families without an entry in profiles use the
// default headless profile.
func New(source Source, rules Rules, profiles map[browser.Family]browser.Profile, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		rules:    rules,
		profiles: make(map[browser.Family]browser.Profile),
		log:      logging.For(nil, logging.ComponentResolver),
	}
	for _, f := range browser.Families() {
		p, ok := profiles[f]
		if !ok || p.IsZero() {
			p = browser.NewProfile(f, true)
		}
		r.profiles[f] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewMetrics(nil)
	}
	return r
}

// Resolve picks the endpoint for a new session.
func (r *Resolver) Resolve(ctx context.Context, sessionID, preference string) (Resolution, error) {
	_, span := telemetry.StartSpan(ctx, "resolver.resolve", telemetry.SessionID(sessionID))
	ep, reason, err := Resolve(r.source.HealthyEndpoints(), sessionID, preference, r.rules)
	telemetry.EndSpan(span, err)

	log := r.log.WithField("session_id", sessionID)
	if err != nil {
		r.metrics.Resolutions.WithLabelValues("none", "unavailable").Inc()
		log.WithError(err).Warn("endpoint resolution failed")
		return Resolution{}, err
	}
	r.metrics.Resolutions.WithLabelValues(ep.Family.String(), string(reason)).Inc()
	log.WithFields(logrus.Fields{
		"family":   ep.Family.String(),
		"endpoint": ep.URL,
		"reason":   reason,
	}).Debug("endpoint resolved")
	return Resolution{
		Family:   ep.Family,
		Endpoint: ep,
		Profile:  r.profiles[ep.Family],
		Reason:   reason,
	}, nil
}

// Endpoint returns the current endpoint for a family a session is already
// bound to. Bound sessions never change family, so there is no fallback.
func (r *Resolver) Endpoint(sessionID string, f browser.Family) (Resolution, error) {
	for _, ep := range r.source.HealthyEndpoints() {
		if ep.Family == f {
			return Resolution{Family: f, Endpoint: ep, Profile: r.profiles[f], Reason: ReasonPreference}, nil
		}
	}
	return Resolution{}, fleeterrors.New(fleeterrors.ErrCodeNoHealthyDriver, "bound driver is not healthy").
		WithFamily(f).
		WithSession(sessionID).
		WithRetryable(true)
}

// Preferred reports the family a new session asks for, healthy or not.
func (r *Resolver) Preferred(sessionID, preference string) (browser.Family, bool) {
	return Preferred(sessionID, preference, r.rules)
}

// Profile returns the capability profile for f.
func (r *Resolver) Profile(f browser.Family) browser.Profile {
	return r.profiles[f]
}
