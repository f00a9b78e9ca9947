package browser

import "strings"

// Profile is the capability payload requested when opening a protocol
// session for one family. Profiles are values with unexported fields; every
// accessor returns a copy, so a profile cannot change after construction.
type Profile struct {
	family      Family
	browserName string
	optionsKey  string
	args        []string
}

// ProfileOptions controls how default profiles are built.
type ProfileOptions struct {
	Headless  bool
	ExtraArgs map[Family][]string
}

var chromiumArgs = []string{
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--remote-debugging-port=0",
}

// NewProfile builds the profile for family.
func NewProfile(family Family, headless bool, extra ...string) Profile {
	p := Profile{family: family}
	var args []string
	switch family {
	case Chrome:
		p.browserName = "chrome"
		p.optionsKey = "goog:chromeOptions"
		args = append(args, chromiumArgs...)
	case Firefox:
		p.browserName = "firefox"
		p.optionsKey = "moz:firefoxOptions"
	case Edge:
		p.browserName = "MicrosoftEdge"
		p.optionsKey = "ms:edgeOptions"
		args = append(args, chromiumArgs...)
	}
	if headless {
		args = append(args, "--headless")
	}
	p.args = append(args, extra...)
	return p
}

// DefaultProfiles builds one profile per family.
func DefaultProfiles(opts ProfileOptions) map[Family]Profile {
	out := make(map[Family]Profile, 3)
	for _, f := range Families() {
		out[f] = NewProfile(f, opts.Headless, opts.ExtraArgs[f]...)
	}
	return out
}

func (p Profile) Family() Family      { return p.family }
func (p Profile) BrowserName() string { return p.browserName }
func (p Profile) OptionsKey() string  { return p.optionsKey }
func (p Profile) IsZero() bool        { return p.browserName == "" }
func (p Profile) Args() []string      { return append([]string(nil), p.args...) }

// Capabilities returns a freshly allocated W3C capabilities object for the
// alwaysMatch block of a new-session request.
func (p Profile) Capabilities() map[string]any {
	args := make([]any, len(p.args))
	for i, a := range p.args {
		args[i] = a
	}
	return map[string]any{
		"browserName": p.browserName,
		p.optionsKey: map[string]any{
			"args": args,
		},
	}
}

// AcceptsBrowserName reports whether a browserName returned by a driver
// belongs to this profile's family.
func (p Profile) AcceptsBrowserName(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	switch p.family {
	case Chrome:
		return name == "chrome" || name == "chromium" || name == "chrome-headless-shell"
	case Firefox:
		return name == "firefox"
	case Edge:
		return name == "msedge" || name == "microsoftedge"
	}
	return false
}
