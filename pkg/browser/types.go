package browser

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// Family identifies a browser family served by one WebDriver executable.
// The numeric value is the fixed priority order: lower wins.
type Family int

const (
	Chrome Family = iota
	Firefox
	Edge
)

var familyNames = [...]string{
	Chrome:  "chrome",
	Firefox: "firefox",
	Edge:    "edge",
}

// Families returns every family in priority order.
func Families() []Family {
	return []Family{Chrome, Firefox, Edge}
}

// String returns the canonical lower-case family name.
func (f Family) String() string {
	if !f.Valid() {
		return "unknown(" + strconv.Itoa(int(f)) + ")"
	}
	return familyNames[f]
}

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	return f >= Chrome && f <= Edge
}

// Priority returns the family's rank in the fixed priority order.
func (f Family) Priority() int {
	return int(f)
}

// ParseFamily accepts the canonical names and the common aliases
// (chromium, gecko, msedge and so on), case-insensitively.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chrome", "chromium", "chromedriver", "googlechrome":
		return Chrome, nil
	case "firefox", "gecko", "geckodriver", "mozilla":
		return Firefox, nil
	case "edge", "msedge", "msedgedriver", "microsoftedge":
		return Edge, nil
	}
	return 0, fmt.Errorf("unknown browser family %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid browser family %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so families can be read
// from YAML and environment variables by name.
func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Executable is the driver binary name for the family on this platform.
func (f Family) Executable() string {
	var name string
	switch f {
	case Chrome:
		name = "chromedriver"
	case Firefox:
		name = "geckodriver"
	case Edge:
		name = "msedgedriver"
	default:
		return ""
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// DefaultPort is the port tried first when no port is configured.
func (f Family) DefaultPort() int {
	switch f {
	case Chrome:
		return 9515
	case Firefox:
		return 4444
	case Edge:
		return 9516
	}
	return 0
}

// DriverArgs returns the command-line flags that bind the driver to port on
// the loopback interface.
func (f Family) DriverArgs(port int) []string {
	p := strconv.Itoa(port)
	switch f {
	case Firefox:
		return []string{"--port", p, "--host", "127.0.0.1"}
	case Chrome, Edge:
		return []string{"--port=" + p, "--allowed-ips=127.0.0.1"}
	}
	return nil
}

// InstallHint is the remediation text shown when the driver binary is
// missing.
func (f Family) InstallHint() string {
	switch f {
	case Chrome:
		return "install chromedriver: apt install chromium-driver, brew install chromedriver, or download from https://googlechromelabs.github.io/chrome-for-testing/"
	case Firefox:
		return "install geckodriver: apt install firefox-geckodriver, brew install geckodriver, or download from https://github.com/mozilla/geckodriver/releases"
	case Edge:
		return "install msedgedriver: download from https://developer.microsoft.com/microsoft-edge/tools/webdriver/"
	}
	return ""
}

// SortFamilies orders families by priority in place.
func SortFamilies(fs []Family) {
	slices.Sort(fs)
}

// HealthStatus is the supervisor's view of a driver process.
type HealthStatus string

const (
	StatusStarting  HealthStatus = "starting"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusStopped   HealthStatus = "stopped"
)

// Endpoint is a reachable driver for one family.
type Endpoint struct {
	Family Family `json:"family"`
	URL    string `json:"url"`
}

func (e Endpoint) String() string {
	return e.Family.String() + "@" + e.URL
}
