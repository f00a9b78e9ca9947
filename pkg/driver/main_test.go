package driver

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/browserfleet/pkg/webdriver/webdrivertest"
)

// The test binary doubles as a fake driver executable. When the manager
// spawns it with envFake set, TestMain serves the WebDriver fake instead of
// running tests.
const (
	envFake          = "BROWSERFLEET_FAKE_DRIVER"
	envFakeMode      = "BROWSERFLEET_FAKE_DRIVER_MODE"
	envFakePIDFile   = "BROWSERFLEET_FAKE_DRIVER_PIDFILE"
	envFakeUnhealthy = "BROWSERFLEET_FAKE_DRIVER_UNHEALTHY_FILE"
)

func TestMain(m *testing.M) {
	if os.Getenv(envFake) == "1" {
		os.Exit(runFakeDriver(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runFakeDriver(args []string) int {
	if path := os.Getenv(envFakePIDFile); path != "" {
		if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			return 2
		}
	}

	switch os.Getenv(envFakeMode) {
	case "crash":
		fmt.Fprintln(os.Stderr, "fake driver: crashing on purpose")
		return 3
	case "hang":
		time.Sleep(time.Hour)
		return 0
	case "spawn-child":
		child := exec.Command(os.Args[0], "--headless")
		child.Env = append(os.Environ(),
			envFakeMode+"=hang",
			envFakePIDFile+"="+os.Getenv(envFakePIDFile)+".child",
		)
		if err := child.Start(); err != nil {
			return 4
		}
	}

	port := parsePort(args)
	if port == 0 {
		fmt.Fprintln(os.Stderr, "fake driver: missing --port")
		return 5
	}
	inner := webdrivertest.NewDriver().Handler()
	unhealthyFile := os.Getenv(envFakeUnhealthy)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unhealthyFile != "" && r.URL.Path == "/status" {
			if _, err := os.Stat(unhealthyFile); err == nil {
				http.Error(w, `{"value":{"error":"unknown error","message":"unhealthy"}}`, http.StatusInternalServerError)
				return
			}
		}
		inner.ServeHTTP(w, r)
	})
	srv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, "fake driver:", err)
		return 6
	}
	return 0
}

// parsePort accepts both --port=N and --port N.
func parsePort(args []string) int {
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--port="); ok {
			n, _ := strconv.Atoi(v)
			return n
		}
		if arg == "--port" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			return n
		}
	}
	return 0
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{[]string{"--port=9515", "--allowed-ips=127.0.0.1"}, 9515},
		{[]string{"--port", "4444", "--host", "127.0.0.1"}, 4444},
		{[]string{"--host", "127.0.0.1"}, 0},
		{[]string{"--port"}, 0},
	}
	for _, tt := range tests {
		if got := parsePort(tt.args); got != tt.want {
			t.Errorf("parsePort(%v) = %d, want %d", tt.args, got, tt.want)
		}
	}
}
