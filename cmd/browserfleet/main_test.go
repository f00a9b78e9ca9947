package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/odvcencio/browserfleet/pkg/config"
)

func withLoadConfig(t *testing.T, fn func(string) (*config.Config, error)) {
	t.Helper()
	orig := loadConfigFn
	loadConfigFn = fn
	t.Cleanup(func() { loadConfigFn = orig })
}

func TestParseOptions(t *testing.T) {
	var out bytes.Buffer
	opts, err := parseOptions([]string{"-config", "fleet.yaml", "-listen", "127.0.0.1:0", "-log-level", "debug", "-trace-stdout"}, &out)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.configPath != "fleet.yaml" || opts.listen != "127.0.0.1:0" || opts.logLevel != "debug" || !opts.traceStdout {
		t.Errorf("unexpected options %+v", opts)
	}

	if _, err := parseOptions([]string{"serve"}, &out); err == nil {
		t.Error("expected error for positional argument")
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "browserfleet "+version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-no-such-flag"}, &out)
	if got := exitCodeForError(err); got != exitUsage {
		t.Errorf("unknown flag exit code = %d, want %d", got, exitUsage)
	}

	withLoadConfig(t, func(string) (*config.Config, error) {
		return nil, errors.New("boom")
	})
	err = run(nil, &out)
	if got := exitCodeForError(err); got != exitUsage {
		t.Errorf("config load exit code = %d, want %d", got, exitUsage)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	withLoadConfig(t, func(string) (*config.Config, error) {
		cfg := config.DefaultConfig()
		cfg.Drivers.Enabled = nil
		return cfg, nil
	})
	var out bytes.Buffer
	err := run(nil, &out)
	if err == nil || !strings.Contains(err.Error(), "drivers.enabled") {
		t.Fatalf("run error = %v, want drivers.enabled problem", err)
	}
	if got := exitCodeForError(err); got != exitUsage {
		t.Errorf("exit code = %d, want %d", got, exitUsage)
	}
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	withLoadConfig(t, func(string) (*config.Config, error) {
		return config.DefaultConfig(), nil
	})
	var out bytes.Buffer
	err := run([]string{"-log-level", "loud"}, &out)
	if got := exitCodeForError(err); got != exitUsage {
		t.Errorf("exit code = %d, want %d (err %v)", got, exitUsage, err)
	}
}

func TestExitCodeForError(t *testing.T) {
	if got := exitCodeForError(nil); got != 0 {
		t.Errorf("nil error exit code = %d", got)
	}
	if got := exitCodeForError(errors.New("x")); got != exitFailure {
		t.Errorf("plain error exit code = %d", got)
	}
	if got := exitCodeForError(withExitCode(errors.New("x"), 7)); got != 7 {
		t.Errorf("coded error exit code = %d", got)
	}
}
