package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type family string

func (f family) String() string { return string(f) }

func TestNew(t *testing.T) {
	err := New(ErrCodeNoHealthyDriver, "no healthy driver")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeNoHealthyDriver {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoHealthyDriver)
	}

	if err.Message != "no healthy driver" {
		t.Errorf("Message = %v, want 'no healthy driver'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeStartTimeout, "driver not ready after %s", "10s")
	if err.Message != "driver not ready after 10s" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(underlying, ErrCodeHealthCheck, "status probe failed")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !strings.Contains(err.Error(), "connection refused") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithFamilyAndSession(t *testing.T) {
	err := New(ErrCodeNoHealthyDriver, "family unavailable").
		WithFamily(family("firefox")).
		WithSession("firefox_login")

	msg := err.Error()
	if !strings.Contains(msg, "family: firefox") {
		t.Errorf("message %q should name the family", msg)
	}
	if !strings.Contains(msg, "session_id: firefox_login") {
		t.Errorf("message %q should name the session", msg)
	}

	if v, ok := ContextValue(err, KeyFamily); !ok || v != "firefox" {
		t.Errorf("ContextValue(family) = %v, %v", v, ok)
	}
}

func TestWithSession_EmptyIgnored(t *testing.T) {
	err := New(ErrCodeInternal, "x").WithSession("")
	if _, ok := err.Context[KeySessionID]; ok {
		t.Error("empty session id should not be recorded")
	}
}

func TestError_DeterministicContextOrder(t *testing.T) {
	err := New(ErrCodeStartFailed, "spawn failed").
		WithContext("port", 9515).
		WithContext("family", "chrome").
		WithContext("binary", "/usr/bin/chromedriver")

	want := "[START_FAILED] spawn failed {binary: /usr/bin/chromedriver, family: chrome, port: 9515}"
	for i := 0; i < 20; i++ {
		if got := err.Error(); got != want {
			t.Fatalf("Error() = %q, want %q", got, want)
		}
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrCodeSessionCreation, "driver busy").WithRetryable(true)

	if !err.IsRetryable() {
		t.Error("IsRetryable should return true")
	}
}

func TestWithRemediation(t *testing.T) {
	err := New(ErrCodeBinaryNotFound, "geckodriver not found").
		WithRemediation("brew install geckodriver")
	if len(err.Remediation) != 1 {
		t.Fatalf("Remediation = %v", err.Remediation)
	}
	if same := err.WithRemediation(); same != err || len(err.Remediation) != 1 {
		t.Error("empty WithRemediation should be a no-op")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := Wrap(underlying, ErrCodeInternal, "wrapped")

	if err.Unwrap() != underlying {
		t.Error("Unwrap should return underlying error")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodePoolExhausted, "pool full")

	if !IsCode(err, ErrCodePoolExhausted) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeAcquireTimeout) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodePoolExhausted) {
		t.Error("IsCode should return false for nil error")
	}

	if IsCode(errors.New("standard error"), ErrCodeInternal) {
		t.Error("IsCode should return false for plain errors")
	}
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	inner := New(ErrCodeCapabilityMismatch, "got firefox, asked chrome")
	outer := Wrap(inner, ErrCodeSessionCreation, "create session")
	wrapped := fmt.Errorf("acquire: %w", outer)

	if !IsCode(wrapped, ErrCodeSessionCreation) {
		t.Error("outer code should match through fmt wrapping")
	}
	if !IsCode(wrapped, ErrCodeCapabilityMismatch) {
		t.Error("inner code should match through nested *Error")
	}
	if !errors.Is(wrapped, New(ErrCodeCapabilityMismatch, "")) {
		t.Error("errors.Is should match by code")
	}
}

func TestGetCode(t *testing.T) {
	if code := GetCode(New(ErrCodeDriverStopping, "stopping")); code != ErrCodeDriverStopping {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeDriverStopping)
	}

	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}

	if GetCode(errors.New("standard")) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for plain errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := New(ErrCodeHealthCheck, "probe timeout").WithRetryable(true)
	notRetryable := New(ErrCodeConfigInvalid, "bad config")

	if !IsRetryable(fmt.Errorf("wrapped: %w", retryable)) {
		t.Error("IsRetryable should return true for wrapped retryable error")
	}

	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}

	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()
	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}

	found := false
	for _, frame := range err.Stack {
		if strings.Contains(frame.Function, "TestStackTrace") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Stack should start at the caller of New")
	}
}
