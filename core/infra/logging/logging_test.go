package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureOutput(t)
	Info("dispatcher", "run created", "correlation_id", "request-1")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[DISPATCHER] run created") || !strings.Contains(got, "correlation_id=request-1") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "json")

	buf := captureOutput(t)
	Error("completion", "claim failed", "code", 500)
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json log line, got %q: %v", line, err)
	}
	if payload["level"] != "error" || payload["component"] != "completion" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["code"] != float64(500) {
		t.Fatalf("unexpected code field: %v", payload["code"])
	}
}

func TestOddFieldCount(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureOutput(t)
	Info("bus", "published", "subject")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "subject=(missing)") {
		t.Fatalf("expected placeholder for dangling key: %s", got)
	}
}
