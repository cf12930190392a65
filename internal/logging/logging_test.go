package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestStepAttachedFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithStep(context.Background(), 4200)
	log.Info(ctx, "stepped", Int("managed", 3), Err(errors.New("boom")))

	line := decodeLine(t, &buf)
	if line["msg"] != "stepped" || line["sim_step"] != float64(4200) || line["managed"] != float64(3) || line["error"] != "boom" {
		t.Fatalf("log line = %v", line)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf})
	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "kept")
	if line := decodeLine(t, &buf); line["level"] != "WARN" {
		t.Fatalf("level = %v, want WARN", line["level"])
	}
}

func TestRequestLoggerKeepsExistingID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx, reqLog := WithRequestLogger(ctx, base)
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("RequestIDFromContext() = %q, want req-1", got)
	}
	reqLog.Info(ctx, "handled")
	if line := decodeLine(t, &buf); line["request_id"] != "req-1" {
		t.Fatalf("request_id = %v, want req-1", line["request_id"])
	}

	fresh, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(fresh) != id {
		t.Fatalf("EnsureRequestID() id = %q", id)
	}
}

func TestContextLogger(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatalf("LoggerFromContext(empty) = %v, want nil", got)
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("ContextWithLogger(nil) stored no logger")
	}
	if _, ok := StepFromContext(ctx); ok {
		t.Fatalf("StepFromContext reported a step on a bare context")
	}
}
