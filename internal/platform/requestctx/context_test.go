package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatal("expected noop logger on bare context")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatal("expected injected logger")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatal("expected nil logger to fall back to noop")
	}
}

func TestTraceAndSession(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "1"})
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("trace id = %q", got)
	}
	if TraceID(context.Background()) != "" {
		t.Fatal("expected empty trace id")
	}

	if _, ok := Session(ctx); ok {
		t.Fatal("expected no session")
	}
	ctx = WithSession(ctx, "sess-1")
	if id, ok := Session(ctx); !ok || id != "sess-1" {
		t.Fatalf("session = %q, %v", id, ok)
	}
	if _, ok := Session(WithSession(ctx, "")); ok {
		t.Fatal("expected empty session to be absent")
	}
}
