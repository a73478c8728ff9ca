// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextWithSessionID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
		want string
	}{
		{name: "nil context", ctx: nil, id: "sess-123", want: "sess-123"},
		{name: "background context", ctx: context.Background(), id: "sess-456", want: "sess-456"},
		{name: "missing id", ctx: context.Background(), id: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if tt.id != "" {
				ctx = ContextWithSessionID(ctx, tt.id)
			}
			if got := SessionIDFromContext(ctx); got != tt.want {
				t.Errorf("SessionIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithFieldsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithSessionID(context.Background(), "abc")
	ctx = ContextWithJob(ctx, "scheduler.worker")

	enriched := WithFieldsFromContext(ctx, logger)
	enriched.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldSessionID] != "abc" {
		t.Errorf("session_id = %v, want abc", entry[FieldSessionID])
	}
	if entry[FieldJob] != "scheduler.worker" {
		t.Errorf("job = %v, want scheduler.worker", entry[FieldJob])
	}
}

func TestWithComponentFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := logger.WithContext(context.Background())
	ctx = ContextWithSessionID(ctx, "sess-9")

	enriched := WithComponentFromContext(ctx, "ingress")
	enriched.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldComponent] != "ingress" {
		t.Errorf("component = %v, want ingress", entry[FieldComponent])
	}
	if entry[FieldSessionID] != "sess-9" {
		t.Errorf("session_id = %v, want sess-9", entry[FieldSessionID])
	}
}

func TestWithFieldsFromContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithFieldsFromContext(context.Background(), logger)
	enriched.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := entry[FieldSessionID]; ok {
		t.Error("expected no session_id field on empty context")
	}
}
