package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("server started", "addr", "127.0.0.1:6379")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "server started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["addr"] != "127.0.0.1:6379" {
		t.Errorf("addr = %v", entry["addr"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "text", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Debug("not logged")
	l.Info("not logged either")
	if buf.Len() != 0 {
		t.Errorf("below-level messages were logged: %q", buf.String())
	}

	l.Warn("logged")
	if buf.Len() == 0 {
		t.Error("warn message was filtered")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	SetLevel("debug")
	defer SetLevel("info")

	if GetLevel() != "debug" {
		t.Errorf("GetLevel = %q, want debug", GetLevel())
	}
	l.Debug("now visible")
	if buf.Len() == 0 {
		t.Error("debug message filtered after SetLevel(debug)")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "info", Format: "json", Output: &buf})

	l.With("component", "server").Info("ready")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["component"] != "server" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestContextConnID(t *testing.T) {
	ctx := WithConnID(context.Background(), "01JC0000000000000000000000")
	if got := ConnIDFromContext(ctx); got != "01JC0000000000000000000000" {
		t.Errorf("ConnIDFromContext = %q", got)
	}
	if got := ConnIDFromContext(context.Background()); got != "" {
		t.Errorf("ConnIDFromContext on empty ctx = %q", got)
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithLogger(context.Background(), l)
	ctx = WithConnID(ctx, "conn-1")
	L(ctx).Info("dispatch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["conn_id"] != "conn-1" {
		t.Errorf("conn_id = %v", entry["conn_id"])
	}
}
