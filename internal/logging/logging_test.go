package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, config.LogConfig{Level: slog.LevelInfo, Format: "json"})
	log.Info("user joined", "username", "alice")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode err: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "user joined" || rec["username"] != "alice" || rec["service"] != "chatrelay" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, config.LogConfig{Level: slog.LevelWarn, Format: "text"})
	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("unexpected output %q", out)
	}
}
