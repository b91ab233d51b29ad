package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
)

// New builds the process logger. Format "json" selects slog's JSON handler,
// anything else the text handler.
func New(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "chatrelay")
}
