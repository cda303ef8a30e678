package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewAttachmentLogger uses it to write simultaneously to the
// process-global handler and to a dedicated per-attachment log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each handler's Enabled() is checked individually so a DEBUG record
	// isn't sent to a primary handler configured for INFO and above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write error on the attachment log must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewAttachmentLogger builds a logger that writes to both the base (global)
// logger and a dedicated file for one cheat-manager attachment, at:
//
//	{attachmentLogDir}/{titleID}/{buildID}.log
//
// It returns the enriched logger, an io.Closer for the dedicated file, and
// the file's absolute path. The Closer MUST be closed when the attachment
// ends. If attachmentLogDir is empty, the base logger is returned unchanged.
func NewAttachmentLogger(baseLogger *slog.Logger, attachmentLogDir, titleID, buildID string) (*slog.Logger, io.Closer, string, error) {
	if attachmentLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(attachmentLogDir, titleID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating attachment log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, buildID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening attachment log file %s: %w", logPath, err)
	}

	// The dedicated file always uses JSON at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveAttachmentLog deletes a finished attachment's dedicated log file.
// No-op if attachmentLogDir is empty or the file doesn't exist.
func RemoveAttachmentLog(attachmentLogDir, titleID, buildID string) {
	if attachmentLogDir == "" {
		return
	}
	logPath := filepath.Join(attachmentLogDir, titleID, buildID+".log")
	os.Remove(logPath)
}
