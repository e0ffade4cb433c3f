package logging

import (
	"fmt"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGraylogHandler creates a slog handler that ships records to a Graylog
// server over GELF UDP. Each record is sent as a JSON message.
func NewGraylogHandler(addr string, level string) (slog.Handler, error) {
	writer, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to graylog at %s: %w", addr, err)
	}
	return slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	}), nil
}
