package stormrpc

import (
	"io"
	"log/slog"

	"github.com/couchcryptid/storm-stream-client/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}
