// Package logsource adapts line-oriented inputs to a single channel contract.
package logsource

import "github.com/tinytelemetry/vigil/internal/model"

// LogSource is a unified interface for line-oriented inputs (TCP, stdin, files).
type LogSource interface {
	Lines() <-chan model.IngestEnvelope // closed when the source is exhausted or stopped
	Stop()                              // graceful shutdown, safe to call more than once
	Name() string
}
