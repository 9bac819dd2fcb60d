package logsource

import (
	"sync"

	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/tcpserver"
)

// TCPSource wraps a tcpserver.Server as a LogSource.
type TCPSource struct {
	server   *tcpserver.Server
	stopOnce sync.Once
}

// NewTCPSource creates a TCPSource from an already-started TCP server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Lines() <-chan model.IngestEnvelope { return t.server.Lines() }
func (t *TCPSource) Name() string                       { return "tcp" }

func (t *TCPSource) Stop() {
	t.stopOnce.Do(func() { _ = t.server.Stop() })
}
