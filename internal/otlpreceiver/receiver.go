// Package otlpreceiver accepts OTLP/gRPC log exports and submits the decoded
// records to the ingest buffer.
package otlpreceiver

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/model"
)

const (
	// DefaultAddr is the standard OTLP/gRPC port on loopback.
	DefaultAddr = "127.0.0.1:4317"

	// DefaultMaxRecvMsgSize bounds a single export request.
	DefaultMaxRecvMsgSize = 16 * 1024 * 1024
)

// Submitter admits decoded records, returning how many were accepted.
type Submitter interface {
	SubmitBatch(ctx context.Context, records []model.LogRecord) (int, error)
}

// Config holds tunable parameters for the receiver.
type Config struct {
	MaxRecvMsgSize int
	// Now stamps records that carry no timestamp.
	Now func() time.Time
}

// Receiver implements the OTLP LogsService over gRPC.
type Receiver struct {
	collogspb.UnimplementedLogsServiceServer

	addr     string
	sink     Submitter
	now      func() time.Time
	maxRecv  int
	listener net.Listener
	grpcsrv  *grpc.Server
	wg       sync.WaitGroup
}

// NewServer creates a receiver listening on addr (DefaultAddr when empty).
func NewServer(addr string, sink Submitter, conf ...Config) *Receiver {
	if addr == "" {
		addr = DefaultAddr
	}
	r := &Receiver{
		addr:    addr,
		sink:    sink,
		now:     time.Now,
		maxRecv: DefaultMaxRecvMsgSize,
	}
	if len(conf) > 0 {
		if conf[0].MaxRecvMsgSize > 0 {
			r.maxRecv = conf[0].MaxRecvMsgSize
		}
		if conf[0].Now != nil {
			r.now = conf[0].Now
		}
	}
	return r
}

// Start listens and serves in the background.
func (r *Receiver) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	r.serve(ln)
	return nil
}

func (r *Receiver) serve(ln net.Listener) {
	r.listener = ln
	r.grpcsrv = grpc.NewServer(grpc.MaxRecvMsgSize(r.maxRecv))
	collogspb.RegisterLogsServiceServer(r.grpcsrv, r)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.grpcsrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("otlpreceiver: serve: %v", err)
		}
	}()
	log.Printf("otlpreceiver: listening on %s", ln.Addr())
}

// Stop waits for in-flight exports and stops serving.
func (r *Receiver) Stop() {
	if r.grpcsrv != nil {
		r.grpcsrv.GracefulStop()
	}
	r.wg.Wait()
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (r *Receiver) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

// Export implements collogspb.LogsServiceServer. A request is accepted as a
// whole or rejected with a retryable status; clients re-sending after a
// partial admission may produce duplicate records.
func (r *Receiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	records := ingest.RecordsFromOTLP(req.GetResourceLogs(), r.now())
	if len(records) == 0 {
		return &collogspb.ExportLogsServiceResponse{}, nil
	}

	accepted, err := r.sink.SubmitBatch(ctx, records)
	switch {
	case err == nil:
		return &collogspb.ExportLogsServiceResponse{}, nil
	case errors.Is(err, ingest.ErrBackpressure):
		return nil, status.Errorf(codes.ResourceExhausted, "buffer full: accepted %d of %d records", accepted, len(records))
	case errors.Is(err, ingest.ErrClosed):
		return nil, status.Error(codes.Unavailable, "pipeline draining")
	default:
		log.Printf("otlpreceiver: submit: %v", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
}
