package otlpreceiver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	records []model.LogRecord
	err     error
}

func (s *fakeSink) SubmitBatch(_ context.Context, records []model.LogRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.records = append(s.records, records...)
	return len(records), nil
}

func str(v string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}
}

func exportRequest() *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				{Key: "service.name", Value: str("payments")},
			}},
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{
					{TimeUnixNano: uint64(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).UnixNano()), SeverityText: "ERROR", Body: str("charge failed")},
					{SeverityText: "INFO", Body: str("retrying")},
				},
			}},
		}},
	}
}

func dial(t *testing.T, sink Submitter) collogspb.LogsServiceClient {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	r := NewServer("bufconn", sink)
	r.serve(ln)
	t.Cleanup(r.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return collogspb.NewLogsServiceClient(conn)
}

func TestExport_SubmitsDecodedRecords(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	client := dial(t, sink)
	if _, err := client.Export(context.Background(), exportRequest()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if len(sink.records) != 2 {
		t.Fatalf("submitted %d records, want 2", len(sink.records))
	}
	first := sink.records[0]
	if first.Service != "payments" || first.Severity != model.SeverityError || first.Message != "charge failed" {
		t.Fatalf("first record = %+v", first)
	}
	if sink.records[1].Timestamp.IsZero() {
		t.Fatal("record without timestamp should be stamped with receive time")
	}
}

func TestExport_StatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"backpressure", &ingest.RejectedError{Reason: "buffer full", Err: ingest.ErrBackpressure}, codes.ResourceExhausted},
		{"draining", ingest.ErrClosed, codes.Unavailable},
		{"journal failure", context.DeadlineExceeded, codes.Internal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := dial(t, &fakeSink{err: tt.err})
			_, err := client.Export(context.Background(), exportRequest())
			if got := status.Code(err); got != tt.want {
				t.Fatalf("status = %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestExport_EmptyRequestIsAccepted(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: ingest.ErrClosed}
	client := dial(t, sink)
	if _, err := client.Export(context.Background(), &collogspb.ExportLogsServiceRequest{}); err != nil {
		t.Fatalf("Export(empty) = %v, want nil", err)
	}
}

func TestNewServer_DefaultAddress(t *testing.T) {
	t.Parallel()

	if got := NewServer("", &fakeSink{}).Addr(); got != DefaultAddr {
		t.Fatalf("Addr() = %q, want %q", got, DefaultAddr)
	}
}
