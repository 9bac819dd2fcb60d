package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngester struct {
	mu      sync.Mutex
	records []model.LogRecord
	limit   int
	err     error
}

func (f *fakeIngester) SubmitBatch(_ context.Context, records []model.LogRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.limit > 0 && len(records) > f.limit {
		f.records = append(f.records, records[:f.limit]...)
		return f.limit, ingest.ErrBackpressure
	}
	f.records = append(f.records, records...)
	return len(records), nil
}

type fakeAlerts struct {
	alerts []model.Alert
	err    error
}

func (f *fakeAlerts) RecentAlerts(_ context.Context, limit int) ([]model.Alert, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.alerts) {
		return f.alerts[:limit], nil
	}
	return f.alerts, nil
}

func (f *fakeAlerts) AlertCount(context.Context) (int64, error) {
	return int64(len(f.alerts)), f.err
}

type fakeHealth struct{ h pipeline.Health }

func (f fakeHealth) Health() pipeline.Health { return f.h }

func newTestServer(t *testing.T, deps Deps, conf ...Config) http.Handler {
	t.Helper()
	if deps.Ingest == nil {
		deps.Ingest = &fakeIngester{}
	}
	return NewServer("", deps, conf...).Handler()
}

func post(h http.Handler, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return body
}

func TestIngest_AcceptsObjectAndArray(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"object", `{"service":"payments","level":"error","msg":"charge failed"}`, 1},
		{"array", `[{"service":"a","msg":"one"},{"service":"b","msg":"two"}]`, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &fakeIngester{}
			h := newTestServer(t, Deps{Ingest: sink})

			w := post(h, "/api/v1/logs", "application/json", []byte(tt.body))
			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
			}
			if got := decodeBody(t, w)["accepted"]; got != float64(tt.want) {
				t.Errorf("accepted = %v, want %d", got, tt.want)
			}
			if len(sink.records) != tt.want {
				t.Fatalf("submitted %d records, want %d", len(sink.records), tt.want)
			}
		})
	}
}

func TestIngest_DecodesFields(t *testing.T) {
	t.Parallel()

	sink := &fakeIngester{}
	h := newTestServer(t, Deps{Ingest: sink})
	w := post(h, "/api/v1/logs", "application/json",
		[]byte(`{"service":"payments","level":"error","msg":"charge failed"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	got := sink.records[0]
	if got.Service != "payments" || got.Severity != model.SeverityError || got.Message != "charge failed" {
		t.Fatalf("record = %+v", got)
	}
}

func TestIngest_RejectsBadPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"malformed", `{"service":`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &fakeIngester{}
			h := newTestServer(t, Deps{Ingest: sink})
			w := post(h, "/api/v1/logs", "application/json", []byte(tt.body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(sink.records) != 0 {
				t.Fatalf("submitted %d records for a bad payload", len(sink.records))
			}
		})
	}
}

func TestIngest_BackpressureReturns429(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Deps{Ingest: &fakeIngester{limit: 1}})
	w := post(h, "/api/v1/logs", "application/json", []byte(`[{"msg":"a"},{"msg":"b"},{"msg":"c"}]`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got == "" {
		t.Error("missing Retry-After header")
	}
	body := decodeBody(t, w)
	if body["accepted"] != float64(1) || body["rejected"] != float64(2) {
		t.Errorf("body = %v", body)
	}
}

func TestIngest_SubmitErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"draining", ingest.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, Deps{Ingest: &fakeIngester{err: tt.err}})
			w := post(h, "/api/v1/logs", "application/json", []byte(`{"msg":"x"}`))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Deps{}, Config{MaxBodyBytes: 32})
	w := post(h, "/api/v1/logs", "application/json",
		[]byte(`{"msg":"`+strings.Repeat("x", 128)+`"}`))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestOTLPHTTP_Protobuf(t *testing.T) {
	t.Parallel()

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "payments"}},
			}}},
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					TimeUnixNano: uint64(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano()),
					SeverityText: "ERROR",
					Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "charge failed"}},
				}},
			}},
		}},
	}
	payload, err := proto.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sink := &fakeIngester{}
	h := newTestServer(t, Deps{Ingest: sink})
	w := post(h, "/v1/logs", "application/x-protobuf", payload)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if len(sink.records) != 1 {
		t.Fatalf("submitted %d records, want 1", len(sink.records))
	}
	if got := sink.records[0]; got.Service != "payments" || got.Severity != model.SeverityError {
		t.Fatalf("record = %+v", got)
	}
}

func TestOTLPHTTP_RejectsGarbageProtobuf(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Deps{})
	w := post(h, "/v1/logs", "application/x-protobuf", []byte{0xff, 0xff, 0xff})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		health     pipeline.Health
		wantCode   int
		wantStatus string
	}{
		{"running", pipeline.Health{State: "running"}, http.StatusOK, "ok"},
		{"degraded archival", pipeline.Health{State: "running", ArchivalDegraded: true}, http.StatusOK, "degraded"},
		{"failed component", pipeline.Health{State: "running", FailedComponents: map[string]string{"dedup": "boom"}}, http.StatusOK, "degraded"},
		{"draining", pipeline.Health{State: "draining"}, http.StatusServiceUnavailable, "draining"},
		{"stopped", pipeline.Health{State: "stopped"}, http.StatusServiceUnavailable, "stopped"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, Deps{Health: fakeHealth{tt.health}})
			w := get(h, "/api/health")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := decodeBody(t, w)["status"]; got != tt.wantStatus {
				t.Errorf("status = %v, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestHealthEndpoint_WithoutPipeline(t *testing.T) {
	t.Parallel()

	w := get(newTestServer(t, Deps{}), "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	t.Parallel()

	w := post(newTestServer(t, Deps{}), "/api/health", "application/json", nil)
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	t.Parallel()

	store := &fakeAlerts{alerts: []model.Alert{
		{ID: "a1", RuleID: "payments-burst", OccurrenceCount: 7},
		{ID: "a2", RuleID: "payments-burst", OccurrenceCount: 5},
		{ID: "a3", RuleID: "db-down", OccurrenceCount: 1},
	}}
	h := newTestServer(t, Deps{Alerts: store})

	w := get(h, "/api/alerts?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["count"] != float64(2) || body["total"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
	alerts := body["alerts"].([]interface{})
	if first := alerts[0].(map[string]interface{}); first["alert_id"] != "a1" {
		t.Errorf("first alert = %v", first)
	}
}

func TestAlertsEndpoint_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		deps Deps
		path string
		want int
	}{
		{"no store", Deps{}, "/api/alerts", http.StatusNotFound},
		{"bad limit", Deps{Alerts: &fakeAlerts{}}, "/api/alerts?limit=abc", http.StatusBadRequest},
		{"zero limit", Deps{Alerts: &fakeAlerts{}}, "/api/alerts?limit=0", http.StatusBadRequest},
		{"store error", Deps{Alerts: &fakeAlerts{err: errors.New("db gone")}}, "/api/alerts", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := get(newTestServer(t, tt.deps), tt.path)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.RecordsAccepted(3)
	h := newTestServer(t, Deps{Metrics: m.Handler()})

	w := get(h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "vigil_records_accepted_total 3") {
		t.Fatalf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Deps{Ingest: &fakeIngester{}})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGinRecovery(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic recovery status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
