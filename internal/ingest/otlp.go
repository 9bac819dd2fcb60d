package ingest

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinytelemetry/vigil/internal/logparse"
	"github.com/tinytelemetry/vigil/internal/model"
)

// RecordsFromOTLP flattens OTLP resource/scope/log nesting into records.
// Resource and scope attributes are inherited by every log record below them;
// record attributes win on key collisions.
func RecordsFromOTLP(resourceLogs []*logspb.ResourceLogs, now time.Time) []model.LogRecord {
	var out []model.LogRecord
	for _, rl := range resourceLogs {
		inherited := otlpAttributes(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			scopeAttrs := cloneAttributes(inherited)
			if scope := sl.GetScope(); scope != nil {
				if name := scope.GetName(); name != "" {
					scopeAttrs["otel.scope.name"] = name
				}
				if version := scope.GetVersion(); version != "" {
					scopeAttrs["otel.scope.version"] = version
				}
				mergeAttributes(scopeAttrs, otlpAttributes(scope.GetAttributes()))
			}
			for _, lr := range sl.GetLogRecords() {
				out = append(out, recordFromOTLP(lr, scopeAttrs, now))
			}
		}
	}
	return out
}

func recordFromOTLP(lr *logspb.LogRecord, inherited map[string]string, now time.Time) model.LogRecord {
	attrs := cloneAttributes(inherited)
	mergeAttributes(attrs, otlpAttributes(lr.GetAttributes()))
	if id := lr.GetTraceId(); len(id) > 0 {
		attrs["trace.id"] = hex.EncodeToString(id)
	}
	if id := lr.GetSpanId(); len(id) > 0 {
		attrs["span.id"] = hex.EncodeToString(id)
	}

	ts := now
	switch {
	case lr.GetTimeUnixNano() > 0:
		ts = time.Unix(0, int64(lr.GetTimeUnixNano()))
	case lr.GetObservedTimeUnixNano() > 0:
		ts = time.Unix(0, int64(lr.GetObservedTimeUnixNano()))
	}

	sev, ok := logparse.ParseSeverity(lr.GetSeverityText())
	if !ok {
		sev, _ = logparse.SeverityFromOTELNumber(int(lr.GetSeverityNumber()))
	}

	service := serviceFromAttributes(attrs)
	delete(attrs, "service.name")

	return model.LogRecord{
		Service:    service,
		Timestamp:  ts.UTC(),
		Severity:   sev,
		Message:    sanitizeLogMessage(anyValueString(lr.GetBody())),
		Attributes: nilIfEmpty(attrs),
	}
}

func otlpAttributes(kvs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.GetKey() == "" {
			continue
		}
		if v := anyValueString(kv.GetValue()); v != "" {
			out[kv.GetKey()] = v
		}
	}
	return out
}

func anyValueString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(x.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(x.ArrayValue.GetValues()))
		for _, item := range x.ArrayValue.GetValues() {
			if s := anyValueString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case *commonpb.AnyValue_KvlistValue:
		b, err := protojson.Marshal(x.KvlistValue)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}
