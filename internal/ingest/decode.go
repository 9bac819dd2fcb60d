package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinytelemetry/vigil/internal/logparse"
	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/timestamp"
)

// DefaultService is used when a line carries no recognizable service name.
const DefaultService = "unknown"

// ErrEmptyPayload is returned by DecodeJSON for an empty body.
var ErrEmptyPayload = errors.New("ingest: empty payload")

var (
	serviceKeys   = []string{"source_service", "service", "service.name", "serviceName", "app", "_app"}
	timestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}
	severityKeys  = []string{"severity", "level", "severityText", "lvl"}
	messageKeys   = []string{"message", "msg", "body", "log"}
)

// Decoder turns agent payloads into records. Supported shapes are flat JSON
// objects (winston, pino, bunyan, zap style), OTLP/JSON export envelopes and,
// for line transports only, plain text.
type Decoder struct {
	ts  *timestamp.Parser
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{ts: timestamp.NewParser(), now: time.Now}
}

// DecodeLine never fails: anything that is not JSON becomes a plain-text record.
func (d *Decoder) DecodeLine(line string) []model.LogRecord {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if records, err := d.DecodeJSON([]byte(trimmed)); err == nil {
			return records
		}
	}
	return []model.LogRecord{d.fromText(trimmed)}
}

// DecodeJSON decodes a single object, an array of objects, or an OTLP/JSON
// envelope (an object with "resourceLogs").
func (d *Decoder) DecodeJSON(data []byte) ([]model.LogRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	if data[0] == '[' {
		var items []map[string]interface{}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("ingest: decode array: %w", err)
		}
		out := make([]model.LogRecord, 0, len(items))
		for _, item := range items {
			out = append(out, d.fromObject(item))
		}
		return out, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ingest: decode object: %w", err)
	}
	if _, ok := raw["resourceLogs"]; ok {
		var req collogspb.ExportLogsServiceRequest
		opts := protojson.UnmarshalOptions{DiscardUnknown: true}
		if err := opts.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("ingest: decode otlp json: %w", err)
		}
		return RecordsFromOTLP(req.GetResourceLogs(), d.now()), nil
	}
	return []model.LogRecord{d.fromObject(raw)}, nil
}

func (d *Decoder) fromObject(raw map[string]interface{}) model.LogRecord {
	consumed := map[string]bool{"attributes": true}
	pick := func(keys []string) (string, interface{}) {
		for _, k := range keys {
			if v, ok := raw[k]; ok && v != nil {
				return k, v
			}
		}
		return "", nil
	}

	rec := model.LogRecord{Severity: model.SeverityInfo}

	if k, v := pick(messageKeys); k != "" {
		consumed[k] = true
		rec.Message = sanitizeLogMessage(stringifyJSONValue(v))
	}

	if k, v := pick(timestampKeys); k != "" {
		consumed[k] = true
		if ts, ok := d.ts.ParseTimestamp(v); ok {
			rec.Timestamp = ts
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.now().UTC()
	}

	if k, v := pick(severityKeys); k != "" {
		consumed[k] = true
		switch lv := v.(type) {
		case float64:
			rec.Severity = logparse.SeverityFromNumber(int(lv))
		default:
			rec.Severity = logparse.NormalizeSeverity(stringifyJSONValue(lv))
		}
	} else {
		rec.Severity = logparse.ExtractSeverityFromText(rec.Message)
	}

	attrs := map[string]string{}
	if nested, ok := raw["attributes"].(map[string]interface{}); ok {
		for k, v := range nested {
			if s := stringifyJSONValue(v); s != "" {
				attrs[k] = s
			}
		}
	}

	for _, k := range serviceKeys {
		if s := strings.TrimSpace(stringifyJSONValue(raw[k])); s != "" {
			rec.Service = s
			consumed[k] = true
			break
		}
	}
	if rec.Service == "" {
		rec.Service = serviceFromAttributes(attrs)
	}

	for k, v := range raw {
		if consumed[k] {
			continue
		}
		if s := stringifyJSONValue(v); s != "" {
			attrs[k] = s
		}
	}
	rec.Attributes = nilIfEmpty(attrs)
	return rec
}

func (d *Decoder) fromText(line string) model.LogRecord {
	rec := model.LogRecord{
		Service:  DefaultService,
		Severity: logparse.ExtractSeverityFromText(line),
		Message:  sanitizeLogMessage(d.ts.ExtractLogMessage(line)),
	}
	if res := d.ts.ParseFromText(line); res.Found {
		rec.Timestamp = res.Timestamp
	} else {
		rec.Timestamp = d.now().UTC()
	}
	return rec
}

func serviceFromAttributes(attributes map[string]string) string {
	for _, k := range []string{"service.name", "service", "serviceName", "app"} {
		if s := attributes[k]; s != "" {
			return s
		}
	}
	return DefaultService
}

func cloneAttributes(attributes map[string]string) map[string]string {
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}

func mergeAttributes(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func nilIfEmpty(attributes map[string]string) map[string]string {
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func stringifyJSONValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

func sanitizeLogMessage(message string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(message)
}
