package logparse

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/vigil/internal/model"
)

// SeverityRegex matches common severity levels in log text.
var SeverityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b`)

// ParseSeverity converts the many spellings agents use into a Severity.
// TRACE folds into DEBUG. ok is false when the input was not recognized,
// in which case INFO is returned.
func ParseSeverity(severity string) (sev model.Severity, ok bool) {
	normalized := strings.ToUpper(strings.TrimSpace(severity))

	switch normalized {
	case "TRACE", "TRAC", "TRC", "DEBUG", "DEBU", "DBG", "DEB":
		return model.SeverityDebug, true
	case "INFO", "INFORMATION", "INF", "NOTICE":
		return model.SeverityInfo, true
	case "WARN", "WARNING", "WRNG", "WRN":
		return model.SeverityWarn, true
	case "ERROR", "ERR", "ERRO":
		return model.SeverityError, true
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC", "EMERG", "ALERT":
		return model.SeverityFatal, true
	}

	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "INFO":
			return model.SeverityInfo, true
		case "WARN":
			return model.SeverityWarn, true
		case "ERRO":
			return model.SeverityError, true
		case "DEBU", "TRAC":
			return model.SeverityDebug, true
		case "FATA", "CRIT", "PANI":
			return model.SeverityFatal, true
		}
	}
	return model.SeverityInfo, false
}

// NormalizeSeverity is ParseSeverity without the recognition flag.
func NormalizeSeverity(severity string) model.Severity {
	sev, _ := ParseSeverity(severity)
	return sev
}

// ExtractSeverityFromText finds the first severity word in a free-text message.
func ExtractSeverityFromText(message string) model.Severity {
	matches := SeverityRegex.FindStringSubmatch(message)
	if len(matches) > 1 {
		return NormalizeSeverity(matches[1])
	}
	return model.SeverityInfo
}

// SeverityFromNumber maps pino/bunyan numeric levels (10..60).
func SeverityFromNumber(level int) model.Severity {
	switch {
	case level < 30:
		return model.SeverityDebug
	case level < 40:
		return model.SeverityInfo
	case level < 50:
		return model.SeverityWarn
	case level < 60:
		return model.SeverityError
	default:
		return model.SeverityFatal
	}
}

// SeverityFromOTELNumber maps an OTEL SeverityNumber (1..24).
// Zero means unspecified and returns ok=false.
func SeverityFromOTELNumber(number int) (model.Severity, bool) {
	switch {
	case number <= 0:
		return model.SeverityInfo, false
	case number <= 8:
		return model.SeverityDebug, true
	case number <= 12:
		return model.SeverityInfo, true
	case number <= 16:
		return model.SeverityWarn, true
	case number <= 20:
		return model.SeverityError, true
	default:
		return model.SeverityFatal, true
	}
}
