package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// NormalizeSeverity maps a free-form severity string onto the canonical set.
// Anything unrecognized defaults to info rather than failing the triage.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// NormalizeRoute maps a free-form route string onto the four valid routes.
// Anything unrecognized defaults to B_LOW_CONFIDENCE so a garbled
// classification is surfaced for analyst review instead of dropped.
func NormalizeRoute(s string) Route {
	switch Route(strings.ToUpper(strings.TrimSpace(s))) {
	case RouteDuplicateNoisy:
		return RouteDuplicateNoisy
	case RouteLowConfidence:
		return RouteLowConfidence
	case RouteHighConfidence:
		return RouteHighConfidence
	case RouteLikelyBenign:
		return RouteLikelyBenign
	default:
		return RouteLowConfidence
	}
}

// ClampConfidence bounds a confidence value to [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CoerceConfidence converts a raw JSON value to a confidence in [0,1].
// Accepts numbers and numeric strings ("0.75"); anything else coerces to 0.
func CoerceConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return ClampConfidence(f)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return ClampConfidence(f)
		}
	}

	return 0
}

// ClampRiskScore bounds a risk score to [0,100] regardless of how it was computed.
func ClampRiskScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
