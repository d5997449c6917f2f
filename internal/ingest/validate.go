package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportlens/internal/apperr"
	"reportlens/internal/domain"
)

// ReportFormat is the only accepted value of reportFormat.
const ReportFormat = "CTRF"

var specVersionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var summaryCounters = []string{"tests", "passed", "failed", "skipped", "pending", "other"}

type checker struct {
	violations []apperr.Violation
}

func (c *checker) add(field, format string, args ...any) {
	c.violations = append(c.violations, apperr.Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

func object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && strings.TrimSpace(s) != ""
}

func integer(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

func number(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}

// Validate checks payload against the report schema and reports every
// violation found, not only the first.
func Validate(payload []byte) (domain.Report, []apperr.Violation) {
	var c checker
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		c.add("body", "must be valid JSON: %v", err)
		return domain.Report{}, c.violations
	}
	doc, ok := object(raw)
	if !ok {
		c.add("body", "must be a JSON object")
		return domain.Report{}, c.violations
	}

	if v, _ := doc["reportFormat"].(string); v != ReportFormat {
		c.add("reportFormat", "must be %q", ReportFormat)
	}
	if v, _ := doc["specVersion"].(string); !specVersionPattern.MatchString(v) {
		c.add("specVersion", "must match MAJOR.MINOR.PATCH")
	}
	if v, present := doc["reportId"]; present && v != nil {
		s, _ := v.(string)
		if _, err := uuid.Parse(s); err != nil {
			c.add("reportId", "must be a UUID")
		}
	}
	if v, present := doc["timestamp"]; present && v != nil {
		s, _ := v.(string)
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			c.add("timestamp", "must be an RFC 3339 date-time")
		}
	}

	results, ok := object(doc["results"])
	if !ok {
		c.add("results", "is required")
		return domain.Report{}, c.violations
	}
	tool, ok := object(results["tool"])
	if !ok {
		c.add("results.tool", "is required")
	} else if _, ok := nonEmptyString(tool["name"]); !ok {
		c.add("results.tool.name", "is required")
	}
	c.checkSummary(results["summary"])
	c.checkTests(results["tests"])
	if env, present := results["environment"]; present && env != nil {
		if _, ok := object(env); !ok {
			c.add("results.environment", "must be an object")
		}
	}

	if len(c.violations) > 0 {
		return domain.Report{}, c.violations
	}
	var rep domain.Report
	if err := json.Unmarshal(payload, &rep); err != nil {
		c.add("body", "%v", err)
		return domain.Report{}, c.violations
	}
	return rep, nil
}

func (c *checker) checkSummary(v any) {
	summary, ok := object(v)
	if !ok {
		c.add("results.summary", "is required")
		return
	}
	for _, key := range summaryCounters {
		field := "results.summary." + key
		n, ok := integer(summary[key])
		switch {
		case !ok:
			c.add(field, "must be an integer")
		case n < 0:
			c.add(field, "must not be negative")
		}
	}
	for _, key := range []string{"start", "stop"} {
		if _, ok := integer(summary[key]); !ok {
			c.add("results.summary."+key, "must be an integer")
		}
	}
}

func (c *checker) checkTests(v any) {
	tests, ok := v.([]any)
	if !ok {
		c.add("results.tests", "must be an array")
		return
	}
	for i, entry := range tests {
		prefix := fmt.Sprintf("results.tests[%d]", i)
		t, ok := object(entry)
		if !ok {
			c.add(prefix, "must be an object")
			continue
		}
		if _, ok := nonEmptyString(t["name"]); !ok {
			c.add(prefix+".name", "is required")
		}
		if s, _ := t["status"].(string); !domain.ValidStatus(s) {
			c.add(prefix+".status", "must be one of passed, failed, skipped, pending, other")
		}
		d, ok := number(t["duration"])
		switch {
		case !ok:
			c.add(prefix+".duration", "must be a number")
		case d < 0:
			c.add(prefix+".duration", "must not be negative")
		}
	}
}
