package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxSampleRows bounds how many rows inference inspects.
	MaxSampleRows = 100
	previewRows   = 5
)

// InferenceResult is the outcome of schema inference over sample rows.
type InferenceResult struct {
	Fields  Schema           `json:"fields"`
	Preview []map[string]any `json:"preview"`
}

var (
	isoDateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	integerRe  = regexp.MustCompile(`^[+-]?\d+$`)
	decimalRe  = regexp.MustCompile(`^[+-]?\d+\.\d+$`)
	booleanSet = map[string]bool{"true": true, "false": true, "yes": true, "no": true, "1": true, "0": true}
)

// Infer assigns a semantic type to every column seen in the sample rows.
// Column-name heuristics trump value-majority heuristics. At most
// MaxSampleRows rows are inspected; the first five rows are returned as a
// preview.
func Infer(rows []map[string]any) *InferenceResult {
	if len(rows) > MaxSampleRows {
		rows = rows[:MaxSampleRows]
	}

	columns := make(map[string][]string)
	var order []string
	for _, row := range rows {
		for col, val := range row {
			if _, seen := columns[col]; !seen {
				order = append(order, col)
			}
			if val == nil {
				continue
			}
			s := strings.TrimSpace(fmt.Sprintf("%v", val))
			if s != "" {
				columns[col] = append(columns[col], s)
			}
		}
	}
	sort.Strings(order)

	fields := make(Schema, len(order))
	for _, col := range order {
		if t, ok := typeFromName(col); ok {
			fields[col] = t
			continue
		}
		fields[col] = typeFromValues(columns[col])
	}

	preview := rows
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	return &InferenceResult{Fields: fields, Preview: preview}
}

// typeFromName applies the case-insensitive column-name heuristics. The
// datetime patterns are checked before the date patterns because "datetime"
// contains "date".
func typeFromName(name string) (FieldType, bool) {
	n := strings.ToLower(name)

	for _, pat := range []string{"datetime", "timestamp"} {
		if strings.Contains(n, pat) {
			return TypeDateTime, true
		}
	}
	if strings.HasSuffix(n, "_at") {
		return TypeDateTime, true
	}
	for _, pat := range []string{"date", "dob", "birth"} {
		if strings.Contains(n, pat) {
			return TypeDate, true
		}
	}
	for _, pat := range []string{"age", "count", "number", "id", "mrn"} {
		if strings.Contains(n, pat) {
			return TypeInteger, true
		}
	}
	for _, pat := range []string{"price", "amount", "salary"} {
		if strings.Contains(n, pat) {
			return TypeDecimal, true
		}
	}
	if strings.HasPrefix(n, "is_") || strings.HasPrefix(n, "has_") || n == "active" || n == "flag" {
		return TypeBoolean, true
	}
	return "", false
}

// typeFromValues classifies each non-null sample and takes the majority.
// Per-value precedence is date, integer, decimal, boolean; anything else is
// a string. Ties resolve in that same order.
func typeFromValues(values []string) FieldType {
	if len(values) == 0 {
		return TypeString
	}

	counts := make(map[FieldType]int)
	for _, v := range values {
		switch {
		case isoDateRe.MatchString(v):
			counts[TypeDate]++
		case integerRe.MatchString(v):
			counts[TypeInteger]++
		case decimalRe.MatchString(v):
			counts[TypeDecimal]++
		case booleanSet[strings.ToLower(v)]:
			counts[TypeBoolean]++
		default:
			counts[TypeString]++
		}
	}

	best := TypeString
	bestCount := -1
	for _, t := range []FieldType{TypeDate, TypeInteger, TypeDecimal, TypeBoolean, TypeString} {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	// Majority rule: only adopt a non-string type when it covers more than
	// half the samples.
	if best != TypeString && bestCount*2 <= len(values) {
		return TypeString
	}
	return best
}
