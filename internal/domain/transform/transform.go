// Package transform applies an approved mapping to a single source record,
// producing a target document. Each transform kind is total over present
// values: absent source fields yield absent target fields, and any failure
// is reported with the offending source field so the caller can route the
// record to the dead-letter queue.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/interop/interop/internal/domain/schema"
)

// Kind enumerates the supported transform types.
type Kind string

const (
	KindDirect     Kind = "DIRECT"
	KindConcat     Kind = "CONCAT"
	KindSplit      Kind = "SPLIT"
	KindUppercase  Kind = "UPPERCASE"
	KindLowercase  Kind = "LOWERCASE"
	KindFormatDate Kind = "FORMAT_DATE"
	KindCustom     Kind = "CUSTOM"
)

// Valid reports whether k is a known transform kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindConcat, KindSplit, KindUppercase, KindLowercase, KindFormatDate, KindCustom:
		return true
	}
	return false
}

// Rule is one executable field mapping.
type Rule struct {
	Kind         Kind     `json:"transformType"`
	SourceField  string   `json:"sourceField"`
	SourceFields []string `json:"sourceFields,omitempty"` // CONCAT inputs
	TargetField  string   `json:"targetField"`
	TargetFields []string `json:"targetFields,omitempty"` // SPLIT outputs
	Separator    string   `json:"separator,omitempty"`
	SourceFormat string   `json:"sourceFormat,omitempty"` // FORMAT_DATE, e.g. "YYYY-MM-DD"
	TargetFormat string   `json:"targetFormat,omitempty"`
	ScriptName   string   `json:"scriptName,omitempty"` // CUSTOM registry key
}

// ScriptFunc is an opaque custom transform resolved from a Registry.
type ScriptFunc func(row map[string]any) (any, error)

// Registry resolves CUSTOM transform names to script functions.
type Registry struct {
	scripts map[string]ScriptFunc
}

// NewRegistry creates an empty script registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]ScriptFunc)}
}

// Register adds or replaces a named script.
func (r *Registry) Register(name string, fn ScriptFunc) {
	r.scripts[name] = fn
}

// Resolve looks up a named script.
func (r *Registry) Resolve(name string) (ScriptFunc, bool) {
	fn, ok := r.scripts[name]
	return fn, ok
}

// Error is a per-record transform failure carrying the offending source
// field. Its message always starts with "transform" so DLQ reasons are
// greppable by kind.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s: %s", e.Field, e.Reason)
}

// Apply runs every rule against the source row and returns the assembled
// target document. On the first failure the partial document is discarded
// and the error identifies the source field.
func Apply(rules []Rule, row map[string]any, registry *Registry) (map[string]any, error) {
	doc := make(map[string]any)
	for _, rule := range rules {
		if err := applyRule(rule, row, doc, registry); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func applyRule(rule Rule, row, doc map[string]any, registry *Registry) error {
	switch rule.Kind {
	case KindDirect:
		val, ok := sourceValue(row, rule.SourceField)
		if !ok {
			return nil
		}
		return setTarget(doc, rule.TargetField, val, rule.SourceField)

	case KindUppercase, KindLowercase:
		val, ok := sourceValue(row, rule.SourceField)
		if !ok {
			return nil
		}
		s := fmt.Sprintf("%v", val)
		if rule.Kind == KindUppercase {
			s = strings.ToUpper(s)
		} else {
			s = strings.ToLower(s)
		}
		return setTarget(doc, rule.TargetField, s, rule.SourceField)

	case KindConcat:
		sep := rule.Separator
		if sep == "" {
			sep = " "
		}
		fields := rule.SourceFields
		if len(fields) == 0 && rule.SourceField != "" {
			fields = []string{rule.SourceField}
		}
		var parts []string
		for _, f := range fields {
			if val, ok := sourceValue(row, f); ok {
				if s := strings.TrimSpace(fmt.Sprintf("%v", val)); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return setTarget(doc, rule.TargetField, strings.Join(parts, sep), rule.SourceField)

	case KindSplit:
		val, ok := sourceValue(row, rule.SourceField)
		if !ok {
			return nil
		}
		sep := rule.Separator
		if sep == "" {
			sep = " "
		}
		parts := strings.Split(fmt.Sprintf("%v", val), sep)
		for i, target := range rule.TargetFields {
			if i >= len(parts) {
				break
			}
			if err := setTarget(doc, target, strings.TrimSpace(parts[i]), rule.SourceField); err != nil {
				return err
			}
		}
		return nil

	case KindFormatDate:
		val, ok := sourceValue(row, rule.SourceField)
		if !ok {
			return nil
		}
		formatted, err := formatDate(fmt.Sprintf("%v", val), rule.SourceFormat, rule.TargetFormat)
		if err != nil {
			return &Error{Field: rule.SourceField, Reason: err.Error()}
		}
		return setTarget(doc, rule.TargetField, formatted, rule.SourceField)

	case KindCustom:
		if registry == nil {
			return &Error{Field: rule.SourceField, Reason: fmt.Sprintf("no registry for script %q", rule.ScriptName)}
		}
		fn, ok := registry.Resolve(rule.ScriptName)
		if !ok {
			return &Error{Field: rule.SourceField, Reason: fmt.Sprintf("unknown script %q", rule.ScriptName)}
		}
		val, err := fn(row)
		if err != nil {
			return &Error{Field: rule.SourceField, Reason: fmt.Sprintf("script %q: %v", rule.ScriptName, err)}
		}
		if val == nil {
			return nil
		}
		return setTarget(doc, rule.TargetField, val, rule.SourceField)

	default:
		return &Error{Field: rule.SourceField, Reason: fmt.Sprintf("unknown transform kind %q", rule.Kind)}
	}
}

// sourceValue reads a flat source field, treating nil and empty string as
// absent.
func sourceValue(row map[string]any, field string) (any, bool) {
	val, ok := row[field]
	if !ok || val == nil {
		return nil, false
	}
	if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return val, true
}

func setTarget(doc map[string]any, target string, value any, sourceField string) error {
	path, err := schema.ParsePath(target)
	if err != nil {
		return &Error{Field: sourceField, Reason: fmt.Sprintf("bad target path %q: %v", target, err)}
	}
	if err := path.Set(doc, value); err != nil {
		return &Error{Field: sourceField, Reason: err.Error()}
	}
	return nil
}

// formatDate parses value according to sourceFormat (default YYYY-MM-DD)
// and renders it per targetFormat (default ISO-8601 datetime at midnight
// UTC).
func formatDate(value, sourceFormat, targetFormat string) (string, error) {
	if sourceFormat == "" {
		sourceFormat = "YYYY-MM-DD"
	}
	parsed, err := time.ParseInLocation(toGoLayout(sourceFormat), strings.TrimSpace(value), time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse %q with format %s: value does not match", value, sourceFormat)
	}
	if targetFormat == "" {
		return parsed.UTC().Format("2006-01-02T15:04:05Z"), nil
	}
	return parsed.UTC().Format(toGoLayout(targetFormat)), nil
}

var layoutReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// toGoLayout converts the human date-format tokens used in mapping
// definitions to a Go time layout.
func toGoLayout(format string) string {
	return layoutReplacer.Replace(format)
}
