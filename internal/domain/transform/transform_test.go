package transform

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDirect(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindDirect, SourceField: "gender", TargetField: "gender"},
	}, map[string]any{"gender": "male"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["gender"] != "male" {
		t.Errorf("gender = %v, want male", doc["gender"])
	}
}

func TestDirectNestedTarget(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindDirect, SourceField: "first_name", TargetField: "name[0].given[0]"},
		{Kind: KindDirect, SourceField: "last_name", TargetField: "name[0].family"},
	}, map[string]any{"first_name": "John", "last_name": "Doe"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	names := doc["name"].([]any)
	first := names[0].(map[string]any)
	if given := first["given"].([]any); given[0] != "John" {
		t.Errorf("given = %v, want John", given[0])
	}
	if first["family"] != "Doe" {
		t.Errorf("family = %v, want Doe", first["family"])
	}
}

func TestMissingSourceYieldsAbsentTarget(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindDirect, SourceField: "middle_name", TargetField: "middleName"},
		{Kind: KindUppercase, SourceField: "nope", TargetField: "x"},
		{Kind: KindFormatDate, SourceField: "missing_date", TargetField: "d"},
	}, map[string]any{"middle_name": "  "}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(doc) != 0 {
		t.Errorf("doc = %v, want empty (absent fields never become nulls)", doc)
	}
}

func TestConcat(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindConcat, SourceFields: []string{"first_name", "last_name"}, TargetField: "full_name"},
	}, map[string]any{"first_name": " John ", "last_name": "Doe"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["full_name"] != "John Doe" {
		t.Errorf("full_name = %v, want %q", doc["full_name"], "John Doe")
	}
}

func TestSplit(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindSplit, SourceField: "full_name", TargetFields: []string{"first", "last"}},
	}, map[string]any{"full_name": "John Doe Jr"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["first"] != "John" || doc["last"] != "Doe" {
		t.Errorf("split = %v/%v, want John/Doe (first N components)", doc["first"], doc["last"])
	}
}

func TestCaseTransforms(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindUppercase, SourceField: "code", TargetField: "upper"},
		{Kind: KindLowercase, SourceField: "code", TargetField: "lower"},
	}, map[string]any{"code": "AbC"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["upper"] != "ABC" || doc["lower"] != "abc" {
		t.Errorf("got %v / %v", doc["upper"], doc["lower"])
	}
}

func TestFormatDateDefaults(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindFormatDate, SourceField: "birth_date", TargetField: "birthDateTime"},
	}, map[string]any{"birth_date": "1990-01-15"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["birthDateTime"] != "1990-01-15T00:00:00Z" {
		t.Errorf("birthDateTime = %v, want midnight UTC ISO-8601", doc["birthDateTime"])
	}
}

func TestFormatDateCustomFormats(t *testing.T) {
	doc, err := Apply([]Rule{
		{
			Kind:         KindFormatDate,
			SourceField:  "d",
			TargetField:  "out",
			SourceFormat: "DD/MM/YYYY",
			TargetFormat: "YYYY-MM-DD",
		},
	}, map[string]any{"d": "15/01/1990"}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc["out"] != "1990-01-15" {
		t.Errorf("out = %v, want 1990-01-15", doc["out"])
	}
}

func TestFormatDateErrorCarriesField(t *testing.T) {
	_, err := Apply([]Rule{
		{Kind: KindFormatDate, SourceField: "birth_date", TargetField: "birthDate"},
	}, map[string]any{"birth_date": "not-a-date"}, nil)
	if err == nil {
		t.Fatal("expected error for unparseable date")
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("err type %T, want *Error", err)
	}
	if terr.Field != "birth_date" {
		t.Errorf("Field = %q, want birth_date", terr.Field)
	}
	if !strings.HasPrefix(err.Error(), "transform") {
		t.Errorf("error %q should start with 'transform'", err.Error())
	}
}

func TestCustomScript(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mrn_prefix", func(row map[string]any) (any, error) {
		return fmt.Sprintf("MRN-%v", row["patient_id"]), nil
	})

	doc, err := Apply([]Rule{
		{Kind: KindCustom, SourceField: "patient_id", TargetField: "identifier[0].value", ScriptName: "mrn_prefix"},
	}, map[string]any{"patient_id": "P001"}, reg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ids := doc["identifier"].([]any)
	if ids[0].(map[string]any)["value"] != "MRN-P001" {
		t.Errorf("identifier = %v", ids[0])
	}
}

func TestCustomScriptUnknown(t *testing.T) {
	_, err := Apply([]Rule{
		{Kind: KindCustom, SourceField: "x", TargetField: "y", ScriptName: "nope"},
	}, map[string]any{"x": 1}, NewRegistry())
	if err == nil {
		t.Fatal("expected error for unknown script")
	}
}

func TestErrorDiscardsPartialDoc(t *testing.T) {
	doc, err := Apply([]Rule{
		{Kind: KindDirect, SourceField: "a", TargetField: "a"},
		{Kind: KindFormatDate, SourceField: "bad", TargetField: "b"},
	}, map[string]any{"a": "kept?", "bad": "nope"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if doc != nil {
		t.Errorf("doc = %v, want nil on failure", doc)
	}
}
