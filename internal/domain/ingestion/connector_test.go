package ingestion

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCSVConnectorYieldsRowsInOrder(t *testing.T) {
	path := writeCSV(t, "id, name \n1, Alice \n2,Bob\n")
	conn, err := openCSVFile(context.Background(), SourceConfig{Type: "csvFile", Path: path})
	if err != nil {
		t.Fatalf("openCSVFile: %v", err)
	}
	defer conn.Close()

	first, err := conn.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Header and values are trimmed.
	if first["id"] != "1" || first["name"] != "Alice" {
		t.Errorf("first = %+v", first)
	}

	second, err := conn.Next(context.Background())
	if err != nil || second["id"] != "2" {
		t.Errorf("second = %+v, err %v", second, err)
	}

	if _, err := conn.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestCSVConnectorMalformedRecord(t *testing.T) {
	path := writeCSV(t, "id,name\n1,Alice\n2,\"bad\"x\n3,Carol\n")
	conn, err := openCSVFile(context.Background(), SourceConfig{Type: "csvFile", Path: path})
	if err != nil {
		t.Fatalf("openCSVFile: %v", err)
	}
	defer conn.Close()

	first, err := conn.Next(context.Background())
	if err != nil || first["id"] != "1" {
		t.Fatalf("first = %+v, err %v", first, err)
	}

	// The bad row fails alone; the connector stays usable.
	_, err = conn.Next(context.Background())
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("err = %v, want RecordError", err)
	}
	if recErr.Reason == "" {
		t.Error("record error must carry a reason")
	}

	third, err := conn.Next(context.Background())
	if err != nil || third["id"] != "3" {
		t.Errorf("third = %+v, err %v", third, err)
	}

	if _, err := conn.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestCSVConnectorEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	conn, err := openCSVFile(context.Background(), SourceConfig{Path: path})
	if err != nil {
		t.Fatalf("empty file must open: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestResolveSourcePathSearchesDataDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data", "patients.csv"), []byte("id\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	resolved, err := resolveSourcePath("patients.csv")
	if err != nil {
		t.Fatalf("resolveSourcePath: %v", err)
	}
	if resolved != filepath.Join("data", "patients.csv") {
		t.Errorf("resolved = %q", resolved)
	}

	if _, err := resolveSourcePath("absent.csv"); err == nil {
		t.Error("missing file must not resolve")
	}
}

func TestHL7ConnectorFlattensMessages(t *testing.T) {
	raw := "MSH|^~\\&|SENDER|FAC|RECEIVER|FAC|20240101||ADT^A01|MSG001|P|2.5\n" +
		"PID|1||12345||Doe^John||19900115|M\n" +
		"MSH|^~\\&|SENDER|FAC|RECEIVER|FAC|20240102||ADT^A01|MSG002|P|2.5\n" +
		"PID|1||67890||Smith^Anna||19851230|F\n"

	path := filepath.Join(t.TempDir(), "messages.hl7")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, err := openHL7File(context.Background(), SourceConfig{Type: "hl7File", Path: path})
	if err != nil {
		t.Fatalf("openHL7File: %v", err)
	}
	defer conn.Close()

	first, err := conn.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first["PID-3"] != "12345" {
		t.Errorf("PID-3 = %v", first["PID-3"])
	}
	if first["PID-5.1"] != "Doe" || first["PID-5.2"] != "John" {
		t.Errorf("PID-5 = %v / %v", first["PID-5.1"], first["PID-5.2"])
	}

	second, err := conn.Next(context.Background())
	if err != nil || second["PID-3"] != "67890" {
		t.Errorf("second = %+v, err %v", second, err)
	}

	if _, err := conn.Next(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestConnectorRegistryUnknownType(t *testing.T) {
	r := NewConnectorRegistry()
	if _, err := r.Open(context.Background(), SourceConfig{Type: "carrierPigeon"}); err == nil {
		t.Error("unknown source type must not open")
	}
}
