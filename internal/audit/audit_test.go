package audit

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "gateway.jsonl")
	l := NewLogger(path)

	if err := l.Write("acme", "caller-agent", ActionCallAccepted, "t-1", "success", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Write("acme", "caller-agent", ActionCallbackDropped, "t-1", "error", errors.New("retries exhausted")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Action != ActionCallbackDropped || ev.Error != "retries exhausted" || ev.Resource != "t-1" {
		t.Fatalf("unexpected record: %+v", ev)
	}
}

func TestLoggerDisabledIsNoop(t *testing.T) {
	var l *Logger
	if l.Enabled() {
		t.Fatal("nil logger must be disabled")
	}
	if err := NewLogger("").Write("t", "a", ActionAdmin, "r", "success", nil); err != nil {
		t.Fatalf("disabled logger should not error: %v", err)
	}
}

func TestExportJSONLToCSV(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "audit.jsonl")
	out := filepath.Join(dir, "audit.csv")

	l := NewLogger(in)
	if err := l.Write("acme", "meshctl", ActionAdmin, "tenants", "success", nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ExportJSONLToCSV(in, out); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	if rows[0][1] != "tenant" || rows[1][3] != ActionAdmin {
		t.Fatalf("unexpected csv contents: %v", rows)
	}
}
