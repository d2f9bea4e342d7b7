package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
		{"csv", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseFormat_ErrorNamesValidFormats(t *testing.T) {
	_, err := ParseFormat("xml")
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error should name valid formats, got: %v", err)
	}
}

type jobRow struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)

	if err := r.Render(jobRow{JobID: "j-1", Status: "queued"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"job_id"`) || !strings.Contains(got, `"j-1"`) {
		t.Errorf("JSON output missing fields: %s", got)
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)

	if err := r.Render(map[string]int{"queued": 3}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "queued:") || !strings.Contains(got, "3") {
		t.Errorf("YAML output missing fields: %s", got)
	}
}

func TestRenderTableStruct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	if err := r.Render(jobRow{JobID: "j-1", Status: "succeeded"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "job_id:") || !strings.Contains(got, "j-1") {
		t.Errorf("table output missing job_id: %s", got)
	}
	if !strings.Contains(got, "status:") || !strings.Contains(got, "succeeded") {
		t.Errorf("table output missing status: %s", got)
	}
}

func TestRenderTableSlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	rows := []jobRow{
		{JobID: "j-1", Status: "queued"},
		{JobID: "j-2", Status: "dead"},
	}
	if err := r.Render(rows); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "job_id") || !strings.Contains(got, "status") {
		t.Errorf("table output missing header row: %s", got)
	}
	if !strings.Contains(got, "j-1") || !strings.Contains(got, "j-2") {
		t.Errorf("table output missing rows: %s", got)
	}
}

func TestRenderTableEmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	if err := r.Render([]jobRow{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("empty slice should render '(no results)', got: %s", buf.String())
	}
}

func TestNoColorDoesNotAffectJSON(t *testing.T) {
	var withColor, noColor bytes.Buffer

	data := jobRow{JobID: "j-1", Status: "queued"}
	if err := NewRendererWithWriter(FormatJSON, false, &withColor).Render(data); err != nil {
		t.Fatal(err)
	}
	if err := NewRendererWithWriter(FormatJSON, true, &noColor).Render(data); err != nil {
		t.Fatal(err)
	}
	if withColor.String() != noColor.String() {
		t.Error("--no-color must not change JSON output")
	}
}
