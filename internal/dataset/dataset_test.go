package dataset

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"call-insights-go/internal/types"

	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestRead_DetectsColumns(t *testing.T) {
	buf := workbook(t, [][]interface{}{
		{"Call ID", "Agent", "Recording URL", "File name"},
		{"c-1", "Ann", "https://cdn.example.com/calls/c1.mp3", ""},
		{"c-2", "Bob", "https://cdn.example.com/stream?id=2", "second.wav"},
		{"c-3", "Cy", "not a url", ""},
		{"", "", "", ""},
		{"c-5", "Di", "HTTP://cdn.example.com/x", ""},
	})
	b, err := Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.Sheet != "Sheet1" {
		t.Errorf("Sheet = %q", b.Sheet)
	}
	if len(b.Calls) != 3 {
		t.Fatalf("calls = %+v", b.Calls)
	}
	want := []Call{
		{Row: 2, CallID: "c-1", AudioURL: "https://cdn.example.com/calls/c1.mp3", Filename: "c1.mp3"},
		{Row: 3, CallID: "c-2", AudioURL: "https://cdn.example.com/stream?id=2", Filename: "second.wav"},
		{Row: 6, CallID: "c-5", AudioURL: "HTTP://cdn.example.com/x", Filename: "c-5"},
	}
	for i := range want {
		if b.Calls[i] != want[i] {
			t.Errorf("call[%d] = %+v, want %+v", i, b.Calls[i], want[i])
		}
	}
	if len(b.Skipped) != 1 || b.Skipped[0] != 4 {
		t.Errorf("Skipped = %v, want [4]", b.Skipped)
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name string
		rows [][]interface{}
		want string
	}{
		{"header only", [][]interface{}{{"audio_url"}}, "no data rows"},
		{"no audio column", [][]interface{}{{"name", "agent"}, {"a", "b"}}, "no audio url column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(workbook(t, tt.rows))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.xlsx"))
	if err == nil || !strings.Contains(err.Error(), "dataset: open") {
		t.Fatalf("err = %v", err)
	}
}

func TestExport(t *testing.T) {
	done := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &types.Job{
		ID:                   "job-1",
		Filename:             "call.mp3",
		Status:               types.StatusCompleted,
		CurrentStep:          types.StepCompleted,
		ProgressPercentage:   100,
		CompetitorsFound:     types.StringList{"Acme", "Globex"},
		TotalCompetitors:     2,
		CompletedCompetitors: 2,
		CreatedAt:            done.Add(-time.Minute),
		CompletedAt:          &done,
		SentimentResults: []types.SentimentResult{
			{CompetitorName: "Acme", ResultJSON: types.Document{"overall_sentiment": "negative"}},
		},
		SentimentFailures: []types.SentimentFailure{
			{CompetitorName: "Globex", ErrorMessage: "after 4 attempts: http 503", Attempts: 4},
		},
	}

	var buf bytes.Buffer
	if err := Export(&buf, job); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 2 || sheets[0] != JobSheet || sheets[1] != SentimentSheet {
		t.Fatalf("sheets = %v", sheets)
	}
	if v, _ := f.GetCellValue(JobSheet, "B1"); v != "job-1" {
		t.Errorf("job id cell = %q", v)
	}
	if v, _ := f.GetCellValue(JobSheet, "B6"); v != "Acme, Globex" {
		t.Errorf("competitors cell = %q", v)
	}
	if v, _ := f.GetCellValue(JobSheet, "B11"); v != "2025-03-01T12:00:00Z" {
		t.Errorf("completed at = %q", v)
	}

	rows, err := f.GetRows(SentimentSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("sentiment rows = %d, want header + 2", len(rows))
	}
	if rows[1][0] != "Acme" || rows[1][1] != "analyzed" || rows[1][2] != "negative" || !strings.Contains(rows[1][5], `"overall_sentiment":"negative"`) {
		t.Errorf("result row = %v", rows[1])
	}
	if rows[2][0] != "Globex" || rows[2][1] != "failed" || rows[2][3] != "4" || rows[2][4] != "after 4 attempts: http 503" {
		t.Errorf("failure row = %v", rows[2])
	}
}
