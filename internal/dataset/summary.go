package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"call-insights-go/internal/types"

	"github.com/xuri/excelize/v2"
)

const (
	JobSheet       = "Job"
	SentimentSheet = "Sentiment"
)

var sentimentHeader = []interface{}{"Competitor", "Outcome", "Overall sentiment", "Attempts", "Error", "Result JSON"}

// Export writes a summary workbook for job: one sheet of job fields and one
// row per competitor on the sentiment sheet. job should carry its results
// and failures.
func Export(w io.Writer, job *types.Job) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", JobSheet); err != nil {
		return fmt.Errorf("dataset: rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SentimentSheet); err != nil {
		return fmt.Errorf("dataset: add sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("dataset: style: %w", err)
	}

	for i, kv := range jobFields(job) {
		if err := setRow(f, JobSheet, i+1, []interface{}{kv[0], kv[1]}); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(JobSheet, "A1", fmt.Sprintf("A%d", len(jobFields(job))), bold); err != nil {
		return fmt.Errorf("dataset: style: %w", err)
	}
	if err := f.SetColWidth(JobSheet, "A", "A", 24); err != nil {
		return fmt.Errorf("dataset: width: %w", err)
	}

	if err := setRow(f, SentimentSheet, 1, sentimentHeader); err != nil {
		return err
	}
	if err := f.SetCellStyle(SentimentSheet, "A1", "F1", bold); err != nil {
		return fmt.Errorf("dataset: style: %w", err)
	}
	row := 2
	for _, r := range job.SentimentResults {
		raw, err := json.Marshal(r.ResultJSON)
		if err != nil {
			return fmt.Errorf("dataset: encode result for %s: %w", r.CompetitorName, err)
		}
		if err := setRow(f, SentimentSheet, row, []interface{}{
			r.CompetitorName, "analyzed", r.ResultJSON.String("overall_sentiment"), "", "", string(raw),
		}); err != nil {
			return err
		}
		row++
	}
	for _, fl := range job.SentimentFailures {
		if err := setRow(f, SentimentSheet, row, []interface{}{
			fl.CompetitorName, "failed", "", fl.Attempts, fl.ErrorMessage, "",
		}); err != nil {
			return err
		}
		row++
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("dataset: write workbook: %w", err)
	}
	return nil
}

func jobFields(job *types.Job) [][2]interface{} {
	return [][2]interface{}{
		{"Job ID", job.ID},
		{"Filename", job.Filename},
		{"Status", string(job.Status)},
		{"Current step", job.CurrentStep},
		{"Progress (%)", job.ProgressPercentage},
		{"Competitors found", strings.Join(job.CompetitorsFound, ", ")},
		{"Total competitors", job.TotalCompetitors},
		{"Completed competitors", job.CompletedCompetitors},
		{"Error", job.ErrorMessage},
		{"Created at", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"Completed at", formatTime(job.CompletedAt)},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("dataset: cell: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("dataset: write %s row %d: %w", sheet, row, err)
	}
	return nil
}
