package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExportService renders an analytics summary as an XLSX workbook, one
// sheet per aggregation.
type ExportService struct{}

// NewExportService creates a new export service
func NewExportService() *ExportService {
	return &ExportService{}
}

// Workbook builds the in-memory workbook for one summary.
func (s *ExportService) Workbook(summary Summary) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	const overviewSheet = "Summary"
	if err := f.SetSheetName("Sheet1", overviewSheet); err != nil {
		return nil, fmt.Errorf("failed to rename summary sheet: %w", err)
	}

	overview := [][]interface{}{
		{"Subject", summary.Subject},
		{"Window since", formatBound(summary.Window.Since, "unbounded")},
		{"Window until", formatBound(summary.Window.Until, "now")},
		{"Total amount", summary.TotalAmount},
		{"Receipts", summary.TotalCount},
		{"Unique tippers", summary.UniqueActors},
		{"New tippers", summary.Retention.New},
		{"Returning tippers", summary.Retention.Returning},
		{"Regular tippers", summary.Retention.Regular},
		{"Generated at", time.Unix(summary.GeneratedAt, 0).UTC().Format(time.RFC3339)},
	}
	for i, row := range overview {
		setRow(f, overviewSheet, i+1, row)
	}

	timeline := make([][]interface{}, 0, len(summary.Timeline))
	for _, b := range summary.Timeline {
		timeline = append(timeline, []interface{}{b.Label, b.Amount, b.Count})
	}
	if err := addSheet(f, "Timeline", []interface{}{"Period", "Amount", "Receipts"}, timeline); err != nil {
		return nil, err
	}

	content := make([][]interface{}, 0, len(summary.TopContent))
	for _, c := range summary.TopContent {
		content = append(content, []interface{}{c.ContentRef, c.Amount, c.Count, c.Preview})
	}
	if err := addSheet(f, "Top Content", []interface{}{"Content", "Amount", "Receipts", "Preview"}, content); err != nil {
		return nil, err
	}

	actors := make([][]interface{}, 0, len(summary.TopActors))
	for _, a := range summary.TopActors {
		actors = append(actors, []interface{}{a.Actor, a.Name, a.Amount, a.Count})
	}
	if err := addSheet(f, "Top Tippers", []interface{}{"Actor", "Name", "Amount", "Receipts"}, actors); err != nil {
		return nil, err
	}

	kinds := make([][]interface{}, 0, len(summary.ByKind))
	for _, k := range summary.ByKind {
		kinds = append(kinds, []interface{}{k.Kind, k.Amount, k.Count})
	}
	if err := addSheet(f, "By Kind", []interface{}{"Kind", "Amount", "Receipts"}, kinds); err != nil {
		return nil, err
	}

	hours := make([][]interface{}, 0, len(summary.Hourly))
	for _, h := range summary.Hourly {
		hours = append(hours, []interface{}{fmt.Sprintf("%02d:00", h.Hour), h.Amount, h.Count})
	}
	if err := addSheet(f, "Hours", []interface{}{"Hour (UTC)", "Amount", "Receipts"}, hours); err != nil {
		return nil, err
	}

	days := make([][]interface{}, 0, len(summary.Weekdays))
	for _, d := range summary.Weekdays {
		days = append(days, []interface{}{d.Day, d.Amount, d.Count})
	}
	if err := addSheet(f, "Weekdays", []interface{}{"Day (UTC)", "Amount", "Receipts"}, days); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf, nil
}

// ExportFilename builds the download filename for a subject's export.
func ExportFilename(subject string) string {
	short := subject
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("tipstream-%s-%s.xlsx", short, time.Now().UTC().Format("2006-01-02"))
}

func addSheet(f *excelize.File, name string, headers []interface{}, rows [][]interface{}) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}

	setRow(f, name, 1, headers)
	for i, row := range rows {
		setRow(f, name, i+2, row)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) {
	for col, v := range values {
		cell := fmt.Sprintf("%c%d", 'A'+col, row)
		f.SetCellValue(sheet, cell, v)
	}
}

func formatBound(ts *int64, fallback string) string {
	if ts == nil {
		return fallback
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}
