package report

import (
	"context"
	"fmt"
	"time"

	"defectmaster/pkg/domain"
)

// SheetWriter is the subset of the spreadsheet API the sink needs.
type SheetWriter interface {
	CreateSpreadsheet(ctx context.Context, title string) (string, error)
	AppendRows(ctx context.Context, spreadsheetID string, rows [][]any) error
}

// Sink turns analysis results into spreadsheet rows.
type Sink struct {
	sheets SheetWriter
}

// NewSink creates a report sink over a spreadsheet writer.
func NewSink(sheets SheetWriter) *Sink {
	return &Sink{sheets: sheets}
}

// EnsureReport returns the user's report spreadsheet id, creating the
// spreadsheet on first use. Callers persist the returned id on the user row.
func (s *Sink) EnsureReport(ctx context.Context, user *domain.User) (string, error) {
	if user.SpreadsheetID != "" {
		return user.SpreadsheetID, nil
	}
	title := fmt.Sprintf("Отчет о дефектах — %s", displayName(user))
	id, err := s.sheets.CreateSpreadsheet(ctx, title)
	if err != nil {
		return "", fmt.Errorf("ensure report: %w", err)
	}
	return id, nil
}

// AppendFindings writes one row per finding. The expert summary is attached
// to the first row only; the photo link to every row.
func (s *Sink) AppendFindings(ctx context.Context, spreadsheetID, contextLabel, photoURL string, result *domain.AnalysisResult, at time.Time) error {
	if len(result.Findings) == 0 {
		return nil
	}
	rows := make([]domain.ReportRow, 0, len(result.Findings))
	for i, f := range result.Findings {
		row := domain.ReportRow{
			Timestamp:      at,
			ContextLabel:   contextLabel,
			Defect:         f.Defect,
			Location:       f.Location,
			Criticality:    f.Criticality,
			Cause:          f.Cause,
			Norm:           f.Norm,
			Recommendation: f.Recommendation,
			PhotoURL:       photoURL,
		}
		if i == 0 {
			row.ExpertSummary = result.ExpertSummary
		}
		rows = append(rows, row)
	}
	cells := make([][]any, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, rowCells(row))
	}
	if err := s.sheets.AppendRows(ctx, spreadsheetID, cells); err != nil {
		return fmt.Errorf("append findings: %w", err)
	}
	return nil
}

// rowCells lays a row out in the sheet's column order.
func rowCells(row domain.ReportRow) []any {
	return []any{
		row.Timestamp.Format("02.01.2006 15:04"),
		row.ContextLabel,
		row.Defect,
		row.Location,
		string(row.Criticality),
		row.Cause,
		row.Norm,
		row.Recommendation,
		row.ExpertSummary,
		row.PhotoURL,
	}
}

func displayName(user *domain.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("ID %d", user.ID)
}
