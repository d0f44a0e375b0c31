package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"offsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const reportSheet = "Failed Operations"

// reportBatchLimit caps how many rows a single report pulls from the outbox.
const reportBatchLimit = 10000

// ExportFailedReport writes an .xlsx listing every failed operation into dir
// and returns the file path. Diagnostic only, nothing in the queue changes.
func (e *Engine) ExportFailedReport(ctx context.Context, dir string) (string, error) {
	if err := e.ensureReady(ctx); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	ops, err := e.store.ListByStatus(ctx, models.StatusFailed, reportBatchLimit)
	if err != nil {
		return "", fmt.Errorf("error listing failed operations: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(reportSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	writeReportHeaders(f)
	writeReportRows(f, ops)

	_ = f.SetColWidth(reportSheet, "A", "A", 38)
	_ = f.SetColWidth(reportSheet, "B", "C", 20)
	_ = f.SetColWidth(reportSheet, "D", "F", 12)
	_ = f.SetColWidth(reportSheet, "G", "G", 20)
	_ = f.SetColWidth(reportSheet, "H", "H", 50)
	_ = f.SetColWidth(reportSheet, "I", "J", 20)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("failed_operations_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(dir, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("operations", len(ops)).Msg("failed operations report created")
	return filePath, nil
}

func writeReportHeaders(f *excelize.File) {
	headers := []string{
		"Operation ID", "Entity Table", "Entity ID", "Kind",
		"Retries", "Max Retries", "Next Retry At", "Last Error",
		"Created At", "Updated At",
	}

	style, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})

	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(reportSheet, cell, header)
		_ = f.SetCellStyle(reportSheet, cell, cell, style)
	}
}

func writeReportRows(f *excelize.File, ops []models.Operation) {
	for i, op := range ops {
		row := i + 2
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("A%d", row), op.ID)
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("B%d", row), op.EntityTable)
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("C%d", row), op.EntityID)
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("D%d", row), string(op.Kind))
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("E%d", row), op.RetryCount)
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("F%d", row), op.MaxRetries)
		if op.NextRetryAt != nil {
			_ = f.SetCellValue(reportSheet, fmt.Sprintf("G%d", row), op.NextRetryAt.Format("02.01.2006 15:04:05"))
		} else {
			_ = f.SetCellValue(reportSheet, fmt.Sprintf("G%d", row), "exhausted")
		}
		if op.ErrorMessage != nil {
			_ = f.SetCellValue(reportSheet, fmt.Sprintf("H%d", row), *op.ErrorMessage)
		}
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("I%d", row), op.CreatedAt.Format("02.01.2006 15:04:05"))
		_ = f.SetCellValue(reportSheet, fmt.Sprintf("J%d", row), op.UpdatedAt.Format("02.01.2006 15:04:05"))
	}
}
