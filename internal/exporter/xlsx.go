package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"nodelock/pkg/contracts/domain"
)

// SheetName is the worksheet holding the exported allow-list.
const SheetName = "AllowedMachines"

// WriteXLSX writes records as an Excel workbook.
func WriteXLSX(w io.Writer, records []domain.AttestationRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeRow(f, 1, Headers()); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(Headers()))
	if err := f.SetCellStyle(SheetName, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, rec := range records {
		row := i + 2
		// machine_id stays numeric so it sorts correctly in Excel
		if err := f.SetCellValue(SheetName, fmt.Sprintf("A%d", row), rec.MachineID); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
		if err := writeRowFrom(f, row, 2, Row(rec)[1:]); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(SheetName, "B", "B", 48); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}
	if err := f.SetColWidth(SheetName, "C", "E", 22); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, row int, values []string) error {
	return writeRowFrom(f, row, 1, values)
}

func writeRowFrom(f *excelize.File, row, firstCol int, values []string) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(firstCol+i, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, cell, v); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", cell, err)
		}
	}
	return nil
}
