// Package exporter writes the machine allow-list to downloadable files.
//
// Two formats are supported:
//
//	FormatCSV   UTF-8 CSV with a BOM so spreadsheet tools detect the encoding
//	FormatXLSX  an Excel workbook with a single "AllowedMachines" sheet
//
// Both share the column layout returned by Headers.
//
// Example usage:
//
//	records, _ := store.List(ctx)
//	err := exporter.Write(w, exporter.FormatXLSX, records)
package exporter
