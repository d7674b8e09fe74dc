package exporter

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"nodelock/pkg/contracts/domain"
)

// Format selects the export file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query value to a Format. Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename returns a download name stamped with day.
func (f Format) Filename(day time.Time) string {
	return fmt.Sprintf("allowed_machines_%s.%s", day.Format("2006-01-02"), f)
}

// Headers is the column layout of every export.
func Headers() []string {
	return []string{"machine_id", "cpu_serial", "mac_address", "added_on", "added_by"}
}

// Row renders rec in Headers order.
func Row(rec domain.AttestationRecord) []string {
	return []string{
		strconv.FormatInt(rec.MachineID, 10),
		rec.CPUSerial,
		rec.MACAddress,
		rec.AddedOn.UTC().Format(time.RFC3339),
		rec.AddedBy,
	}
}

// Write encodes records to w in format f.
func Write(w io.Writer, f Format, records []domain.AttestationRecord) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, records, true)
	case FormatXLSX:
		return WriteXLSX(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}
