package http

import (
	"context"
	"io"

	"nodelock/internal/exporter"
	"nodelock/pkg/contracts/domain"
)

// MachineServiceInterface is what MachineHandler needs from the service layer.
type MachineServiceInterface interface {
	List(ctx context.Context) ([]domain.AttestationRecord, error)
	Add(ctx context.Context, req domain.AddMachineRequest, addedBy string) (domain.AttestationRecord, error)
	Delete(ctx context.Context, machineID int64) (domain.AttestationRecord, error)
	Export(ctx context.Context, w io.Writer, format exporter.Format) error
	ExportFilename(format exporter.Format) string
	Attest(ctx context.Context, req domain.AttestRequest, caller string) domain.AttestationResult
}
