package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nodelock/internal/exporter"
	"nodelock/internal/infrastructure"
	"nodelock/internal/registry"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

// Attester attests an identity on behalf of a remote caller.
type Attester interface {
	Attest(ctx context.Context, id domain.MachineIdentity, mode domain.AttestationMode) domain.AttestationResult
}

// EventBroadcaster receives allow-list change events.
type EventBroadcaster interface {
	BroadcastEvent(ctx context.Context, ev domain.RegistryEvent)
}

// MachineService manages the allow-list for the admin API.
type MachineService struct {
	store    registry.Store
	attester Attester
	events   EventBroadcaster
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMachineService creates a machine service. events may be nil.
func NewMachineService(store registry.Store, attester Attester, events EventBroadcaster, logger *slog.Logger) *MachineService {
	return &MachineService{
		store:    store,
		attester: attester,
		events:   events,
		logger:   infrastructure.WithComponent(logger, "machine_service"),
		tracer:   otel.Tracer("nodelock/services"),
		now:      time.Now,
	}
}

// List returns every allow-listed machine, newest first.
func (s *MachineService) List(ctx context.Context) ([]domain.AttestationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "machines.list")
	defer span.End()

	records, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list machines: %w", err)
	}
	span.SetAttributes(attribute.Int("machines.count", len(records)))
	return records, nil
}

// Add puts a machine on the allow-list on behalf of addedBy.
func (s *MachineService) Add(ctx context.Context, req domain.AddMachineRequest, addedBy string) (domain.AttestationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "machines.add")
	defer span.End()

	rec, err := s.store.Add(ctx, req.CPUSerial, req.MACAddress, addedBy)
	if err != nil {
		span.RecordError(err)
		return rec, err
	}

	s.logger.InfoContext(ctx, "machine added",
		slog.Int64("machine_id", rec.MachineID),
		slog.String("cpu_serial", rec.CPUSerial),
		slog.String("mac_address", rec.MACAddress),
		slog.String("added_by", rec.AddedBy))
	s.publish(ctx, domain.EventMachineAdded, rec)
	return rec, nil
}

// Delete removes a machine and returns the removed record.
func (s *MachineService) Delete(ctx context.Context, machineID int64) (domain.AttestationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "machines.delete",
		trace.WithAttributes(attribute.Int64("machine_id", machineID)))
	defer span.End()

	rec, err := s.store.Delete(ctx, machineID)
	if err != nil {
		span.RecordError(err)
		return rec, err
	}

	s.logger.InfoContext(ctx, "machine deleted",
		slog.Int64("machine_id", rec.MachineID),
		slog.String("mac_address", rec.MACAddress))
	s.publish(ctx, domain.EventMachineDeleted, rec)
	return rec, nil
}

// Export writes the allow-list to w in the given format.
func (s *MachineService) Export(ctx context.Context, w io.Writer, format exporter.Format) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	if err := exporter.Write(w, format, records); err != nil {
		return fmt.Errorf("export machines: %w", err)
	}
	s.logger.InfoContext(ctx, "allow-list exported",
		slog.String("format", string(format)),
		slog.Int("records", len(records)))
	return nil
}

// ExportFilename names an export produced now.
func (s *MachineService) ExportFilename(format exporter.Format) string {
	return format.Filename(s.now())
}

// Attest runs an attestation for a caller that sent its identity over HTTP.
// A successful register is logged and published like an admin add.
func (s *MachineService) Attest(ctx context.Context, req domain.AttestRequest, caller string) domain.AttestationResult {
	id := domain.NewMachineIdentity(req.CPUSerial, req.MACAddress)
	res := s.attester.Attest(ctx, id, req.Mode)
	if req.Mode != domain.ModeRegister || !res.Authorized() {
		return res
	}

	rec := s.registeredRecord(ctx, res.Identity)
	s.logger.InfoContext(ctx, "machine registered",
		slog.Int64("machine_id", rec.MachineID),
		slog.String("cpu_serial", rec.CPUSerial),
		slog.String("mac_address", rec.MACAddress),
		slog.String("registered_by", caller))
	s.publish(ctx, domain.EventMachineRegistered, rec)
	return res
}

// registeredRecord finds the stored row for id. Register does not return it,
// so a lookup failure falls back to the identity alone.
func (s *MachineService) registeredRecord(ctx context.Context, id domain.MachineIdentity) domain.AttestationRecord {
	fallback := domain.AttestationRecord{CPUSerial: id.CPUBrand, MACAddress: id.MACAddress}
	records, err := s.store.List(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "registered machine lookup failed", slog.String("error", err.Error()))
		return fallback
	}
	mac := id.MACAddress
	if normalized, err := security.NormalizeMAC(mac); err == nil {
		mac = normalized
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.CPUSerial) == strings.TrimSpace(id.CPUBrand) && strings.EqualFold(rec.MACAddress, mac) {
			return rec
		}
	}
	return fallback
}

func (s *MachineService) publish(ctx context.Context, eventType string, rec domain.AttestationRecord) {
	if s.events == nil {
		return
	}
	s.events.BroadcastEvent(ctx, domain.RegistryEvent{
		Type:      eventType,
		Record:    rec,
		Timestamp: s.now().UTC(),
	})
}
