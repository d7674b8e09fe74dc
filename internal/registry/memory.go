package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

// MemoryRegistry keeps the allow-list in process memory. It backs the
// "memory" driver for local runs and lets tests inject failures.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[domain.MachineIdentity]domain.AttestationRecord
	nextID  int64
	failure error
	calls   int
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[domain.MachineIdentity]domain.AttestationRecord),
		nextID:  1,
	}
}

// FailWith makes every later call return err, simulating an unreachable or
// broken registry. A nil err restores normal behaviour.
func (r *MemoryRegistry) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Calls returns how many registry operations reached the store.
func (r *MemoryRegistry) Calls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls
}

// begin records a call and returns the injected failure or a context error.
func (r *MemoryRegistry) begin(ctx context.Context) error {
	r.calls++
	if err := ctx.Err(); err != nil {
		return apperrors.Transport(err)
	}
	return r.failure
}

// Register implements Registry.
func (r *MemoryRegistry) Register(ctx context.Context, id domain.MachineIdentity) error {
	id, err := canonical(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx); err != nil {
		return err
	}

	if _, ok := r.records[id]; ok {
		return nil
	}
	r.insert(id, config.DefaultAddedBy)
	return nil
}

// Exists implements Registry.
func (r *MemoryRegistry) Exists(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	id, err := canonical(id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx); err != nil {
		return false, err
	}

	_, ok := r.records[id]
	return ok, nil
}

// List implements Store.
func (r *MemoryRegistry) List(ctx context.Context) ([]domain.AttestationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx); err != nil {
		return nil, err
	}

	out := make([]domain.AttestationRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID > out[j].MachineID })
	return out, nil
}

// Add implements Store.
func (r *MemoryRegistry) Add(ctx context.Context, cpuSerial, macAddress, addedBy string) (domain.AttestationRecord, error) {
	mac, err := security.NormalizeMAC(macAddress)
	if err != nil {
		return domain.AttestationRecord{}, err
	}
	if addedBy == "" {
		addedBy = config.DefaultAddedBy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx); err != nil {
		return domain.AttestationRecord{}, err
	}

	for id := range r.records {
		if id.MACAddress == mac {
			return domain.AttestationRecord{}, apperrors.ErrDuplicateMAC
		}
	}
	id := domain.MachineIdentity{CPUBrand: strings.TrimSpace(cpuSerial), MACAddress: mac}
	return r.insert(id, addedBy), nil
}

// Delete implements Store.
func (r *MemoryRegistry) Delete(ctx context.Context, machineID int64) (domain.AttestationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(ctx); err != nil {
		return domain.AttestationRecord{}, err
	}

	for id, rec := range r.records {
		if rec.MachineID == machineID {
			delete(r.records, id)
			return rec, nil
		}
	}
	return domain.AttestationRecord{}, fmt.Errorf("machine %d: %w", machineID, apperrors.ErrNotFound)
}

// Ping implements Store.
func (r *MemoryRegistry) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin(ctx)
}

// insert must be called with mu held.
func (r *MemoryRegistry) insert(id domain.MachineIdentity, addedBy string) domain.AttestationRecord {
	rec := domain.AttestationRecord{
		MachineID:  r.nextID,
		CPUSerial:  id.CPUBrand,
		MACAddress: id.MACAddress,
		AddedOn:    time.Now().UTC(),
		AddedBy:    addedBy,
	}
	r.nextID++
	r.records[id] = rec
	return rec
}
