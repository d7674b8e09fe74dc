// Package domain contains the core domain models for the node-lock system.
// These types are shared by the fingerprint reader, the attestation client,
// the registry implementations and the admin HTTP API.
package domain

import (
	"time"
)

// Sentinel values substituted when a hardware read fails.
const (
	UnknownCPU = "Unknown CPU"
	UnknownMAC = "Unknown MAC"
)

// MachineIdentity is the (CPU brand, MAC address) fingerprint of a machine.
// It is a value type; a fresh one is read for every attestation attempt.
type MachineIdentity struct {
	CPUBrand   string `json:"cpu_brand"`
	MACAddress string `json:"mac_address"`
}

// NewMachineIdentity builds an identity, substituting sentinels for empty fields.
func NewMachineIdentity(cpuBrand, macAddress string) MachineIdentity {
	if cpuBrand == "" {
		cpuBrand = UnknownCPU
	}
	if macAddress == "" {
		macAddress = UnknownMAC
	}
	return MachineIdentity{CPUBrand: cpuBrand, MACAddress: macAddress}
}

// CPUKnown reports whether the CPU brand was actually read.
func (m MachineIdentity) CPUKnown() bool {
	return m.CPUBrand != "" && m.CPUBrand != UnknownCPU
}

// MACKnown reports whether the MAC address was actually read.
func (m MachineIdentity) MACKnown() bool {
	return m.MACAddress != "" && m.MACAddress != UnknownMAC
}

// IsSentinel reports whether both fields are read-failure placeholders.
// Such an identity must never be authorized.
func (m MachineIdentity) IsSentinel() bool {
	return !m.CPUKnown() && !m.MACKnown()
}

// String renders the identity for logs.
func (m MachineIdentity) String() string {
	return m.CPUBrand + " / " + m.MACAddress
}

// AttestationMode selects what the attestation client does with an identity.
type AttestationMode string

const (
	// ModeRegister persists the identity in the registry (insert-or-ignore).
	ModeRegister AttestationMode = "register"
	// ModeQuery checks whether the identity is on the allow-list.
	ModeQuery AttestationMode = "query"
)

// Valid reports whether m is a known mode.
func (m AttestationMode) Valid() bool {
	return m == ModeRegister || m == ModeQuery
}

// AttestationStatus is the outcome of one attestation attempt.
type AttestationStatus string

const (
	StatusAuthorized    AttestationStatus = "authorized"
	StatusDenied        AttestationStatus = "denied"
	StatusIndeterminate AttestationStatus = "indeterminate"
)

// AttestationResult is what the attestation client reports to its caller.
// Indeterminate means the check could not be completed; Reason carries the cause.
type AttestationResult struct {
	Status   AttestationStatus `json:"status"`
	Mode     AttestationMode   `json:"mode"`
	Identity MachineIdentity   `json:"identity"`
	Reason   string            `json:"reason,omitempty"`
	Duration time.Duration     `json:"duration_ns"`
}

// Authorized reports whether the result grants access.
func (r AttestationResult) Authorized() bool { return r.Status == StatusAuthorized }

// Denied reports whether the registry explicitly refused the identity.
func (r AttestationResult) Denied() bool { return r.Status == StatusDenied }

// Indeterminate reports whether the check could not be completed.
func (r AttestationResult) Indeterminate() bool { return r.Status == StatusIndeterminate }

// AttestationRecord is one allow-list row as stored by the registry.
type AttestationRecord struct {
	MachineID  int64     `json:"machine_id"`
	CPUSerial  string    `json:"cpu_serial"`
	MACAddress string    `json:"mac_address"`
	AddedOn    time.Time `json:"added_on"`
	AddedBy    string    `json:"added_by"`
}

// Identity returns the fingerprint part of the record.
func (r AttestationRecord) Identity() MachineIdentity {
	return MachineIdentity{CPUBrand: r.CPUSerial, MACAddress: r.MACAddress}
}

// AddMachineRequest is the admin API payload for adding a machine to the allow-list.
type AddMachineRequest struct {
	CPUSerial  string `json:"cpu_serial" validate:"required,notblank,max=256"`
	MACAddress string `json:"mac_address" validate:"required,mac"`
}

// AttestRequest is the HTTP payload for a remote attestation.
type AttestRequest struct {
	CPUSerial  string          `json:"cpu_serial" validate:"required,notblank,max=256"`
	MACAddress string          `json:"mac_address" validate:"required,max=64"`
	Mode       AttestationMode `json:"mode" validate:"required,oneof=register query"`
}

// RegistryEvent is pushed to websocket subscribers when the allow-list changes.
type RegistryEvent struct {
	Type      string            `json:"type"`
	Record    AttestationRecord `json:"record"`
	Timestamp time.Time         `json:"timestamp"`
}

// Registry event types.
const (
	EventMachineAdded      = "machine_added"
	EventMachineDeleted    = "machine_deleted"
	EventMachineRegistered = "machine_registered"
)
