package security

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"nodelock/pkg/contracts/domain"
)

type (
	// cpuSource returns the raw brand string of the first processor.
	cpuSource func() (string, error)
	// interfaceSource enumerates network interfaces.
	interfaceSource func() ([]net.Interface, error)
)

// FingerprintReader computes the local MachineIdentity. It never fails:
// unreadable components are replaced with domain sentinels.
type FingerprintReader struct {
	cpu        cpuSource
	interfaces interfaceSource
	logger     *slog.Logger
}

// ReaderOption customises a FingerprintReader.
type ReaderOption func(*FingerprintReader)

// WithCPUSource overrides how the CPU brand is read.
func WithCPUSource(src func() (string, error)) ReaderOption {
	return func(r *FingerprintReader) { r.cpu = src }
}

// WithInterfaceSource overrides how network interfaces are enumerated.
func WithInterfaceSource(src func() ([]net.Interface, error)) ReaderOption {
	return func(r *FingerprintReader) { r.interfaces = src }
}

// NewFingerprintReader creates a reader backed by the operating system.
func NewFingerprintReader(logger *slog.Logger, opts ...ReaderOption) *FingerprintReader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FingerprintReader{
		cpu:        readCPUBrand,
		interfaces: net.Interfaces,
		logger:     logger.With(slog.String("component", "fingerprint")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadIdentity reads the identity of this machine with the default reader.
func ReadIdentity() domain.MachineIdentity {
	return NewFingerprintReader(nil).Read()
}

// Read computes a fresh identity. Nothing is cached between calls.
func (r *FingerprintReader) Read() domain.MachineIdentity {
	cpu, err := r.cpu()
	cpu = normalizeCPUBrand(cpu)
	if err != nil || cpu == "" {
		r.logger.Warn("CPU brand unavailable, using sentinel", slog.Any("error", err))
		cpu = domain.UnknownCPU
	}

	mac, err := r.primaryMAC()
	if err != nil {
		r.logger.Warn("MAC address unavailable, using sentinel", slog.String("error", err.Error()))
		mac = domain.UnknownMAC
	}

	id := domain.MachineIdentity{CPUBrand: cpu, MACAddress: mac}
	r.logger.Debug("machine identity read",
		slog.String("cpu_brand", id.CPUBrand),
		slog.String("mac_address", id.MACAddress))
	return id
}

// primaryMAC returns the first up, non-loopback interface's hardware address,
// falling back to any interface with a usable address.
func (r *FingerprintReader) primaryMAC() (string, error) {
	interfaces, err := r.interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if usableHardwareAddr(iface.HardwareAddr) {
			return iface.HardwareAddr.String(), nil
		}
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if usableHardwareAddr(iface.HardwareAddr) {
			r.logger.Debug("using MAC of a down interface", slog.String("interface", iface.Name))
			return iface.HardwareAddr.String(), nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found among %d interfaces", len(interfaces))
}

func usableHardwareAddr(addr net.HardwareAddr) bool {
	if len(addr) == 0 {
		return false
	}
	for _, b := range addr {
		if b != 0 {
			return true
		}
	}
	return false
}

// NormalizeMAC converts any MAC notation net.ParseMAC accepts into lowercase
// colon-separated hex octets.
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	return hw.String(), nil
}

// normalizeCPUBrand trims the brand and collapses internal runs of whitespace,
// which some firmware pads the registry and cpuinfo values with.
func normalizeCPUBrand(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cpuInfoKeys are the /proc/cpuinfo keys holding a brand string, in order
// of preference. x86 uses "model name"; ARM and MIPS kernels use the others.
var cpuInfoKeys = []string{"model name", "Hardware", "Processor", "cpu model"}

// parseCPUInfo extracts the first processor's brand from /proc/cpuinfo content.
func parseCPUInfo(data []byte) string {
	found := make(map[string]string, len(cpuInfoKeys))

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, seen := found[key]; !seen {
			found[key] = value
		}
	}

	for _, key := range cpuInfoKeys {
		if v, ok := found[key]; ok {
			return v
		}
	}
	return ""
}
