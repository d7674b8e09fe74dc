//go:build linux

package security

import (
	"errors"
	"fmt"
	"os"
)

const cpuInfoPath = "/proc/cpuinfo"

func readCPUBrand() (string, error) {
	data, err := os.ReadFile(cpuInfoPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", cpuInfoPath, err)
	}
	brand := parseCPUInfo(data)
	if brand == "" {
		return "", errors.New("no brand string in " + cpuInfoPath)
	}
	return brand, nil
}
