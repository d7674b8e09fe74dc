//go:build darwin

package security

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func readCPUBrand() (string, error) {
	brand, err := unix.Sysctl("machdep.cpu.brand_string")
	if err != nil {
		return "", fmt.Errorf("sysctl machdep.cpu.brand_string: %w", err)
	}
	return brand, nil
}
