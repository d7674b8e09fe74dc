//go:build windows

package security

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const processorKey = `HARDWARE\DESCRIPTION\System\CentralProcessor\0`

func readCPUBrand() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, processorKey, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", processorKey, err)
	}
	defer k.Close()

	brand, _, err := k.GetStringValue("ProcessorNameString")
	if err != nil {
		return "", fmt.Errorf("read ProcessorNameString: %w", err)
	}
	return brand, nil
}
