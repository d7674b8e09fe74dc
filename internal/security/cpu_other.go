//go:build !linux && !darwin && !windows

package security

import (
	"fmt"
	"runtime"
)

func readCPUBrand() (string, error) {
	return "", fmt.Errorf("CPU brand not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
