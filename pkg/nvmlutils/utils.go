package nvmlutils

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	log "github.com/sirupsen/logrus"
)

// Init initializes the NVML library, must be called once before any device query.
func Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init failed: %s", nvml.ErrorString(ret))
	}
	return nil
}

func Shutdown() {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		log.Warnf("nvml shutdown failed: %s", nvml.ErrorString(ret))
	}
}

// Check maps an nvml return code to an error. Recoverable codes are
// logged at warn level so the operator can see why a cycle was skipped.
func Check(ret nvml.Return) error {
	switch ret {
	case nvml.SUCCESS:
		return nil
	case nvml.ERROR_NOT_FOUND:
		log.Warnf("nvml error: ERROR_NOT_FOUND: [a query to find an object was unsuccessful]")
	case nvml.ERROR_NOT_SUPPORTED:
		log.Warnf("nvml error: ERROR_NOT_SUPPORTED: [device doesn't support this feature]")
	case nvml.ERROR_NO_PERMISSION:
		log.Warnf("nvml error: ERROR_NO_PERMISSION: [user doesn't have permission to perform this operation]")
	}
	return fmt.Errorf("nvml error: %s", nvml.ErrorString(ret))
}
