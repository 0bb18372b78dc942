package gpu

import (
	"context"
	"fmt"

	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/errdefs"
	"github.com/gpm-project/gpm/pkg/log"
)

// Backend produces metric samples from one of the two collection
// variants: the NVML driver library or the nvidia-smi textual probe.
type Backend interface {
	// DeviceCount returns the number of visible devices.
	DeviceCount() uint32

	// Collect returns one sample per device. A single device failing
	// does not fail the call; the device is skipped. It returns an
	// error only when every device failed and at least one exists.
	Collect(ctx context.Context) ([]Sample, error)

	// Shutdown releases the driver handle, if any.
	Shutdown()
}

// New selects a backend per the configured policy: NVML when enabled
// and initializable, otherwise the nvidia-smi probe when fallback is
// enabled, otherwise an error.
func New(cfg config.GPU) (Backend, error) {
	if cfg.EnableNVML {
		b, err := newNVMLBackend()
		if err == nil {
			log.Logger.Infow("using NVML backend", "devices", b.DeviceCount())
			return b, nil
		}
		log.Logger.Warnw("NVML initialization failed", "error", err)
		if cfg.FallbackToNvidiaSMI {
			log.Logger.Infow("falling back to nvidia-smi probe")
			return newSMIBackend(), nil
		}
		return nil, err
	}

	if cfg.FallbackToNvidiaSMI {
		log.Logger.Infow("using nvidia-smi backend (by configuration)")
		return newSMIBackend(), nil
	}

	return nil, fmt.Errorf("no GPU monitoring backend available: %w", errdefs.ErrServiceUnavailable)
}
