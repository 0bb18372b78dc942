// Package errdefs defines the error kinds used across gpm packages.
//
// Packages wrap these sentinels with %w so callers can branch with the
// Is* helpers regardless of how deep the error originated.
package errdefs

import "errors"

var (
	// ErrDriverInit indicates the NVML library failed to initialize.
	// It gates the fallback decision to the nvidia-smi probe.
	ErrDriverInit = errors.New("driver init failed")

	// ErrDriverQuery indicates a per-device NVML query failed.
	// It is logged and never aborts a poll tick.
	ErrDriverQuery = errors.New("driver query failed")

	// ErrStore indicates a SQLite operation failed.
	ErrStore = errors.New("store operation failed")

	// ErrServiceUnavailable indicates no backend (GPU or HTTP) is usable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidData indicates a value that cannot be parsed or validated.
	ErrInvalidData = errors.New("invalid data")

	// ErrOllama indicates a failure talking to the Ollama backend.
	ErrOllama = errors.New("ollama backend error")

	// ErrArchiver indicates a parquet export failure.
	ErrArchiver = errors.New("archive export failed")

	// ErrProcessLookup indicates OS process metadata is gone for a PID.
	ErrProcessLookup = errors.New("process lookup failed")

	// ErrConfig indicates the configuration could not be loaded.
	ErrConfig = errors.New("config load failed")
)

func IsDriverInit(err error) bool {
	return errors.Is(err, ErrDriverInit)
}

func IsDriverQuery(err error) bool {
	return errors.Is(err, ErrDriverQuery)
}

func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}

func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

func IsInvalidData(err error) bool {
	return errors.Is(err, ErrInvalidData)
}

func IsOllama(err error) bool {
	return errors.Is(err, ErrOllama)
}

func IsArchiver(err error) bool {
	return errors.Is(err, ErrArchiver)
}

func IsProcessLookup(err error) bool {
	return errors.Is(err, ErrProcessLookup)
}

func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}
