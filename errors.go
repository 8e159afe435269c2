package deviceagent

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is the cause of every ConfigurationError.
	ErrConfiguration = errors.New("invalid command configuration")
	// ErrSchedulerShutdown is returned for submissions after Shutdown.
	ErrSchedulerShutdown = errors.New("command scheduler is shutting down")
	// ErrSchedulerStarted is returned when Start is called twice.
	ErrSchedulerStarted = errors.New("command scheduler already started")
)

// ConfigurationError marks a malformed submission. It is reported to the
// caller of AddCommand and never queued.
type ConfigurationError struct {
	Args []string
	Err  error
}

// NewConfigurationError wraps err for the given argument vector.
func NewConfigurationError(args []string, err error) error {
	return &ConfigurationError{Args: append([]string(nil), args...), Err: err}
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return ErrConfiguration.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConfiguration, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
func (e *ConfigurationError) Cause() error { return e.Err }

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// TargetSetupError reports that preparing the device for the build failed.
type TargetSetupError struct {
	Serial string
	Err    error
}

// NewTargetSetupError wraps err raised while preparing serial.
func NewTargetSetupError(serial string, err error) error {
	return &TargetSetupError{Serial: serial, Err: err}
}

func (e *TargetSetupError) Error() string {
	return fmt.Sprintf("target setup failed on %s: %v", e.Serial, e.Err)
}

func (e *TargetSetupError) Unwrap() error { return e.Err }
func (e *TargetSetupError) Cause() error { return e.Err }

// DeviceNotAvailableError reports that the device was lost mid-invocation.
// The command is rescheduled and the device goes back to the pool as
// unavailable.
type DeviceNotAvailableError struct {
	Serial string
	Err    error
}

// NewDeviceNotAvailableError wraps err for the lost device serial.
func NewDeviceNotAvailableError(serial string, err error) error {
	return &DeviceNotAvailableError{Serial: serial, Err: err}
}

func (e *DeviceNotAvailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s not available", e.Serial)
	}
	return fmt.Sprintf("device %s not available: %v", e.Serial, e.Err)
}

func (e *DeviceNotAvailableError) Unwrap() error { return e.Err }
func (e *DeviceNotAvailableError) Cause() error { return e.Err }

// FatalHostError is an unrecoverable host condition. A worker that observes
// it forces the scheduler to shut down and Join returns it.
type FatalHostError struct {
	Err error
}

// NewFatalHostError wraps err as fatal.
func NewFatalHostError(err error) error {
	return &FatalHostError{Err: err}
}

func (e *FatalHostError) Error() string {
	return fmt.Sprintf("fatal host error: %v", e.Err)
}

func (e *FatalHostError) Unwrap() error { return e.Err }
func (e *FatalHostError) Cause() error { return e.Err }

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsTargetSetupError reports whether err is, or wraps, a TargetSetupError.
func IsTargetSetupError(err error) bool {
	var target *TargetSetupError
	return errors.As(err, &target)
}

// IsDeviceNotAvailable reports whether err is, or wraps, a DeviceNotAvailableError.
func IsDeviceNotAvailable(err error) bool {
	var target *DeviceNotAvailableError
	return errors.As(err, &target)
}

// IsFatalHostError reports whether err is, or wraps, a FatalHostError.
func IsFatalHostError(err error) bool {
	var target *FatalHostError
	return errors.As(err, &target)
}

// errorKind names the taxonomy bucket of err for logs and the journal.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsFatalHostError(err):
		return "fatal_host_error"
	case IsDeviceNotAvailable(err):
		return "device_not_available"
	case IsTargetSetupError(err):
		return "target_setup_error"
	case IsConfigurationError(err):
		return "configuration_error"
	default:
		return "failed"
	}
}
