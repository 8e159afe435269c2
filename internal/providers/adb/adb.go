package adb

import (
	"context"
	"strings"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Shell runs a command on one device and returns its combined output.
type Shell interface {
	RunShell(ctx context.Context, serial string, args ...string) (string, error)
}

// Provider discovers devices and runs shell commands through the adb server.
// It implements device.Provider and Shell.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault connects to the local adb server.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, deviceagent.NewFatalHostError(errors.Wrap(err, "init adb client"))
	}
	return New(client), nil
}

// ListDevices returns the serials adb reports as online. Offline and
// unauthorized devices are left out so the pool never hands them out.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	states, err := p.DeviceStates(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(states))
	for serial, state := range states {
		if state != string(gadb.StateOnline) {
			log.Debug().Str("serial", serial).Str("adb_state", state).Msg("skip device not online")
			continue
		}
		serials = append(serials, serial)
	}
	return serials, nil
}

// DeviceStates returns the raw adb state per serial.
func (p *Provider) DeviceStates(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, deviceagent.NewFatalHostError(errors.Wrap(err, "list adb devices"))
	}
	states := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			states[serial] = string(gadb.StateUnknown)
			continue
		}
		states[serial] = string(state)
	}
	return states, nil
}

// RunShell executes a shell command on serial. A missing or offline device
// yields a DeviceNotAvailableError; an unreachable adb server a FatalHostError.
func (p *Provider) RunShell(ctx context.Context, serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dev, err := p.findDevice(serial)
	if err != nil {
		return "", err
	}
	output, err := dev.RunShellCommand(args[0], args[1:]...)
	if err != nil {
		return output, classifyShellError(serial, err)
	}
	return output, nil
}

func (p *Provider) findDevice(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, deviceagent.NewFatalHostError(errors.Wrap(err, "list adb devices"))
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil || strings.TrimSpace(d.Serial()) != target {
			continue
		}
		if state, err := d.State(); err == nil && state != gadb.StateOnline {
			return nil, deviceagent.NewDeviceNotAvailableError(serial, errors.Errorf("adb state %s", state))
		}
		return d, nil
	}
	return nil, deviceagent.NewDeviceNotAvailableError(serial, errors.New("device not found"))
}

var deviceGoneMarkers = []string{
	"device not found",
	"device offline",
	"device unauthorized",
	"no devices/emulators found",
	"closed",
	"broken pipe",
	"connection reset",
}

// classifyShellError maps transport failures to DeviceNotAvailableError and
// leaves command failures as plain errors.
func classifyShellError(serial string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range deviceGoneMarkers {
		if strings.Contains(msg, marker) {
			return deviceagent.NewDeviceNotAvailableError(serial, err)
		}
	}
	return errors.Wrapf(err, "run shell on %s", serial)
}
