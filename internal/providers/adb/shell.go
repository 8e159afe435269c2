package adb

import (
	"context"
	"strings"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/pkg/build"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/httprunner/DeviceAgent/pkg/result"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// markers that turn an otherwise successful shell run into a failed test
var failureMarkers = []string{
	"FAILURES!!!",
	"INSTRUMENTATION_FAILED",
	"Process crashed",
}

// ShellPreparer runs setup commands on the device before the test.
type ShellPreparer struct {
	Shell    Shell
	Commands []string
}

// SetUp runs each command in order and stops at the first failure.
func (p *ShellPreparer) SetUp(ctx context.Context, dev device.Device, info build.Info) error {
	for _, raw := range p.Commands {
		args := strings.Fields(raw)
		if len(args) == 0 {
			continue
		}
		log.Info().Str("serial", dev.Serial).Str("build", info.String()).Str("cmd", raw).Msg("run setup command")
		if _, err := p.Shell.RunShell(ctx, dev.Serial, args...); err != nil {
			if deviceagent.IsDeviceNotAvailable(err) || deviceagent.IsFatalHostError(err) {
				return err
			}
			return deviceagent.NewTargetSetupError(dev.Serial, errors.Wrapf(err, "setup command %q", raw))
		}
	}
	return nil
}

// ShellTest runs one shell command as a single test and reads an
// am instrument style outcome from its output.
type ShellTest struct {
	Shell   Shell
	Name    string
	Command []string
}

// TestID derives the reported id from Name, "class#test" or just "class".
func (t *ShellTest) TestID() result.TestID {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = strings.Join(t.Command, " ")
	}
	if class, test, ok := strings.Cut(name, "#"); ok {
		return result.TestID{ClassName: class, TestName: test}
	}
	return result.TestID{ClassName: name, TestName: "run"}
}

// Run reports one test. A lost device leaves the test unfinished and returns
// the error; other outcomes are reported as test results only.
func (t *ShellTest) Run(ctx context.Context, dev device.Device, listener result.Listener) error {
	if len(t.Command) == 0 {
		return errors.New("shell test: empty command")
	}
	id := t.TestID()
	listener.TestStarted(id)

	output, err := t.Shell.RunShell(ctx, dev.Serial, t.Command...)
	switch {
	case deviceagent.IsDeviceNotAvailable(err) || deviceagent.IsFatalHostError(err):
		return err
	case err != nil:
		listener.TestEnded(id, result.TestResult{Status: result.StatusError, Trace: err.Error()})
	case hasFailureMarker(output):
		listener.TestEnded(id, result.TestResult{Status: result.StatusFailure, Trace: strings.TrimSpace(output)})
	default:
		listener.TestEnded(id, result.TestResult{Status: result.StatusPassed})
	}
	return nil
}

func hasFailureMarker(output string) bool {
	for _, marker := range failureMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
