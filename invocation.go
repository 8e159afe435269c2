package deviceagent

import (
	"context"

	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/httprunner/DeviceAgent/pkg/result"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Invocation runs one configuration on one device.
type Invocation interface {
	Invoke(ctx context.Context, dev device.Device, cfg *Configuration, rescheduler Rescheduler) error
}

// TestInvocation is the default Invocation:
//   - retrieves the build
//   - prepares the target
//   - runs the test
//   - reports results
type TestInvocation struct{}

// Invoke runs the fixed build -> setup -> test sequence. A lost device
// reschedules cfg before the error is returned; fatal host errors are
// returned untouched so the scheduler can shut down.
func (TestInvocation) Invoke(ctx context.Context, dev device.Device, cfg *Configuration, rescheduler Rescheduler) error {
	if cfg == nil {
		return errors.New("invocation: configuration is nil")
	}
	listener := result.NewForwarder(cfg.Listeners...)
	err := runInvocation(ctx, dev, cfg, listener)

	switch {
	case err == nil:
	case IsFatalHostError(err):
		log.Error().Err(err).Str("serial", dev.Serial).Msg("fatal host error during invocation")
	case IsDeviceNotAvailable(err):
		log.Warn().Err(err).Str("serial", dev.Serial).Msg("device not available, rescheduling invocation")
		if rescheduler != nil {
			rescheduler.ScheduleConfig(cfg)
		}
	case IsTargetSetupError(err):
		log.Error().Err(err).Str("serial", dev.Serial).Msg("target setup failed")
	default:
		log.Error().Err(err).Str("serial", dev.Serial).Msg("invocation failed")
	}
	listener.InvocationEnded(err)
	return err
}

func runInvocation(ctx context.Context, dev device.Device, cfg *Configuration, listener result.Listener) error {
	if cfg.BuildProvider == nil {
		return errors.New("invocation: build provider is nil")
	}
	if cfg.Test == nil {
		return errors.New("invocation: test is nil")
	}
	info, err := cfg.BuildProvider.GetBuild(ctx)
	listener.InvocationStarted(info)
	if err != nil {
		return errors.Wrap(err, "get build failed")
	}
	log.Info().
		Str("serial", dev.Serial).
		Str("build", info.String()).
		Str("test", cfg.Name).
		Msg("invocation started")

	if cfg.TargetPreparer != nil {
		if err := cfg.TargetPreparer.SetUp(ctx, dev, info); err != nil {
			return classifySetupError(dev, err)
		}
	}
	return cfg.Test.Run(ctx, dev, listener)
}

// classifySetupError keeps the error kinds preparers are allowed to raise
// and treats everything else as a target setup failure.
func classifySetupError(dev device.Device, err error) error {
	if IsDeviceNotAvailable(err) || IsFatalHostError(err) || IsTargetSetupError(err) {
		return err
	}
	return NewTargetSetupError(dev.Serial, err)
}
