package notify

import (
	"context"

	"github.com/httprunner/DeviceAgent/pkg/result"
	"github.com/rs/zerolog/log"
)

// FailureReporter collects one invocation's results and sends a summary when
// a test failed or the invocation itself ended with an error.
type FailureReporter struct {
	*result.Collector

	sender   Sender
	throttle *Throttle
	testName string
}

// NewFailureReporter returns a listener for exactly one invocation. The
// throttle may be shared between reporters and may be nil.
func NewFailureReporter(sender Sender, throttle *Throttle, testName string) *FailureReporter {
	return &FailureReporter{
		Collector: result.NewCollector(),
		sender:    sender,
		throttle:  throttle,
		testName:  testName,
	}
}

// InvocationEnded finalizes the collected results and sends the summary.
func (r *FailureReporter) InvocationEnded(err error) {
	r.Collector.InvocationEnded(err)
	if r.sender == nil || (!r.Failed() && err == nil) {
		return
	}
	subject, body := r.FailureSummary(r.testName)
	if !r.throttle.Allow(subject) {
		log.Warn().Str("subject", subject).Msg("failure summary throttled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if sendErr := r.sender.SendText(ctx, subject+"\n\n"+body); sendErr != nil {
		log.Error().Err(sendErr).Str("subject", subject).Msg("send failure summary failed")
		return
	}
	log.Info().Str("subject", subject).Msg("failure summary sent")
}
