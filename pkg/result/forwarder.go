package result

import "github.com/httprunner/DeviceAgent/pkg/build"

// Forwarder fans every event out to its listeners in order.
type Forwarder []Listener

// NewForwarder drops nil listeners.
func NewForwarder(listeners ...Listener) Forwarder {
	out := make(Forwarder, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (f Forwarder) InvocationStarted(info build.Info) {
	for _, l := range f {
		l.InvocationStarted(info)
	}
}

func (f Forwarder) TestStarted(id TestID) {
	for _, l := range f {
		l.TestStarted(id)
	}
}

func (f Forwarder) TestEnded(id TestID, res TestResult) {
	for _, l := range f {
		l.TestEnded(id, res)
	}
}

func (f Forwarder) InvocationEnded(err error) {
	for _, l := range f {
		l.InvocationEnded(err)
	}
}
