// Package result carries test results from a running invocation to its
// listeners.
package result

import "github.com/httprunner/DeviceAgent/pkg/build"

// TestID identifies one test case.
type TestID struct {
	ClassName string
	TestName  string
}

func (id TestID) String() string {
	if id.ClassName == "" {
		return id.TestName
	}
	return id.ClassName + "#" + id.TestName
}

// Status is the outcome of a single test.
type Status string

const (
	StatusPassed     Status = "passed"
	StatusFailure    Status = "failure"
	StatusError      Status = "error"
	StatusIncomplete Status = "incomplete"
)

// Describe renders the status the way it reads in failure reports.
func (s Status) Describe() string {
	switch s {
	case StatusError:
		return "had an error"
	case StatusFailure:
		return "failed"
	case StatusPassed:
		return "passed"
	case StatusIncomplete:
		return "did not complete"
	}
	return "had an unknown result"
}

// TestResult is reported when a test ends.
type TestResult struct {
	Status Status
	Trace  string
}

// Listener receives results in real time while an invocation runs.
type Listener interface {
	InvocationStarted(info build.Info)
	TestStarted(id TestID)
	TestEnded(id TestID, res TestResult)
	InvocationEnded(err error)
}

// NopListener ignores every event; embed it to implement a subset.
type NopListener struct{}

func (NopListener) InvocationStarted(build.Info) {}
func (NopListener) TestStarted(TestID) {}
func (NopListener) TestEnded(TestID, TestResult) {}
func (NopListener) InvocationEnded(error) {}
