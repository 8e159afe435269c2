package result

import (
	"fmt"
	"strings"
	"sync"

	"github.com/httprunner/DeviceAgent/pkg/build"
)

// Record is one finished test kept by the Collector.
type Record struct {
	ID     TestID
	Result TestResult
}

// Collector keeps the results of one invocation in arrival order.
type Collector struct {
	mu      sync.Mutex
	build   build.Info
	started map[TestID]struct{}
	records []Record
	err     error
	ended   bool
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{started: make(map[TestID]struct{})}
}

// InvocationStarted starts over. A rescheduled run reuses its configuration,
// so results of the attempt that lost its device must not leak into it.
func (c *Collector) InvocationStarted(info build.Info) {
	c.mu.Lock()
	c.build = info
	c.started = make(map[TestID]struct{})
	c.records = nil
	c.err = nil
	c.ended = false
	c.mu.Unlock()
}

func (c *Collector) TestStarted(id TestID) {
	c.mu.Lock()
	c.started[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Collector) TestEnded(id TestID, res TestResult) {
	c.mu.Lock()
	delete(c.started, id)
	c.records = append(c.records, Record{ID: id, Result: res})
	c.mu.Unlock()
}

// InvocationEnded records tests that started but never ended as incomplete.
func (c *Collector) InvocationEnded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.started {
		c.records = append(c.records, Record{ID: id, Result: TestResult{Status: StatusIncomplete}})
	}
	c.started = make(map[TestID]struct{})
	c.err = err
	c.ended = true
}

// Build returns the build reported at invocation start.
func (c *Collector) Build() build.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.build
}

// Err returns the error the invocation ended with.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Records returns a copy of the collected results.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Counts returns passed and not-passed totals.
func (c *Collector) Counts() (passed, failed int) {
	for _, rec := range c.Records() {
		if rec.Result.Status == StatusPassed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Failed reports whether any test did not pass or the invocation errored.
func (c *Collector) Failed() bool {
	_, failed := c.Counts()
	return failed > 0 || c.Err() != nil
}

// FailureSummary renders a subject and body describing the failed tests.
func (c *Collector) FailureSummary(testName string) (subject, body string) {
	info := c.Build()
	name := strings.TrimSpace(testName)
	if name == "" {
		name = "test"
	}
	flavor := strings.TrimSpace(info.Flavor)
	if flavor == "" {
		flavor = "unknown flavor"
	}
	id := strings.TrimSpace(info.ID)
	if id == "" {
		id = "unknown"
	}
	subject = strings.TrimSpace(fmt.Sprintf("%s %s failed on %s @%s", info.Branch, name, flavor, id))

	var sb strings.Builder
	for _, rec := range c.Records() {
		if rec.Result.Status == StatusPassed {
			continue
		}
		fmt.Fprintf(&sb, "%s %s\n", rec.ID, rec.Result.Status.Describe())
		if trace := strings.TrimSpace(rec.Result.Trace); trace != "" {
			sb.WriteString("Stack trace:\n")
			sb.WriteString(trace)
			sb.WriteString("\n")
		}
	}
	passed, failed := c.Counts()
	fmt.Fprintf(&sb, "\n%d passed, %d failed\n", passed, failed)
	if err := c.Err(); err != nil {
		fmt.Fprintf(&sb, "Invocation error: %v\n", err)
	}
	return subject, sb.String()
}
