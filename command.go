package deviceagent

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/pkg/build"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/httprunner/DeviceAgent/pkg/result"
)

// CommandOptions control how the scheduler treats a command.
type CommandOptions struct {
	HelpMode        bool
	DryRun          bool
	LoopMode        bool
	MinLoopInterval time.Duration
}

// TargetPreparer sets the device up for the build before the test runs.
// It returns a TargetSetupError when preparation fails and a
// DeviceNotAvailableError when the device goes away.
type TargetPreparer interface {
	SetUp(ctx context.Context, dev device.Device, info build.Info) error
}

// RemoteTest runs on a device and reports results to listener as they happen.
type RemoteTest interface {
	Run(ctx context.Context, dev device.Device, listener result.Listener) error
}

// Configuration is everything one run of a command needs. The factory
// creates a fresh one for every queue entry.
type Configuration struct {
	Name           string
	Options        CommandOptions
	Selection      device.SelectionOptions
	BuildProvider  build.Provider
	TargetPreparer TargetPreparer
	Test           RemoteTest
	Listeners      []result.Listener
}

// ConfigurationFactory turns an argument vector into a Configuration.
type ConfigurationFactory interface {
	CreateConfiguration(args []string) (*Configuration, error)
	PrintHelp(w io.Writer, args []string) error
}

// CommandListener observes dispatches. Each real dispatch produces exactly
// one CommandStarted followed by one CommandEnded.
type CommandListener interface {
	CommandStarted(cmd *Command)
	CommandEnded(cmd *Command, err error)
}

// AddResult tells the submitter what AddCommand did with the command.
type AddResult int

const (
	AddRejected AddResult = iota
	AddQueued
	AddHelpPrinted
	AddDryRun
)

func (r AddResult) String() string {
	switch r {
	case AddQueued:
		return "queued"
	case AddHelpPrinted:
		return "help"
	case AddDryRun:
		return "dry-run"
	default:
		return "rejected"
	}
}

// Command is a submitted argument vector plus what the scheduler tracks
// about it between runs.
type Command struct {
	ID        string
	Args      []string
	Options   CommandOptions
	Selection device.SelectionOptions
	Listener  CommandListener
	CreatedAt time.Time

	mu           sync.Mutex
	lastRunStart time.Time
	execCount    int
}

// ExecCount returns how many times the command has been dispatched.
func (c *Command) ExecCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execCount
}

// LastRunStart returns the start time of the latest dispatch.
func (c *Command) LastRunStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunStart
}

// String renders the command for logs.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return "<empty>"
	}
	return strings.Join(c.Args, " ")
}

func (c *Command) markStarted(at time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRunStart = at
	c.execCount++
	return c.execCount
}

// nextLoopAt is the earliest time a loop-mode command may run again.
func (c *Command) nextLoopAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunStart.Add(c.Options.MinLoopInterval)
}

type noopCommandListener struct{}

func (noopCommandListener) CommandStarted(*Command) {}
func (noopCommandListener) CommandEnded(*Command, error) {}
