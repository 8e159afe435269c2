// Package argconfig builds command configurations from CLI style argument
// vectors such as "--loop -s emulator-5554 --test-cmd 'am instrument ...'".
package argconfig

import (
	"fmt"
	"io"
	"strings"
	"time"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/pkg/build"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/httprunner/DeviceAgent/pkg/result"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	defaultMinLoopTime = 10 * time.Minute
	defaultTestName    = "shell-test"
)

// ListenerFactory returns the result listeners for one new configuration.
type ListenerFactory func(testName string) []result.Listener

// Factory implements deviceagent.ConfigurationFactory on top of pflag.
type Factory struct {
	Shell     adb.Shell
	Listeners ListenerFactory
}

type commandFlags struct {
	help        bool
	dryRun      bool
	loop        bool
	minLoopTime time.Duration

	serials        []string
	excludeSerials []string
	productTypes   []string

	buildID     string
	buildBranch string
	buildFlavor string

	setupCmds []string
	testCmd   string
	testName  string
}

func newFlagSet(values *commandFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("command", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.BoolVarP(&values.help, "help", "h", false, "Print command help instead of running it")
	fs.BoolVar(&values.dryRun, "dry-run", false, "Validate the command without queueing it")
	fs.BoolVar(&values.loop, "loop", false, "Run the command repeatedly until the agent stops")
	fs.DurationVar(&values.minLoopTime, "min-loop-time", defaultMinLoopTime, "Minimum time between loop run starts")

	fs.StringArrayVarP(&values.serials, "serial", "s", nil, "Run only on this device serial (repeatable)")
	fs.StringArrayVar(&values.excludeSerials, "exclude-serial", nil, "Never run on this device serial (repeatable)")
	fs.StringArrayVar(&values.productTypes, "product-type", nil, "Run only on this product type, e.g. husky (repeatable)")

	fs.StringVar(&values.buildID, "build-id", "", "Build id under test")
	fs.StringVar(&values.buildBranch, "build-branch", "", "Build branch under test")
	fs.StringVar(&values.buildFlavor, "build-flavor", "", "Build flavor under test")

	fs.StringArrayVar(&values.setupCmds, "setup-cmd", nil, "Shell command run on the device before the test (repeatable)")
	fs.StringVar(&values.testCmd, "test-cmd", "", "Shell command executed as the test; trailing arguments are used when empty")
	fs.StringVar(&values.testName, "test-name", defaultTestName, "Reported test name, class or class#method")
	return fs
}

// CreateConfiguration parses args into a fresh Configuration.
func (f *Factory) CreateConfiguration(args []string) (*deviceagent.Configuration, error) {
	var values commandFlags
	fs := newFlagSet(&values)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse command arguments")
	}

	cfg := &deviceagent.Configuration{
		Name: strings.TrimSpace(values.testName),
		Options: deviceagent.CommandOptions{
			HelpMode:        values.help,
			DryRun:          values.dryRun,
			LoopMode:        values.loop,
			MinLoopInterval: values.minLoopTime,
		},
	}
	if values.help {
		return cfg, nil
	}
	if values.minLoopTime < 0 {
		return nil, errors.Errorf("--min-loop-time must not be negative, got %s", values.minLoopTime)
	}

	for _, serial := range values.serials {
		cfg.Selection.AddSerial(serial)
	}
	for _, serial := range values.excludeSerials {
		cfg.Selection.AddExcludeSerial(serial)
	}
	for _, product := range values.productTypes {
		if product = strings.TrimSpace(product); product != "" {
			cfg.Selection.ProductTypes = append(cfg.Selection.ProductTypes, product)
		}
	}
	if overlap := overlapping(cfg.Selection); overlap != "" {
		return nil, errors.Errorf("serial %s is both included and excluded", overlap)
	}

	testArgs := strings.Fields(values.testCmd)
	if len(testArgs) == 0 {
		testArgs = fs.Args()
	} else if len(fs.Args()) > 0 {
		return nil, errors.Errorf("unexpected arguments %q with --test-cmd", fs.Args())
	}
	if len(testArgs) == 0 {
		return nil, errors.New("no test command: pass --test-cmd or trailing arguments")
	}
	if f.Shell == nil && !values.dryRun {
		return nil, errors.New("no device shell configured")
	}

	cfg.BuildProvider = build.Static{
		ID:         strings.TrimSpace(values.buildID),
		Branch:     strings.TrimSpace(values.buildBranch),
		Flavor:     strings.TrimSpace(values.buildFlavor),
		TestTarget: cfg.Name,
	}
	if len(values.setupCmds) > 0 {
		cfg.TargetPreparer = &adb.ShellPreparer{Shell: f.Shell, Commands: values.setupCmds}
	}
	cfg.Test = &adb.ShellTest{Shell: f.Shell, Name: cfg.Name, Command: testArgs}
	if f.Listeners != nil {
		cfg.Listeners = f.Listeners(cfg.Name)
	}
	return cfg, nil
}

// PrintHelp writes the flag reference to w.
func (f *Factory) PrintHelp(w io.Writer, args []string) error {
	var values commandFlags
	fs := newFlagSet(&values)
	if _, err := fmt.Fprintf(w, "Usage: [flags] [--] <test command>\n\nFlags:\n%s", fs.FlagUsages()); err != nil {
		return errors.Wrap(err, "write command help")
	}
	return nil
}

func overlapping(sel device.SelectionOptions) string {
	for _, inc := range sel.Serials {
		for _, exc := range sel.ExcludeSerials {
			if inc == exc {
				return inc
			}
		}
	}
	return ""
}
