package argconfig

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/pkg/result"
)

type nopShell struct{}

func (nopShell) RunShell(ctx context.Context, serial string, args ...string) (string, error) {
	return "", nil
}

func TestCreateConfigurationFull(t *testing.T) {
	var names []string
	f := &Factory{
		Shell: nopShell{},
		Listeners: func(testName string) []result.Listener {
			names = append(names, testName)
			return []result.Listener{result.NewCollector()}
		},
	}
	cfg, err := f.CreateConfiguration([]string{
		"--loop", "--min-loop-time", "30s",
		"-s", "A", "--serial", "B", "--exclude-serial", "C", "--product-type", "husky",
		"--build-id", "42", "--build-branch", "main", "--build-flavor", "husky-userdebug",
		"--setup-cmd", "input keyevent 224", "--setup-cmd", "wm dismiss-keyguard",
		"--test-name", "com.example.Suite#testLaunch",
		"--test-cmd", "am instrument -w com.example/.Runner",
	})
	if err != nil {
		t.Fatalf("create configuration failed: %v", err)
	}
	if !cfg.Options.LoopMode || cfg.Options.MinLoopInterval != 30*time.Second {
		t.Fatalf("unexpected options %+v", cfg.Options)
	}
	if got := cfg.Selection.String(); !strings.Contains(got, "A") || !strings.Contains(got, "husky") {
		t.Fatalf("unexpected selection %s", got)
	}
	info, err := cfg.BuildProvider.GetBuild(context.Background())
	if err != nil || info.String() != "main husky-userdebug @42" {
		t.Fatalf("unexpected build %s (%v)", info, err)
	}
	prep, ok := cfg.TargetPreparer.(*adb.ShellPreparer)
	if !ok || len(prep.Commands) != 2 {
		t.Fatalf("unexpected preparer %#v", cfg.TargetPreparer)
	}
	test, ok := cfg.Test.(*adb.ShellTest)
	if !ok || strings.Join(test.Command, " ") != "am instrument -w com.example/.Runner" {
		t.Fatalf("unexpected test %#v", cfg.Test)
	}
	if test.TestID().String() != "com.example.Suite#testLaunch" {
		t.Fatalf("unexpected test id %s", test.TestID())
	}
	if len(cfg.Listeners) != 1 || len(names) != 1 || names[0] != "com.example.Suite#testLaunch" {
		t.Fatalf("listener factory not applied: %v", names)
	}
}

func TestCreateConfigurationTrailingCommand(t *testing.T) {
	f := &Factory{Shell: nopShell{}}
	cfg, err := f.CreateConfiguration([]string{"--", "am", "instrument", "-w", "com.example/.Runner"})
	if err != nil {
		t.Fatalf("create configuration failed: %v", err)
	}
	if cfg.Options.MinLoopInterval != defaultMinLoopTime || cfg.Name != defaultTestName {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if test := cfg.Test.(*adb.ShellTest); len(test.Command) != 4 {
		t.Fatalf("unexpected command %v", test.Command)
	}
	if cfg.TargetPreparer != nil {
		t.Fatalf("no setup commands means no preparer")
	}
}

func TestCreateConfigurationErrors(t *testing.T) {
	f := &Factory{Shell: nopShell{}}
	cases := [][]string{
		{"--bogus"},
		{},
		{"--test-cmd", "ls", "extra"},
		{"--min-loop-time", "-1s", "--test-cmd", "ls"},
		{"-s", "A", "--exclude-serial", "A", "--test-cmd", "ls"},
	}
	for _, args := range cases {
		if _, err := f.CreateConfiguration(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if _, err := (&Factory{}).CreateConfiguration([]string{"--test-cmd", "ls"}); err == nil {
		t.Fatalf("expected error without a device shell")
	}
	if _, err := (&Factory{}).CreateConfiguration([]string{"--dry-run", "--test-cmd", "ls"}); err != nil {
		t.Fatalf("dry run should not need a device shell: %v", err)
	}
}

func TestHelpModeAndPrintHelp(t *testing.T) {
	f := &Factory{}
	cfg, err := f.CreateConfiguration([]string{"--help", "--bogus-free"})
	if err == nil {
		t.Fatalf("unknown flags still fail parsing, got %+v", cfg)
	}
	cfg, err = f.CreateConfiguration([]string{"-h"})
	if err != nil || !cfg.Options.HelpMode {
		t.Fatalf("expected help mode, got %+v (%v)", cfg, err)
	}
	var out bytes.Buffer
	if err := f.PrintHelp(&out, nil); err != nil {
		t.Fatalf("print help failed: %v", err)
	}
	for _, flag := range []string{"--loop", "--min-loop-time", "--serial", "--test-cmd", "--setup-cmd"} {
		if !strings.Contains(out.String(), flag) {
			t.Fatalf("help output missing %s:\n%s", flag, out.String())
		}
	}
}
