package deviceagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/pkg/errors"
)

type stubFactory struct {
	mu        sync.Mutex
	creations int
	helps     int
	newConfig func(args []string) (*Configuration, error)
}

func (f *stubFactory) CreateConfiguration(args []string) (*Configuration, error) {
	f.mu.Lock()
	f.creations++
	f.mu.Unlock()
	if f.newConfig != nil {
		return f.newConfig(args)
	}
	return &Configuration{Name: "stub"}, nil
}

func (f *stubFactory) PrintHelp(w io.Writer, args []string) error {
	f.mu.Lock()
	f.helps++
	f.mu.Unlock()
	_, err := fmt.Fprintln(w, "usage: stub")
	return err
}

func (f *stubFactory) creationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creations
}

func (f *stubFactory) helpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.helps
}

func factoryWith(cfg Configuration) *stubFactory {
	return &stubFactory{newConfig: func(args []string) (*Configuration, error) {
		copied := cfg
		return &copied, nil
	}}
}

type invokeCall struct {
	serial      string
	config      *Configuration
	rescheduler Rescheduler
}

type stubInvocation struct {
	mu     sync.Mutex
	calls  []invokeCall
	fn     func(call invokeCall, n int) error
	called chan invokeCall
}

func newStubInvocation(fn func(call invokeCall, n int) error) *stubInvocation {
	return &stubInvocation{fn: fn, called: make(chan invokeCall, 16)}
}

func (s *stubInvocation) Invoke(ctx context.Context, dev device.Device, cfg *Configuration, rescheduler Rescheduler) error {
	call := invokeCall{serial: dev.Serial, config: cfg, rescheduler: rescheduler}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	n := len(s.calls)
	s.mu.Unlock()

	var err error
	if s.fn != nil {
		err = s.fn(call, n)
	}
	select {
	case s.called <- call:
	default:
	}
	return err
}

func (s *stubInvocation) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingCommandListener struct {
	mu     sync.Mutex
	events []string
	ended  chan error
}

func newRecordingCommandListener() *recordingCommandListener {
	return &recordingCommandListener{ended: make(chan error, 16)}
}

func (l *recordingCommandListener) CommandStarted(cmd *Command) {
	l.mu.Lock()
	l.events = append(l.events, "started")
	l.mu.Unlock()
}

func (l *recordingCommandListener) CommandEnded(cmd *Command, err error) {
	l.mu.Lock()
	l.events = append(l.events, "ended")
	l.mu.Unlock()
	l.ended <- err
}

func (l *recordingCommandListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func waitEnded(t *testing.T, l *recordingCommandListener) error {
	t.Helper()
	select {
	case err := <-l.ended:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for CommandEnded")
		return nil
	}
}

type memoryJournal struct {
	mu      sync.Mutex
	records []InvocationRecord
}

func (j *memoryJournal) RecordInvocation(ctx context.Context, rec InvocationRecord) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	return nil
}

func (j *memoryJournal) snapshot() []InvocationRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]InvocationRecord(nil), j.records...)
}

func newTestPool(serials ...string) *device.Pool {
	pool := device.NewPool(device.PoolOptions{})
	for _, serial := range serials {
		pool.AddDevice(serial, device.Meta{})
	}
	return pool
}

func poolState(t *testing.T, pool *device.Pool, serial string) device.State {
	t.Helper()
	for _, snap := range pool.Devices() {
		if snap.Serial == serial {
			return snap.State
		}
	}
	t.Fatalf("device %s not found in pool", serial)
	return ""
}

func newTestScheduler(t *testing.T, pool DevicePool, factory ConfigurationFactory, inv Invocation) *CommandScheduler {
	t.Helper()
	s, err := NewCommandScheduler(Config{
		Pool:          pool,
		ConfigFactory: factory,
		Invocation:    inv,
		PollInterval:  10 * time.Millisecond,
		HelpOutput:    &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("NewCommandScheduler: %v", err)
	}
	return s
}

func startScheduler(t *testing.T, s *CommandScheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown()
		_ = joinWithin(t, s, 2*time.Second)
	})
}

func joinWithin(t *testing.T, s *CommandScheduler, timeout time.Duration) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Join() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		t.Fatalf("scheduler did not terminate within %s", timeout)
		return nil
	}
}

func waitInvoke(t *testing.T, inv *stubInvocation) invokeCall {
	t.Helper()
	select {
	case call := <-inv.called:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for invocation")
		return invokeCall{}
	}
}

func waitCondition(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSchedulerRunEmpty(t *testing.T) {
	s := newTestScheduler(t, newTestPool(), &stubFactory{}, newStubInvocation(nil))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("expected running, got %s", s.State())
	}
	s.Shutdown()
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("expected clean join, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", s.State())
	}
}

func TestSchedulerShutdownBeforeStart(t *testing.T) {
	s := newTestScheduler(t, newTestPool(), &stubFactory{}, newStubInvocation(nil))
	s.Shutdown()
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("expected ErrSchedulerShutdown, got %v", err)
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	s := newTestScheduler(t, newTestPool(), &stubFactory{}, newStubInvocation(nil))
	startScheduler(t, s)
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerStarted) {
		t.Fatalf("expected ErrSchedulerStarted, got %v", err)
	}
}

func TestSchedulerHelpCommand(t *testing.T) {
	factory := factoryWith(Configuration{Options: CommandOptions{HelpMode: true}})
	inv := newStubInvocation(nil)
	out := &bytes.Buffer{}
	s, err := NewCommandScheduler(Config{Pool: newTestPool("A"), ConfigFactory: factory, Invocation: inv, HelpOutput: out})
	if err != nil {
		t.Fatalf("NewCommandScheduler: %v", err)
	}
	startScheduler(t, s)

	res, err := s.AddCommand([]string{"--help"}, nil)
	if err != nil || res != AddHelpPrinted {
		t.Fatalf("expected help printed, got %s (%v)", res, err)
	}
	if factory.helpCount() != 1 {
		t.Fatalf("expected help printed once, got %d", factory.helpCount())
	}
	if out.Len() == 0 {
		t.Fatalf("expected help text in output")
	}
	time.Sleep(50 * time.Millisecond)
	if inv.count() != 0 || s.PendingCount() != 0 {
		t.Fatalf("help command must not run or queue: calls=%d pending=%d", inv.count(), s.PendingCount())
	}
}

func TestSchedulerDryRun(t *testing.T) {
	factory := factoryWith(Configuration{Options: CommandOptions{DryRun: true}})
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool("A"), factory, inv)
	startScheduler(t, s)

	res, err := s.AddCommand([]string{"--dry-run"}, nil)
	if err != nil || res != AddDryRun {
		t.Fatalf("expected dry run, got %s (%v)", res, err)
	}
	time.Sleep(50 * time.Millisecond)
	if inv.count() != 0 || s.PendingCount() != 0 {
		t.Fatalf("dry run must not run or queue: calls=%d pending=%d", inv.count(), s.PendingCount())
	}
}

func TestSchedulerConfigurationError(t *testing.T) {
	factory := &stubFactory{newConfig: func(args []string) (*Configuration, error) {
		return nil, errors.New("unknown flag --bogus")
	}}
	s := newTestScheduler(t, newTestPool("A"), factory, newStubInvocation(nil))

	res, err := s.AddCommand([]string{"--bogus"}, nil)
	if res != AddRejected {
		t.Fatalf("expected rejected, got %s", res)
	}
	if !IsConfigurationError(err) || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("rejected command must not be queued")
	}
}

func TestSchedulerRunOneConfig(t *testing.T) {
	pool := newTestPool("A", "B")
	inv := newStubInvocation(nil)
	listener := newRecordingCommandListener()
	journal := &memoryJournal{}
	s, err := NewCommandScheduler(Config{
		Pool:          pool,
		ConfigFactory: &stubFactory{},
		Invocation:    inv,
		PollInterval:  10 * time.Millisecond,
		Journal:       journal,
	})
	if err != nil {
		t.Fatalf("NewCommandScheduler: %v", err)
	}

	if res, err := s.AddCommand([]string{"run"}, listener); err != nil || res != AddQueued {
		t.Fatalf("expected queued, got %s (%v)", res, err)
	}
	startScheduler(t, s)

	call := waitInvoke(t, inv)
	if call.serial != "A" {
		t.Fatalf("expected first available device A, got %s", call.serial)
	}
	select {
	case err := <-listener.ended:
		if err != nil {
			t.Fatalf("unexpected command error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for command end")
	}
	waitCondition(t, "device A freed", func() bool { return poolState(t, pool, "A") == device.StateAvailable })
	if got := poolState(t, pool, "B"); got != device.StateAvailable {
		t.Fatalf("device B should stay available, got %s", got)
	}
	if inv.count() != 1 {
		t.Fatalf("expected exactly one invocation, got %d", inv.count())
	}
	listener.mu.Lock()
	events := fmt.Sprint(listener.events)
	listener.mu.Unlock()
	if events != "[started ended]" {
		t.Fatalf("unexpected listener events %s", events)
	}
	waitCondition(t, "journal record", func() bool { return len(journal.snapshot()) == 1 })
	rec := journal.snapshot()[0]
	if rec.DeviceSerial != "A" || rec.Outcome != "success" || rec.Attempt != 1 || rec.InvocationID == "" {
		t.Fatalf("unexpected journal record %+v", rec)
	}
}

func TestSchedulerLoopMode(t *testing.T) {
	factory := factoryWith(Configuration{Options: CommandOptions{LoopMode: true}})
	var s *CommandScheduler
	inv := newStubInvocation(func(call invokeCall, n int) error {
		if n == 2 {
			s.Shutdown()
		}
		return nil
	})
	s = newTestScheduler(t, newTestPool("A"), factory, inv)
	if _, err := s.AddCommand([]string{"loop"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := joinWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}

	if inv.count() != 2 {
		t.Fatalf("expected 2 loop runs, got %d", inv.count())
	}
	// one configuration at submission plus one for the requeue after run 1
	if got := factory.creationCount(); got != 2 {
		t.Fatalf("expected 2 configuration creations, got %d", got)
	}
	first, second := inv.calls[0].config, inv.calls[1].config
	if first == second {
		t.Fatalf("each loop run must get a fresh configuration")
	}
}

func TestSchedulerLoopModeListenerPairs(t *testing.T) {
	const runs = 5
	factory := factoryWith(Configuration{Options: CommandOptions{LoopMode: true}})
	var s *CommandScheduler
	inv := newStubInvocation(func(call invokeCall, n int) error {
		if n == runs {
			s.Shutdown()
		}
		if n == 2 {
			return errors.New("ordinary test failure")
		}
		return nil
	})
	s = newTestScheduler(t, newTestPool("A", "B"), factory, inv)
	listener := newRecordingCommandListener()
	if _, err := s.AddCommand([]string{"loop"}, listener); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := joinWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}

	if got := inv.count(); got != runs {
		t.Fatalf("expected %d loop runs, including one after a failure, got %d", runs, got)
	}
	events := listener.snapshot()
	if len(events) != 2*runs {
		t.Fatalf("expected %d listener events, got %v", 2*runs, events)
	}
	for i, ev := range events {
		want := "started"
		if i%2 == 1 {
			want = "ended"
		}
		if ev != want {
			t.Fatalf("event %d: expected %s, got %v", i, want, events)
		}
	}
	if got := factory.creationCount(); got != runs {
		t.Fatalf("expected one configuration per run, got %d", got)
	}
}

func TestSchedulerLoopHonorsMinInterval(t *testing.T) {
	factory := factoryWith(Configuration{Options: CommandOptions{LoopMode: true, MinLoopInterval: 150 * time.Millisecond}})
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool("A"), factory, inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"loop"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}

	waitInvoke(t, inv)
	start := time.Now()
	waitInvoke(t, inv)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("loop rerun came too early: %s", elapsed)
	}
}

func TestSchedulerFatalErrorShutsDown(t *testing.T) {
	pool := newTestPool("A")
	inv := newStubInvocation(func(call invokeCall, n int) error {
		return NewFatalHostError(errors.New("adb server gone"))
	})
	s := newTestScheduler(t, pool, &stubFactory{}, inv)
	listener := newRecordingCommandListener()
	if _, err := s.AddCommand([]string{"first"}, listener); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if _, err := s.AddCommand([]string{"second"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := joinWithin(t, s, 2*time.Second)
	if !IsFatalHostError(err) {
		t.Fatalf("expected fatal host error from Join, got %v", err)
	}
	if inv.count() != 1 {
		t.Fatalf("expected no dispatch after fatal error, got %d calls", inv.count())
	}
	if got := poolState(t, pool, "A"); got != device.StateAvailable {
		t.Fatalf("device should be freed after fatal error, got %s", got)
	}
	if ended := <-listener.ended; !IsFatalHostError(ended) {
		t.Fatalf("listener should see fatal error, got %v", ended)
	}
	if events := fmt.Sprint(listener.snapshot()); events != "[started ended]" {
		t.Fatalf("unexpected listener events %s", events)
	}
	if _, err := s.AddCommand([]string{"late"}, nil); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("expected ErrSchedulerShutdown after fatal error, got %v", err)
	}
}

func TestSchedulerFatalErrorWithConcurrentRuns(t *testing.T) {
	pool := newTestPool("A", "B")
	bothRunning := make(chan struct{})
	inv := newStubInvocation(func(call invokeCall, n int) error {
		if n == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
		case <-time.After(2 * time.Second):
		}
		return NewFatalHostError(errors.New("adb server gone"))
	})
	s := newTestScheduler(t, pool, &stubFactory{}, inv)
	listener := newRecordingCommandListener()
	for _, name := range []string{"first", "second", "third"} {
		if _, err := s.AddCommand([]string{name}, listener); err != nil {
			t.Fatalf("AddCommand %s: %v", name, err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := joinWithin(t, s, 3*time.Second); !IsFatalHostError(err) {
		t.Fatalf("expected fatal host error from Join, got %v", err)
	}
	if got := inv.count(); got != 2 {
		t.Fatalf("expected the two in-flight runs only, got %d calls", got)
	}
	events := listener.snapshot()
	started, ended := 0, 0
	for _, ev := range events {
		switch ev {
		case "started":
			started++
		case "ended":
			ended++
		}
	}
	if started != 2 || ended != 2 {
		t.Fatalf("expected 2 started/ended pairs, got %v", events)
	}
	for _, serial := range []string{"A", "B"} {
		if got := poolState(t, pool, serial); got != device.StateAvailable {
			t.Fatalf("device %s should be freed after fatal error, got %s", serial, got)
		}
	}
	if s.PendingCount() != 0 {
		t.Fatalf("queued command should be dropped, got %d pending", s.PendingCount())
	}
}

func TestSchedulerIncludeSerial(t *testing.T) {
	var sel device.SelectionOptions
	sel.AddSerial("B")
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool("A", "B"), factoryWith(Configuration{Selection: sel}), inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"-s", "B"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if call := waitInvoke(t, inv); call.serial != "B" {
		t.Fatalf("expected device B, got %s", call.serial)
	}
}

func TestSchedulerExcludeSerial(t *testing.T) {
	var sel device.SelectionOptions
	sel.AddExcludeSerial("A")
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool("A", "B"), factoryWith(Configuration{Selection: sel}), inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"--exclude-serial", "A"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if call := waitInvoke(t, inv); call.serial != "B" {
		t.Fatalf("expected device B, got %s", call.serial)
	}
}

func TestSchedulerRescheduled(t *testing.T) {
	pool := newTestPool("A", "B")
	inv := newStubInvocation(func(call invokeCall, n int) error {
		if n == 1 {
			if !call.rescheduler.ScheduleConfig(call.config) {
				return errors.New("reschedule rejected")
			}
			if call.rescheduler.ScheduleConfig(call.config) {
				return errors.New("second reschedule accepted")
			}
			return NewDeviceNotAvailableError(call.serial, errors.New("device went away"))
		}
		return nil
	})
	listener := newRecordingCommandListener()
	s := newTestScheduler(t, pool, &stubFactory{}, inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"resched"}, listener); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}

	first := waitInvoke(t, inv)
	second := waitInvoke(t, inv)
	if first.serial != "A" || second.serial != "B" {
		t.Fatalf("expected A then B, got %s then %s", first.serial, second.serial)
	}
	if first.config != second.config {
		t.Fatalf("rescheduled run should reuse the handed-back configuration")
	}
	// the replacement may finish before the lost run reports, so match outcomes
	// without assuming their order
	lost, passed := 0, 0
	for i := 0; i < 2; i++ {
		switch err := waitEnded(t, listener); {
		case IsDeviceNotAvailable(err):
			lost++
		case err == nil:
			passed++
		default:
			t.Fatalf("unexpected CommandEnded error %v", err)
		}
	}
	if lost != 1 || passed != 1 {
		t.Fatalf("expected one lost and one passing run, got lost=%d passed=%d", lost, passed)
	}
	events := listener.snapshot()
	if len(events) != 4 || events[0] != "started" {
		t.Fatalf("expected one started/ended pair per dispatch, got %v", events)
	}
	started := 0
	for _, ev := range events {
		if ev == "started" {
			started++
		}
	}
	if started != 2 {
		t.Fatalf("expected two CommandStarted calls, got %v", events)
	}
	if got := poolState(t, pool, "A"); got != device.StateUnavailable {
		t.Fatalf("lost device should be unavailable, got %s", got)
	}
	time.Sleep(50 * time.Millisecond)
	if inv.count() != 2 {
		t.Fatalf("expected exactly one rescheduled run, got %d calls", inv.count())
	}
}

func TestSchedulerShutdownWithNoDevices(t *testing.T) {
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool(), &stubFactory{}, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.AddCommand([]string{"waits"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	s.Shutdown()
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if inv.count() != 0 || s.PendingCount() != 0 {
		t.Fatalf("expected dropped command: calls=%d pending=%d", inv.count(), s.PendingCount())
	}
}

type listedDevices []string

func (l listedDevices) ListDevices(ctx context.Context) ([]string, error) {
	return append([]string(nil), l...), nil
}

func TestSchedulerShutdownWhileRefreshFetchesMeta(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	pool := device.NewPool(device.PoolOptions{
		Provider: listedDevices{"B"},
		FetchMeta: func(serial string) device.Meta {
			entered <- struct{}{}
			<-release
			return device.Meta{}
		},
	})
	go func() { _ = pool.Refresh(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh never fetched meta")
	}

	var sel device.SelectionOptions
	sel.AddSerial("B")
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, pool, factoryWith(Configuration{Selection: sel}), inv)
	if _, err := s.AddCommand([]string{"-s", "B"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Shutdown blocked while the pool fetched device meta")
	}
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if inv.count() != 0 {
		t.Fatalf("command must not run on a device still being refreshed")
	}
}

func TestSchedulerPendingWithoutMatchingDevice(t *testing.T) {
	var sel device.SelectionOptions
	sel.AddSerial("missing")
	inv := newStubInvocation(nil)
	s := newTestScheduler(t, newTestPool("A"), factoryWith(Configuration{Selection: sel}), inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"-s", "missing"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if inv.count() != 0 {
		t.Fatalf("command must not run without a matching device")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("expected command to stay pending, got %d", s.PendingCount())
	}
}

func TestSchedulerSerialPinnedToAllocatedDevice(t *testing.T) {
	release := make(chan struct{})
	inv := newStubInvocation(func(call invokeCall, n int) error {
		if n == 1 {
			<-release
		}
		return nil
	})
	var sel device.SelectionOptions
	sel.AddSerial("A")
	s := newTestScheduler(t, newTestPool("A", "B"), factoryWith(Configuration{Selection: sel}), inv)
	startScheduler(t, s)

	if _, err := s.AddCommand([]string{"first"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	waitCondition(t, "first command running", func() bool { return s.RunningCount() == 1 })
	if _, err := s.AddCommand([]string{"second"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if inv.count() != 1 || s.PendingCount() != 1 {
		t.Fatalf("second command must wait for device A: calls=%d pending=%d", inv.count(), s.PendingCount())
	}

	close(release)
	waitInvoke(t, inv)
	if call := waitInvoke(t, inv); call.serial != "A" {
		t.Fatalf("expected second command on A, got %s", call.serial)
	}
}

func TestSchedulerRecoversInvocationPanic(t *testing.T) {
	pool := newTestPool("A")
	inv := newStubInvocation(func(call invokeCall, n int) error {
		panic("boom")
	})
	listener := newRecordingCommandListener()
	s := newTestScheduler(t, pool, &stubFactory{}, inv)
	startScheduler(t, s)
	if _, err := s.AddCommand([]string{"panics"}, listener); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}

	select {
	case err := <-listener.ended:
		if err == nil {
			t.Fatalf("expected panic converted to error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for command end")
	}
	waitCondition(t, "device freed", func() bool { return poolState(t, pool, "A") == device.StateAvailable })
	if s.State() != StateRunning {
		t.Fatalf("panic must not stop the scheduler, got %s", s.State())
	}
}

func TestSchedulerContextCancelShutsDown(t *testing.T) {
	s := newTestScheduler(t, newTestPool(), &stubFactory{}, newStubInvocation(nil))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
}

type contextRecordingInvocation struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (c *contextRecordingInvocation) Invoke(ctx context.Context, dev device.Device, cfg *Configuration, rescheduler Rescheduler) error {
	close(c.entered)
	<-c.release
	c.ctxErr <- ctx.Err()
	return nil
}

func TestSchedulerCancelLetsInvocationFinish(t *testing.T) {
	inv := &contextRecordingInvocation{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	s := newTestScheduler(t, newTestPool("A"), &stubFactory{}, inv)
	listener := newRecordingCommandListener()
	if _, err := s.AddCommand([]string{"long"}, listener); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-inv.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("invocation never started")
	}

	cancel()
	waitCondition(t, "shutting down", func() bool { return s.State() == StateShuttingDown })
	close(inv.release)
	if err := <-inv.ctxErr; err != nil {
		t.Fatalf("in-flight invocation context should not be cancelled, got %v", err)
	}
	if err := joinWithin(t, s, time.Second); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := waitEnded(t, listener); err != nil {
		t.Fatalf("invocation should end normally, got %v", err)
	}
}

func TestSchedulerIdle(t *testing.T) {
	release := make(chan struct{})
	inv := newStubInvocation(func(call invokeCall, n int) error {
		<-release
		return nil
	})
	s := newTestScheduler(t, newTestPool("A"), &stubFactory{}, inv)
	if !s.Idle() {
		t.Fatalf("new scheduler should be idle")
	}
	if _, err := s.AddCommand([]string{"one"}, nil); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if s.Idle() {
		t.Fatalf("queued command means not idle")
	}
	startScheduler(t, s)
	waitCondition(t, "command running", func() bool { return s.RunningCount() == 1 })
	if s.Idle() {
		t.Fatalf("running command means not idle")
	}
	close(release)
	waitCondition(t, "scheduler idle", s.Idle)
}
