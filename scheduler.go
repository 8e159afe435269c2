package deviceagent

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/pkg/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultPollInterval = time.Second

// SchedulerState is the lifecycle state of a CommandScheduler.
type SchedulerState int

const (
	StateIdle SchedulerState = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// InvocationRecord describes one finished dispatch for the journal.
type InvocationRecord struct {
	InvocationID string
	CommandID    string
	Args         []string
	DeviceSerial string
	Attempt      int
	Rescheduled  bool
	StartAt      time.Time
	EndAt        time.Time
	Outcome      string
	ErrorMessage string
}

// InvocationJournal persists finished dispatches.
type InvocationJournal interface {
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
}

// Config controls CommandScheduler behavior. Pool and ConfigFactory are
// required; the rest have defaults.
type Config struct {
	Pool          DevicePool
	ConfigFactory ConfigurationFactory
	Invocation    Invocation
	PollInterval  time.Duration
	HelpOutput    io.Writer
	Journal       InvocationJournal
}

// CommandScheduler pairs queued commands with free devices and runs each
// pairing on its own worker goroutine.
type CommandScheduler struct {
	cfg        Config
	pool       DevicePool
	factory    ConfigurationFactory
	invocation Invocation
	journal    InvocationJournal
	queue      *commandQueue

	mu          sync.Mutex
	state       SchedulerState
	fatalErr    error
	running     int
	dispatching bool

	wake         chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once
	workers      sync.WaitGroup
}

// NewCommandScheduler builds an idle scheduler.
func NewCommandScheduler(cfg Config) (*CommandScheduler, error) {
	if cfg.Pool == nil {
		return nil, errors.New("device pool cannot be nil")
	}
	if cfg.ConfigFactory == nil {
		return nil, errors.New("configuration factory cannot be nil")
	}
	if cfg.Invocation == nil {
		cfg.Invocation = TestInvocation{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Duration(config.EnvPollInterval, defaultPollInterval)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HelpOutput == nil {
		cfg.HelpOutput = os.Stdout
	}

	s := &CommandScheduler{
		cfg:        cfg,
		pool:       cfg.Pool,
		factory:    cfg.ConfigFactory,
		invocation: cfg.Invocation,
		journal:    cfg.Journal,
		state:      StateIdle,
		wake:       make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.queue = newCommandQueue(s.signal)
	return s, nil
}

// AddCommand turns args into a command and queues it. Help and dry-run
// commands are handled synchronously and never queued.
func (s *CommandScheduler) AddCommand(args []string, listener CommandListener) (AddResult, error) {
	if !s.accepting() {
		return AddRejected, ErrSchedulerShutdown
	}
	cfg, err := s.factory.CreateConfiguration(args)
	if err != nil {
		log.Error().Err(err).Strs("args", args).Msg("reject command with invalid arguments")
		return AddRejected, NewConfigurationError(args, err)
	}
	if cfg == nil {
		return AddRejected, NewConfigurationError(args, errors.New("factory returned no configuration"))
	}
	opts := cfg.Options

	if opts.HelpMode {
		if err := s.factory.PrintHelp(s.cfg.HelpOutput, args); err != nil {
			return AddRejected, errors.Wrap(err, "print command help failed")
		}
		return AddHelpPrinted, nil
	}
	if opts.DryRun {
		matchable := s.pool.CanMatch(cfg.Selection)
		event := log.Info()
		if !matchable {
			event = log.Warn()
		}
		event.Strs("args", args).
			Str("selection", cfg.Selection.String()).
			Bool("matchable", matchable).
			Msg("dry run: command validated, not queued")
		return AddDryRun, nil
	}

	if listener == nil {
		listener = noopCommandListener{}
	}
	now := time.Now()
	cmd := &Command{
		ID:        uuid.NewString(),
		Args:      append([]string(nil), args...),
		Options:   opts,
		Selection: cfg.Selection,
		Listener:  listener,
		CreatedAt: now,
	}
	if !s.queue.enqueue(&queueEntry{cmd: cmd, config: cfg}) {
		return AddRejected, ErrSchedulerShutdown
	}
	log.Info().
		Str("command_id", cmd.ID).
		Str("command", cmd.String()).
		Str("selection", cfg.Selection.String()).
		Bool("loop", opts.LoopMode).
		Msg("command queued")
	return AddQueued, nil
}

// Start launches the dispatch loop. Cancelling ctx has the same effect as
// Shutdown. Invocations get ctx's values but not its cancellation, so they
// run to completion.
func (s *CommandScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateRunning
	case StateRunning:
		s.mu.Unlock()
		return ErrSchedulerStarted
	default:
		s.mu.Unlock()
		return ErrSchedulerShutdown
	}
	s.mu.Unlock()

	log.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("start command scheduler")
	go s.run(ctx)
	return nil
}

// Shutdown stops dispatching new commands. In-flight invocations run to
// completion; pending commands are dropped.
func (s *CommandScheduler) Shutdown() {
	s.beginShutdown("shutdown requested")
}

// Join blocks until the dispatch loop and every worker have exited. It
// returns the fatal host error that forced shutdown, if any.
func (s *CommandScheduler) Join() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Done is closed once the scheduler reaches StateTerminated.
func (s *CommandScheduler) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *CommandScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCount returns the number of queued runs, including loop-mode runs
// still waiting for their interval.
func (s *CommandScheduler) PendingCount() int {
	return s.queue.len()
}

// RunningCount returns the number of in-flight invocations.
func (s *CommandScheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Idle reports whether nothing is queued, dispatching or running.
func (s *CommandScheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running == 0 && !s.dispatching && s.queue.len() == 0
}

func (s *CommandScheduler) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle || s.state == StateRunning
}

func (s *CommandScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CommandScheduler) beginShutdown(reason string) {
	s.mu.Lock()
	prev := s.state
	if prev == StateShuttingDown || prev == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateShuttingDown
	s.mu.Unlock()

	dropped := s.queue.close()
	log.Info().Str("reason", reason).Int("dropped_commands", dropped).Msg("command scheduler shutting down")
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	if prev == StateIdle {
		// the loop was never started, nothing else will terminate us
		s.terminate()
	}
}

// fail records the first fatal host error and forces shutdown.
func (s *CommandScheduler) fail(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.beginShutdown("fatal host error")
}

func (s *CommandScheduler) terminate() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		close(s.done)
		log.Info().Msg("command scheduler terminated")
	})
}

func (s *CommandScheduler) run(ctx context.Context) {
	defer s.terminate()
	invokeCtx := context.WithoutCancel(ctx)

	for s.accepting() {
		s.mu.Lock()
		s.dispatching = true
		s.mu.Unlock()

		entry, dev, ok := s.queue.tryDequeueMatching(s.pool)
		if ok {
			s.dispatch(invokeCtx, entry, dev)
			continue
		}
		s.mu.Lock()
		s.dispatching = false
		s.mu.Unlock()

		wait := s.cfg.PollInterval
		if next := s.queue.nextReadyIn(); next > 0 && next < wait {
			wait = next
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.beginShutdown("context cancelled")
		case <-s.shutdownCh:
			timer.Stop()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}

	s.workers.Wait()
}

func (s *CommandScheduler) dispatch(ctx context.Context, entry *queueEntry, dev device.Device) {
	s.mu.Lock()
	s.dispatching = false
	if s.state != StateRunning {
		s.mu.Unlock()
		s.pool.Free(dev, device.FreeAvailable)
		log.Info().Str("command_id", entry.cmd.ID).Msg("scheduler stopped before dispatch, command dropped")
		return
	}
	s.running++
	s.workers.Add(1)
	s.mu.Unlock()

	go s.runWorker(ctx, entry, dev)
}

func (s *CommandScheduler) runWorker(ctx context.Context, entry *queueEntry, dev device.Device) {
	defer s.workers.Done()
	defer s.signal()
	// a loop requeue lands before running drops, so Idle never sees a gap
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	cmd := entry.cmd
	startAt := time.Now()
	attempt := cmd.markStarted(startAt)
	invocationID := uuid.NewString()
	rescheduler := newCommandRescheduler(cmd, s.queue)
	logger := log.With().
		Str("command_id", cmd.ID).
		Str("invocation_id", invocationID).
		Str("serial", dev.Serial).
		Int("attempt", attempt).
		Logger()

	logger.Info().Bool("rescheduled", entry.rescheduled).Msg("dispatch command to device")
	cmd.Listener.CommandStarted(cmd)

	err := invokeSafely("invocation "+invocationID, func() error {
		return s.invocation.Invoke(ctx, dev, entry.config, rescheduler)
	})
	if IsFatalHostError(err) {
		s.fail(err)
	}

	freeState := device.FreeAvailable
	if IsDeviceNotAvailable(err) {
		freeState = device.FreeUnavailable
	}
	s.pool.Free(dev, freeState)
	cmd.Listener.CommandEnded(cmd, err)

	endAt := time.Now()

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.Str("outcome", errorKind(err)).
		Dur("elapsed", endAt.Sub(startAt)).
		Msg("invocation finished")

	s.record(InvocationRecord{
		InvocationID: invocationID,
		CommandID:    cmd.ID,
		Args:         cmd.Args,
		DeviceSerial: dev.Serial,
		Attempt:      attempt,
		Rescheduled:  rescheduler.rescheduled(),
		StartAt:      startAt,
		EndAt:        endAt,
		Outcome:      errorKind(err),
		ErrorMessage: errString(err),
	})

	if cmd.Options.LoopMode && !IsFatalHostError(err) && !rescheduler.rescheduled() {
		s.requeueLoop(cmd)
	}
}

// requeueLoop queues the next run of a loop-mode command with a fresh
// configuration, no earlier than its minimum loop interval.
func (s *CommandScheduler) requeueLoop(cmd *Command) {
	if !s.accepting() {
		return
	}
	cfg, err := s.factory.CreateConfiguration(cmd.Args)
	if err != nil || cfg == nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("recreate loop command configuration failed, dropping command")
		return
	}
	readyAt := cmd.nextLoopAt()
	if !s.queue.enqueue(&queueEntry{cmd: cmd, config: cfg, readyAt: readyAt}) {
		return
	}
	log.Debug().Str("command_id", cmd.ID).Time("ready_at", readyAt).Msg("loop command requeued")
}

func (s *CommandScheduler) record(rec InvocationRecord) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordInvocation(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("invocation_id", rec.InvocationID).Msg("record invocation failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
