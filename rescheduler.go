package deviceagent

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Rescheduler lets a running invocation hand one replacement configuration
// back to the scheduler, typically after losing its device.
type Rescheduler interface {
	// ScheduleConfig queues cfg as a new run of the current command. It
	// reports false when the scheduler is shutting down or a replacement was
	// already queued by this invocation.
	ScheduleConfig(cfg *Configuration) bool
}

// commandRescheduler is bound to a single dispatch of one command.
type commandRescheduler struct {
	cmd   *Command
	queue *commandQueue

	mu   sync.Mutex
	used bool
}

func newCommandRescheduler(cmd *Command, queue *commandQueue) *commandRescheduler {
	return &commandRescheduler{cmd: cmd, queue: queue}
}

func (r *commandRescheduler) ScheduleConfig(cfg *Configuration) bool {
	if cfg == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		log.Warn().Str("command_id", r.cmd.ID).Msg("ignore second reschedule request from invocation")
		return false
	}
	if !r.queue.enqueue(&queueEntry{cmd: r.cmd, config: cfg, rescheduled: true}) {
		log.Warn().Str("command_id", r.cmd.ID).Msg("scheduler shutting down, drop rescheduled command")
		return false
	}
	r.used = true
	log.Info().Str("command_id", r.cmd.ID).Str("selection", cfg.Selection.String()).Msg("command rescheduled")
	return true
}

func (r *commandRescheduler) rescheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}
