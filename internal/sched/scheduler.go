// internal/sched/scheduler.go

package sched

import (
	"log/slog"
	"time"

	"ksched/internal/arch"
	"ksched/internal/kpanic"
	"ksched/internal/logging"
	"ksched/internal/metrics"
)

// Scheduler is the round-robin scheduler core. It runs in interrupt context
// with interrupts masked, so its state needs no locking: Schedule and Yield
// are only ever entered from the single CPU.
type Scheduler struct {
	quota    int64        // ticks a task may run before it is preempted
	mem      arch.Memory  // memory holding interrupt frames and task stacks
	cpu      arch.Machine // interrupt-return and software-interrupt primitives
	tasks    *Table
	selector Selector
	current  *Task // task holding the CPU, nil before the first switch

	switches int64 // task changes, the boot dispatch excluded
	dropped  int64 // events lost to a full buffer

	statusCh chan StatusEvent
	closed   bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSelector replaces the table's round-robin selection.
func WithSelector(sel Selector) Option {
	return func(s *Scheduler) { s.selector = sel }
}

// WithMetrics records scheduler counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger used for dispatch traces.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler over the given task table.
func New(cfg Config, mem arch.Memory, cpu arch.Machine, tasks *Table, opts ...Option) *Scheduler {
	quota := int64(cfg.QuotaTicks)
	if quota <= 0 {
		quota = int64(DefaultConfig().QuotaTicks)
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultConfig().EventBuffer
	}

	s := &Scheduler{
		quota:    quota,
		mem:      mem,
		cpu:      cpu,
		tasks:    tasks,
		selector: tasks,
		statusCh: make(chan StatusEvent, buf),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Init forgets the current task. The boot path calls it once before the
// first timer interrupt.
func (s *Scheduler) Init() {
	s.current = nil
}

// StatusChannel exposes the read-only event stream.
func (s *Scheduler) StatusChannel() <-chan StatusEvent { return s.statusCh }

// Close ends the event stream. The scheduler must not be entered afterwards.
func (s *Scheduler) Close() {
	if !s.closed {
		s.closed = true
		close(s.statusCh)
	}
}

// Tasks returns the task table.
func (s *Scheduler) Tasks() *Table { return s.tasks }

// Quota returns the number of ticks a task may hold the CPU.
func (s *Scheduler) Quota() int64 { return s.quota }

// Switches returns how many times the CPU moved from one task to another.
// Unlike the event stream it never loses a count.
func (s *Scheduler) Switches() int64 { return s.switches }

// Dropped returns how many events did not fit in the event buffer.
func (s *Scheduler) Dropped() int64 { return s.dropped }

// Spawn creates a ready task and emits a StatusSpawn event.
func (s *Scheduler) Spawn(name string, entry, stackTop uint32) *Task {
	t := s.tasks.Spawn(name, entry, stackTop)
	s.emit(StatusSpawn, t, entry)
	return t
}

// Current returns the running task. Asking with nothing running is fatal.
func (s *Scheduler) Current() *Task {
	kpanic.Assert(s.current != nil, "sched: no current task")
	return s.current
}

// Schedule is the timer interrupt handler. frame and regs are the addresses
// of the interrupt frame and the register block pushed by the entry
// trampoline.
//
// It either returns, resuming the interrupted task untouched, or switches to
// another task through the interrupt-return path and never returns.
func (s *Scheduler) Schedule(frame, regs uint32) {
	s.metrics.Tick()
	cur := s.current

	// 1) account the tick and keep running while quota is left
	if cur != nil {
		cur.Ticks++
		if cur.Ticks < s.quota && !cur.Reschedule {
			s.emit(StatusTick, cur, 0)
			return
		}
	}

	// 2) pick the next task before touching any task record, so a failed
	//    selection halts with nothing half switched
	next, ok := s.selector.SelectNext(cur)
	kpanic.Assert(ok && next != nil, "sched: no task to run")

	// 3) save the outgoing task
	reason := metrics.ReasonBoot
	var pcOut uint32
	if cur != nil {
		kind, ran := StatusPreempt, cur.Ticks
		reason = metrics.ReasonPreempt
		if cur.Reschedule {
			kind, reason = StatusYield, metrics.ReasonYield
		}

		cur.Ticks = 0
		cur.Reschedule = false
		cur.Context.Control = arch.LoadControl(s.mem, frame)
		cur.Context.Registers = arch.LoadRegisters(s.mem, regs)
		if cur.State == TaskRunning {
			cur.State = TaskReady
		}
		pcOut = cur.Context.Control.PC
		s.emitTicks(kind, cur, ran, pcOut)
	}

	// 4) build the resume frame on the incoming task's own stack
	next.Ticks = 0
	next.State = TaskRunning
	sp := arch.PushContext(s.mem, next.Context)

	s.logger.Debug("scheduled",
		"tid", next.ID,
		"frame", frame,
		"pc_out", pcOut,
		"pc_in", next.Context.Control.PC,
	)
	s.current = next
	if next != cur {
		if cur != nil {
			s.switches++
		}
		s.metrics.Switch(reason, uint32(next.ID))
	}
	s.emit(StatusDispatch, next, next.Context.Control.PC)

	// 5) hand the CPU over
	s.cpu.InterruptReturn(sp)
	kpanic.Panic("sched: interrupt return came back to the scheduler")
}

// Yield gives up the rest of the current task's quota. Control comes back
// to the caller only when the task is dispatched again.
func (s *Scheduler) Yield() {
	t := s.Current()
	t.Reschedule = true
	s.metrics.Yield()
	s.cpu.RaiseInterrupt(arch.TimerVector)
}

// Halt records that the machine stopped on a fatal condition.
func (s *Scheduler) Halt() {
	s.emit(StatusHalt, s.current, 0)
}

func (s *Scheduler) emit(kind StatusKind, t *Task, pc uint32) {
	var ticks int64
	if t != nil {
		ticks = t.Ticks
	}
	s.emitTicks(kind, t, ticks, pc)
}

// emitTicks never blocks: an event that does not fit in the buffer is dropped.
func (s *Scheduler) emitTicks(kind StatusKind, t *Task, ticks int64, pc uint32) {
	if s.closed {
		return
	}
	ev := StatusEvent{
		Time:  time.Now(),
		Kind:  kind,
		Ticks: ticks,
		PC:    pc,
	}
	if t != nil {
		ev.TaskID = t.ID
	}
	select {
	case s.statusCh <- ev:
	default:
		s.dropped++
		s.metrics.Dropped()
	}
}
