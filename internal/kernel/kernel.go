// Package kernel boots the simulated machine: it lays out memory, loads the
// task programs, creates the tasks and hands the CPU to the scheduler.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"ksched/internal/arch"
	"ksched/internal/job"
	"ksched/internal/kpanic"
	"ksched/internal/logging"
	"ksched/internal/machine"
	"ksched/internal/metrics"
	"ksched/internal/sched"
)

// BootStackTop is the top of the stack the kernel boots on. Everything below
// it is reserved; task stacks are carved from the memory above.
const BootStackTop uint32 = 0x1000

// Kernel owns the machine and the scheduler.
type Kernel struct {
	cfg     sched.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ram    *machine.RAM
	text   *machine.Text
	cpu    *machine.CPU
	stacks *machine.StackAllocator
	sched  *sched.Scheduler

	started bool
	ticks   int64
	halted  *kpanic.Fatal
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger for boot and halt messages. It is passed on to
// the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithMetrics records scheduler counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// Boot builds the machine and creates the configured tasks. No task runs
// until Start.
func Boot(cfg sched.Config, opts ...Option) (*Kernel, error) {
	k := &Kernel{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = logging.OrDiscard(k.logger)

	if cfg.MemoryKB < 0 {
		return nil, fmt.Errorf("negative memory size %d KB", cfg.MemoryKB)
	}
	size := uint64(cfg.MemoryKB) * 1024
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("memory %s does not fit the 32-bit address space", humanize.IBytes(size))
	}
	if size <= uint64(BootStackTop) {
		return nil, fmt.Errorf("memory %s leaves no room above the boot stack", humanize.IBytes(size))
	}
	k.ram = machine.NewRAM(uint32(size))
	k.text = machine.NewText()
	k.cpu = machine.NewCPU(k.ram, k.text, BootStackTop)
	k.stacks = machine.NewStackAllocator(k.ram, BootStackTop, uint32(cfg.StackSize))
	k.sched = sched.New(cfg, k.ram, k.cpu, sched.NewTable(),
		sched.WithLogger(k.logger),
		sched.WithMetrics(k.metrics),
	)

	k.logger.Info("boot",
		"memory", humanize.IBytes(size),
		"stack", humanize.IBytes(uint64(cfg.StackSize)),
		"quota", k.sched.Quota(),
		"tasks", len(cfg.Tasks),
	)

	for _, tc := range cfg.Tasks {
		if err := k.spawn(tc); err != nil {
			return nil, err
		}
	}

	k.sched.Init()
	k.cpu.Register(arch.TimerVector, k.sched.Schedule)
	k.cpu.SetSyscall(k.sched.Yield)
	return k, nil
}

func (k *Kernel) spawn(tc sched.TaskConfig) error {
	prog, err := job.ByName(tc.Program, tc.Work)
	if err != nil {
		return fmt.Errorf("task %q: %w", tc.Name, err)
	}
	entry, err := k.text.Load(prog)
	if err != nil {
		return fmt.Errorf("task %q: %w", tc.Name, err)
	}
	top, ok := k.stacks.Alloc()
	if !ok {
		return fmt.Errorf("task %q: out of memory for a %s stack", tc.Name, humanize.IBytes(uint64(k.cfg.StackSize)))
	}

	t := k.sched.Spawn(tc.Name, entry, top)
	k.logger.Debug("spawned", "tid", t.ID, "name", t.Name, "entry", fmt.Sprintf("%#x", entry), "stack", fmt.Sprintf("%#x", top))
	return nil
}

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Ticks returns the number of timer ticks delivered by Run.
func (k *Kernel) Ticks() int64 { return k.ticks }

// Retired returns the number of instructions the CPU executed.
func (k *Kernel) Retired() uint64 { return k.cpu.Retired() }

// Start enables interrupts and enters the scheduler for the first time, which
// dispatches the first task. The boot context is never resumed.
func (k *Kernel) Start() error {
	if k.started {
		return nil
	}
	k.started = true
	if f := kpanic.Catch(func() {
		k.cpu.EnableInterrupts()
		k.cpu.RaiseInterrupt(arch.TimerVector)
	}); f != nil {
		return k.halt(f)
	}
	return nil
}

// Run executes tasks until ctx is cancelled, MaxTicks ticks have been
// delivered, or the machine halts.
func (k *Kernel) Run(ctx context.Context) error {
	if k.halted != nil {
		return fmt.Errorf("machine halted: %w", k.halted)
	}
	if err := k.Start(); err != nil {
		return err
	}

	var clock *machine.TickClock
	if k.cfg.TickMS > 0 {
		clock = machine.NewTickClock(1)
		clock.Start(time.Duration(k.cfg.TickMS) * time.Millisecond)
		defer clock.Stop()
	}

	if f := kpanic.Catch(func() { k.loop(ctx, clock) }); f != nil {
		return k.halt(f)
	}
	return nil
}

func (k *Kernel) loop(ctx context.Context, clock *machine.TickClock) {
	for {
		// 1) check shutdown
		if ctx.Err() != nil {
			return
		}
		if k.cfg.MaxTicks > 0 && k.ticks >= k.cfg.MaxTicks {
			return
		}

		// 2) run the current task up to the next timer interrupt
		for i := 0; i < k.cfg.InstructionsPerTick; i++ {
			k.cpu.Step()
		}

		// 3) wait for the timer when running against the wall clock
		if clock != nil {
			select {
			case <-ctx.Done():
				return
			case <-clock.Ch:
			}
		}
		k.ticks++
		k.cpu.Tick()
	}
}

func (k *Kernel) halt(f *kpanic.Fatal) error {
	k.halted = f
	k.sched.Halt()
	k.logger.Error("machine halted", "err", f, "ticks", k.ticks)
	return fmt.Errorf("machine halted: %w", f)
}

// Close ends the scheduler's event stream.
func (k *Kernel) Close() {
	k.sched.Close()
}

// TaskSnapshot is a point-in-time view of one task.
type TaskSnapshot struct {
	ID    sched.TaskID
	Name  string
	State sched.TaskState
	Work  uint32 // EAX, incremented by every work instruction
	PC    uint32
}

// Snapshot reports every task. The running task's registers are read from the
// CPU since its saved context is stale.
func (k *Kernel) Snapshot() []TaskSnapshot {
	tasks := k.sched.Tasks().Tasks()
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		s := TaskSnapshot{
			ID:    t.ID,
			Name:  t.Name,
			State: t.State,
			Work:  t.Context.Registers.EAX,
			PC:    t.Context.Control.PC,
		}
		if t.State == sched.TaskRunning {
			s.Work = k.cpu.Regs.EAX
			s.PC = k.cpu.Ctl.PC
		}
		out = append(out, s)
	}
	return out
}
