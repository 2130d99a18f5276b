package sched

import (
	"fmt"
	"strings"
	"testing"

	"ksched/internal/arch"
	"ksched/internal/kpanic"
	"ksched/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type flatMem []byte

func (m flatMem) Read(addr uint32, p []byte)  { copy(p, m[addr:]) }
func (m flatMem) Write(addr uint32, p []byte) { copy(m[addr:], p) }

// resumeSignal unwinds Schedule the way a real iret abandons its stack.
type resumeSignal struct{ sp uint32 }

type fakeCPU struct {
	raised  []uint8
	onRaise func(vector uint8)
	noIret  bool
}

func (c *fakeCPU) InterruptReturn(sp uint32) {
	if c.noIret {
		return
	}
	panic(resumeSignal{sp})
}

func (c *fakeCPU) RaiseInterrupt(vector uint8) {
	c.raised = append(c.raised, vector)
	if c.onRaise != nil {
		c.onRaise(vector)
	}
}

type harness struct {
	t     *testing.T
	mem   flatMem
	cpu   *fakeCPU
	tasks *Table
	s     *Scheduler
	live  arch.Context // state of whatever the CPU is executing
}

const bootStack = 0x1000

func newHarness(t *testing.T, quota, n int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		mem:   make(flatMem, 0x10000),
		cpu:   &fakeCPU{},
		tasks: NewTable(),
	}
	for i := 0; i < n; i++ {
		h.tasks.Spawn(fmt.Sprintf("t%d", i+1), 0x100000+uint32(i)*0x100, uint32(0x4000+i*0x1000))
	}
	cfg := DefaultConfig()
	cfg.QuotaTicks = quota
	h.s = New(cfg, h.mem, h.cpu, h.tasks, opts...)
	h.s.Init()
	h.live = arch.Context{Control: arch.ControlContext{
		PC:    0xB007,
		CS:    arch.KernelCodeSelector,
		Flags: arch.FlagReserved,
		SP:    bootStack,
	}}
	return h
}

// tick delivers one timer interrupt the way the entry trampoline does and
// reports whether the scheduler switched tasks.
func (h *harness) tick() bool {
	h.t.Helper()
	regs := arch.PushContext(h.mem, h.live)
	frame := regs + arch.RegistersSize

	sp, switched := h.enter(frame, regs)
	if switched {
		h.live = arch.PopContext(h.mem, sp)
	}
	if n := h.tasks.Running(); n > 1 {
		h.t.Fatalf("%d tasks running", n)
	}
	return switched
}

func (h *harness) enter(frame, regs uint32) (sp uint32, switched bool) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(resumeSignal)
			if !ok {
				panic(r)
			}
			sp, switched = sig.sp, true
		}
	}()
	h.s.Schedule(frame, regs)
	return 0, false
}

// work stands in for the running task executing instructions.
func (h *harness) work() {
	h.live.Control.PC++
	h.live.Registers.EAX++
}

func (h *harness) task(id TaskID) *Task {
	h.t.Helper()
	t, ok := h.tasks.Get(id)
	if !ok {
		h.t.Fatalf("no task %d", id)
	}
	return t
}

func TestScheduleBootDispatchesFirstTask(t *testing.T) {
	h := newHarness(t, 3, 3)
	initial := h.task(1).Context

	if !h.tick() {
		t.Fatal("boot tick did not switch")
	}
	if got := h.s.Current().ID; got != 1 {
		t.Fatalf("current = %d, want 1", got)
	}
	if h.live != initial {
		t.Errorf("resumed %+v, want %+v", h.live, initial)
	}
	if h.task(1).State != TaskRunning {
		t.Errorf("task 1 state = %v, want running", h.task(1).State)
	}
}

func TestScheduleResumeFrameSitsOnTaskStack(t *testing.T) {
	h := newHarness(t, 3, 1)
	top := h.task(1).Context.Control.SP

	regs := arch.PushContext(h.mem, h.live)
	sp, switched := h.enter(regs+arch.RegistersSize, regs)
	if !switched {
		t.Fatal("expected a switch")
	}
	if want := top - arch.FrameSize - arch.RegistersSize; sp != want {
		t.Errorf("sp = %#x, want %#x", sp, want)
	}
}

func TestScheduleContinuesWithinQuota(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.tick()

	for i := 1; i < 3; i++ {
		h.work()
		regs := arch.PushContext(h.mem, h.live)
		before := append(flatMem(nil), h.mem...)
		if _, switched := h.enter(regs+arch.RegistersSize, regs); switched {
			t.Fatalf("tick %d switched within quota", i)
		}
		if string(before) != string(h.mem) {
			t.Fatalf("tick %d touched memory on the continue path", i)
		}
		if got := h.task(1).Ticks; got != int64(i) {
			t.Errorf("ticks = %d, want %d", got, i)
		}
	}

	h.work()
	if !h.tick() {
		t.Fatal("quota exhausted but no switch")
	}
	if got := h.s.Current().ID; got != 2 {
		t.Errorf("current = %d, want 2", got)
	}
}

func TestScheduleExampleScenario(t *testing.T) {
	h := newHarness(t, 3, 3)
	h.tick()
	h.tick()
	h.tick()
	t1 := h.task(1)
	if t1.Ticks != 2 {
		t.Fatalf("T1 ticks = %d, want 2", t1.Ticks)
	}

	if !h.tick() {
		t.Fatal("T1 at quota did not switch")
	}
	t2 := h.task(2)
	if h.s.Current() != t2 {
		t.Fatalf("current = %d, want 2", h.s.Current().ID)
	}
	if t1.Ticks != 0 || t1.State != TaskReady {
		t.Errorf("T1 = ticks %d state %v, want 0 ready", t1.Ticks, t1.State)
	}
	if t2.Ticks != 0 {
		t.Errorf("T2 ticks = %d, want 0", t2.Ticks)
	}

	t2.Reschedule = true
	if !h.tick() {
		t.Fatal("reschedule request ignored")
	}
	if got := h.s.Current().ID; got != 3 {
		t.Errorf("current = %d, want 3", got)
	}
	if t2.Reschedule {
		t.Error("T2 reschedule flag not cleared")
	}
}

func TestScheduleRoundRobinQuotaBound(t *testing.T) {
	const quota, n, rounds = 3, 3, 4
	h := newHarness(t, quota, n)
	h.tick()

	var order []TaskID
	run := 1
	prev := h.s.Current().ID
	order = append(order, prev)
	for i := 0; i < quota*n*rounds; i++ {
		h.work()
		h.tick()
		cur := h.s.Current().ID
		if cur == prev {
			run++
			if run > quota {
				t.Fatalf("task %d held the CPU for %d ticks, quota %d", cur, run, quota)
			}
			continue
		}
		if run != quota {
			t.Fatalf("task %d ran %d ticks, want %d", prev, run, quota)
		}
		order = append(order, cur)
		prev, run = cur, 1
	}

	for i, id := range order {
		if want := TaskID(i%n + 1); id != want {
			t.Fatalf("dispatch order %v, position %d = %d, want %d", order, i, id, want)
		}
	}
}

func TestScheduleSingleTaskIsReselected(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, 2, 1, WithMetrics(m))
	h.tick()
	h.work()
	h.tick()
	h.work()
	saved := h.live
	if !h.tick() {
		t.Fatal("expected a switch at quota")
	}
	if got := h.s.Current().ID; got != 1 {
		t.Fatalf("current = %d, want 1", got)
	}
	if h.live != saved {
		t.Errorf("resumed %+v, want %+v", h.live, saved)
	}
	if h.task(1).State != TaskRunning {
		t.Errorf("state = %v, want running", h.task(1).State)
	}

	// picking the same task again is not a switch
	if got := h.s.Switches(); got != 0 {
		t.Errorf("Switches() = %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.Switches.WithLabelValues(metrics.ReasonPreempt)); got != 0 {
		t.Errorf("preempt switches = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Switches.WithLabelValues(metrics.ReasonBoot)); got != 1 {
		t.Errorf("boot switches = %v, want 1", got)
	}
}

func TestYieldSwitchesImmediately(t *testing.T) {
	h := newHarness(t, 5, 3)
	h.tick()
	h.cpu.onRaise = func(uint8) { h.tick() }

	h.work()
	h.s.Yield()

	if len(h.cpu.raised) != 1 || h.cpu.raised[0] != arch.TimerVector {
		t.Fatalf("raised %v, want [%#x]", h.cpu.raised, arch.TimerVector)
	}
	if got := h.s.Current().ID; got != 2 {
		t.Errorf("current = %d, want 2", got)
	}
	if h.task(1).Reschedule {
		t.Error("reschedule flag survived the switch")
	}
}

func TestYieldWithoutCurrentTaskIsFatal(t *testing.T) {
	h := newHarness(t, 3, 1)
	f := kpanic.Catch(h.s.Yield)
	if f == nil {
		t.Fatal("expected fatal")
	}
	if len(h.cpu.raised) != 0 {
		t.Errorf("interrupt raised despite fatal: %v", h.cpu.raised)
	}
}

func TestContextRoundTrip(t *testing.T) {
	h := newHarness(t, 1, 3)
	h.tick()

	h.live.Control.PC = 0x00100042
	h.live.Control.Flags = arch.FlagIF | arch.FlagReserved | 0x8C5
	h.live.Control.SP -= 64
	h.live.Registers = arch.GeneralRegisters{
		EDI: 0x01020304, ESI: 0xA5A5A5A5, EBP: 0x3F00, ESP: 0x3EF0,
		EBX: 0xFFFFFFFF, EDX: 7, ECX: 0x80000001, EAX: 0xDEADBEEF,
	}
	saved := h.live

	h.tick() // -> 2
	if got := h.task(1).Context; got != saved {
		t.Fatalf("saved %+v, want %+v", got, saved)
	}
	h.work()
	h.tick() // -> 3
	h.work()
	h.tick() // -> 1

	if got := h.s.Current().ID; got != 1 {
		t.Fatalf("current = %d, want 1", got)
	}
	if h.live != saved {
		t.Errorf("resumed %+v, want %+v", h.live, saved)
	}
}

func TestScheduleFatalOnEmptyTable(t *testing.T) {
	h := newHarness(t, 3, 0)
	f := kpanic.Catch(func() { h.tick() })
	if f == nil {
		t.Fatal("expected fatal")
	}
	if !strings.Contains(f.Msg, "no task to run") {
		t.Errorf("Msg = %q", f.Msg)
	}
}

func TestScheduleFatalLeavesTasksUntouched(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.tick()
	t1, t2 := h.task(1), h.task(2)
	ctx1 := t1.Context
	if err := h.tasks.Stop(2); err != nil {
		t.Fatal(err)
	}
	if err := h.tasks.Stop(1); err != nil {
		t.Fatal(err)
	}

	h.work()
	fatals := 0
	if f := kpanic.Catch(func() { h.tick() }); f != nil {
		fatals++
	}
	if fatals != 1 {
		t.Fatalf("fatals = %d, want 1", fatals)
	}
	if h.tasks.Running() != 0 {
		t.Errorf("running = %d, want 0", h.tasks.Running())
	}
	if t1.Context != ctx1 {
		t.Error("outgoing context saved despite failed selection")
	}
	if t2.State != TaskStopped {
		t.Errorf("T2 state = %v, want stopped", t2.State)
	}
	if h.s.Current() != t1 {
		t.Error("current task changed on the fatal path")
	}
}

type noneSelector struct{}

func (noneSelector) SelectNext(*Task) (*Task, bool) { return nil, false }

func TestScheduleFatalWithCustomSelector(t *testing.T) {
	h := newHarness(t, 3, 2, WithSelector(noneSelector{}))
	if f := kpanic.Catch(func() { h.tick() }); f == nil {
		t.Fatal("expected fatal")
	}
	for _, task := range h.tasks.Tasks() {
		if task.State == TaskRunning {
			t.Errorf("task %d marked running", task.ID)
		}
	}
}

func TestStoppedCurrentTaskIsSwitchedOut(t *testing.T) {
	h := newHarness(t, 10, 2)
	h.tick()
	if err := h.tasks.Stop(1); err != nil {
		t.Fatal(err)
	}
	if !h.tick() {
		t.Fatal("stopped task kept the CPU")
	}
	if got := h.s.Current().ID; got != 2 {
		t.Fatalf("current = %d, want 2", got)
	}
	if h.task(1).State != TaskStopped {
		t.Errorf("task 1 state = %v, want stopped", h.task(1).State)
	}
}

func TestInterruptReturnThatReturnsIsFatal(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.cpu.noIret = true
	f := kpanic.Catch(func() { h.tick() })
	if f == nil || !strings.Contains(f.Msg, "interrupt return came back") {
		t.Fatalf("fatal = %v", f)
	}
}

func TestScheduleEmitsEventsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, 2, 2, WithMetrics(m))

	h.tick() // boot -> 1
	h.tick() // continue
	h.tick() // preempt -> 2
	h.s.Close()

	var kinds []StatusKind
	for ev := range h.s.StatusChannel() {
		kinds = append(kinds, ev.Kind)
	}
	want := []StatusKind{StatusDispatch, StatusTick, StatusPreempt, StatusDispatch}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	if got := testutil.ToFloat64(m.Ticks); got != 3 {
		t.Errorf("ticks = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Switches.WithLabelValues(metrics.ReasonBoot)); got != 1 {
		t.Errorf("boot switches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Switches.WithLabelValues(metrics.ReasonPreempt)); got != 1 {
		t.Errorf("preempt switches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CurrentTask); got != 2 {
		t.Errorf("current task gauge = %v, want 2", got)
	}
	if got := h.s.Switches(); got != 1 {
		t.Errorf("Switches() = %d, want 1", got)
	}
}

func TestSwitchCountSurvivesFullEventBuffer(t *testing.T) {
	h := newHarness(t, 1, 3)
	h.s = New(Config{QuotaTicks: 1, EventBuffer: 1}, h.mem, h.cpu, h.tasks)
	h.s.Init()

	h.tick() // boot
	for i := 0; i < 30; i++ {
		h.work()
		h.tick()
	}
	if got := h.s.Switches(); got != 30 {
		t.Errorf("Switches() = %d, want 30", got)
	}
	// the boot dispatch fills the only slot; every preempt and dispatch after it is lost
	if got := h.s.Dropped(); got != 60 {
		t.Errorf("Dropped() = %d, want 60", got)
	}
	h.s.Close()
	n := 0
	for range h.s.StatusChannel() {
		n++
	}
	if int64(n)+h.s.Dropped() != 61 {
		t.Errorf("delivered %d + dropped %d, want 61 events", n, h.s.Dropped())
	}
}

func TestEventsAreDroppedNotBlocked(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	tasks := NewTable()
	tasks.Spawn("a", 0x100000, 0x4000)
	s := New(cfg, make(flatMem, 0x10000), &fakeCPU{}, tasks, WithMetrics(m))

	s.Spawn("b", 0x100100, 0x5000)
	s.Spawn("c", 0x100200, 0x6000)

	if got := testutil.ToFloat64(m.DroppedEvents); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := s.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
