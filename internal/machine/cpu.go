// internal/machine/cpu.go

package machine

import (
	"ksched/internal/arch"
	"ksched/internal/kpanic"
)

// Handler services an interrupt. frame and regs are the addresses of the
// hardware frame and the register block the entry trampoline pushed.
type Handler func(frame, regs uint32)

// interruptReturn carries an iret out of a handler that switched stacks.
type interruptReturn struct{ sp uint32 }

// CPU is a single protected-mode processor running kernel code only.
type CPU struct {
	Regs arch.GeneralRegisters
	Ctl  arch.ControlContext

	mem      *RAM
	text     *Text
	handlers [256]Handler
	syscall  func()
	inIRQ    bool
	pending  bool // timer raised while interrupts were masked
	retired  uint64
}

// NewCPU creates a CPU with interrupts disabled, executing on the boot stack.
func NewCPU(mem *RAM, text *Text, bootSP uint32) *CPU {
	return &CPU{
		mem:  mem,
		text: text,
		Ctl: arch.ControlContext{
			CS:    arch.KernelCodeSelector,
			Flags: arch.FlagReserved,
			SP:    bootSP,
		},
	}
}

// Register installs h for vector.
func (c *CPU) Register(vector uint8, h Handler) {
	c.handlers[vector] = h
}

// SetSyscall sets the kernel routine OpYield calls.
func (c *CPU) SetSyscall(fn func()) {
	c.syscall = fn
}

// EnableInterrupts sets IF and delivers a latched timer interrupt.
func (c *CPU) EnableInterrupts() {
	c.Ctl.Flags |= arch.FlagIF
	if c.pending {
		c.pending = false
		c.dispatch(arch.TimerVector)
	}
}

// Retired returns the number of instructions executed.
func (c *CPU) Retired() uint64 { return c.retired }

// InterruptReturn implements arch.Machine. It unwinds the running handler;
// the dispatcher then resumes from sp.
func (c *CPU) InterruptReturn(sp uint32) {
	panic(interruptReturn{sp: sp})
}

// RaiseInterrupt implements arch.Machine, as int n.
func (c *CPU) RaiseInterrupt(vector uint8) {
	c.dispatch(vector)
}

// Tick asserts the timer line. It is delivered only while interrupts are
// enabled; otherwise it stays pending until EnableInterrupts.
func (c *CPU) Tick() bool {
	if c.Ctl.Flags&arch.FlagIF == 0 || c.inIRQ {
		c.pending = true
		return false
	}
	c.dispatch(arch.TimerVector)
	return true
}

// Step executes one instruction.
func (c *CPU) Step() {
	pc := c.Ctl.PC
	ins, base := c.text.Fetch(pc)
	c.Ctl.PC++
	c.retired++

	switch ins {
	case OpNop:
	case OpWork:
		c.Regs.EAX++
		c.Regs.EBX ^= pc
	case OpYield:
		kpanic.Assert(c.syscall != nil, "yield at %#x with no kernel entry", pc)
		c.syscall()
	case OpLoop:
		c.Ctl.PC = base
	default:
		kpanic.Panic("invalid opcode %v at %#x", ins, pc)
	}
}

// dispatch is the interrupt entry trampoline: push the hardware frame, mask
// interrupts, pushad, call the handler, then popad and iret from wherever the
// handler left the stack.
func (c *CPU) dispatch(vector uint8) {
	h := c.handlers[vector]
	kpanic.Assert(h != nil, "unhandled interrupt %#x", vector)
	kpanic.Assert(!c.inIRQ, "nested interrupt %#x", vector)

	frame := arch.StoreControl(c.mem, c.Ctl)
	regs := frame - arch.RegistersSize
	pushed := c.Regs
	pushed.ESP = frame
	arch.StoreRegisters(c.mem, regs, pushed)
	c.Ctl.SP = regs
	c.Ctl.Flags &^= arch.FlagIF

	c.resume(c.call(h, frame, regs))
}

func (c *CPU) call(h Handler, frame, regs uint32) (sp uint32) {
	c.inIRQ = true
	defer func() {
		c.inIRQ = false
		if r := recover(); r != nil {
			ret, ok := r.(interruptReturn)
			if !ok {
				panic(r)
			}
			sp = ret.sp
		}
	}()
	h(frame, regs)
	return regs
}

func (c *CPU) resume(sp uint32) {
	ctx := arch.PopContext(c.mem, sp)
	c.Regs = ctx.Registers
	c.Ctl = ctx.Control
}
