// Package arch defines the contract between the interrupt entry trampoline,
// the scheduler and the hardware. All interrupt-frame offset arithmetic lives
// here.
//
// On interrupt entry the stack looks like this (addresses grow upward):
//
//	regs   -> EDI ESI EBP ESP EBX EDX ECX EAX   (RegistersSize bytes)
//	frame  -> PC(4) CS(2) FLAGS(4)              (FrameSize bytes)
//	          interrupted stack ...
//
// A task is resumed by building the same picture on its own stack and
// handing the address of the register block to Machine.InterruptReturn.
package arch

// Memory is byte-addressed physical memory.
type Memory interface {
	Read(addr uint32, p []byte)
	Write(addr uint32, p []byte)
}

// Machine is the hardware the scheduler drives.
type Machine interface {
	// InterruptReturn pops the register block at sp, then returns from the
	// interrupt frame above it. It never returns to its caller.
	InterruptReturn(sp uint32)

	// RaiseInterrupt enters the handler for vector synchronously, as int n
	// would.
	RaiseInterrupt(vector uint8)
}

// Context is a task's complete suspended machine state.
type Context struct {
	Control   ControlContext
	Registers GeneralRegisters
}

// PushContext writes ctx as an interrupt frame plus register block on the
// stack ctx.Control.SP points at, and returns the address of the register
// block. Resuming from that address restores ctx exactly.
func PushContext(mem Memory, ctx Context) uint32 {
	frame := StoreControl(mem, ctx.Control)
	regs := frame - RegistersSize
	StoreRegisters(mem, regs, ctx.Registers)
	return regs
}

// PopContext is the inverse of PushContext: it reads the register block at sp
// and the frame directly above it.
func PopContext(mem Memory, sp uint32) Context {
	return Context{
		Registers: LoadRegisters(mem, sp),
		Control:   LoadControl(mem, sp+RegistersSize),
	}
}
