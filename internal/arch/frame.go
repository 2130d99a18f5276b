// internal/arch/frame.go

package arch

import "encoding/binary"

// Interrupt frame layout as pushed by the entry trampoline. The frame is
// packed: the code selector occupies two bytes, not a padded dword.
const (
	framePC    = 0
	frameCS    = 4
	frameFlags = 6

	// FrameSize is the number of bytes between the frame address and the
	// stack pointer the interrupted code had before the interrupt.
	FrameSize = 10
)

// Processor flags and selectors used by the kernel.
const (
	FlagReserved uint32 = 1 << 1 // always set on x86
	FlagIF       uint32 = 1 << 9 // interrupts enabled

	KernelCodeSelector uint16 = 0x08

	// TimerVector is the interrupt number the PIT is remapped to.
	TimerVector uint8 = 0x20
)

// ControlContext is the state the interrupt-return path reads to resume
// execution.
type ControlContext struct {
	PC    uint32
	CS    uint16
	Flags uint32
	SP    uint32
}

// EncodeFrame lays c out as an interrupt frame. SP is not part of the frame;
// it is implied by the frame's address.
func EncodeFrame(c ControlContext) [FrameSize]byte {
	var b [FrameSize]byte
	binary.LittleEndian.PutUint32(b[framePC:], c.PC)
	binary.LittleEndian.PutUint16(b[frameCS:], c.CS)
	binary.LittleEndian.PutUint32(b[frameFlags:], c.Flags)
	return b
}

// DecodeFrame reads the frame stored at address frame. The returned SP is the
// stack pointer just past the frame.
func DecodeFrame(b []byte, frame uint32) ControlContext {
	_ = b[FrameSize-1]
	return ControlContext{
		PC:    binary.LittleEndian.Uint32(b[framePC:]),
		CS:    binary.LittleEndian.Uint16(b[frameCS:]),
		Flags: binary.LittleEndian.Uint32(b[frameFlags:]),
		SP:    frame + FrameSize,
	}
}

// LoadControl extracts the control context from the frame at address frame.
func LoadControl(mem Memory, frame uint32) ControlContext {
	var b [FrameSize]byte
	mem.Read(frame, b[:])
	return DecodeFrame(b[:], frame)
}

// StoreControl writes c as a frame directly below c.SP and returns the frame
// address: flags at SP-4, code selector at SP-6, program counter at SP-10.
func StoreControl(mem Memory, c ControlContext) uint32 {
	frame := c.SP - FrameSize
	b := EncodeFrame(c)
	mem.Write(frame, b[:])
	return frame
}

// Field is one slot of an in-memory layout.
type Field struct {
	Name   string
	Offset int
	Size   int
}

// FrameLayout lists the interrupt frame slots, lowest address first.
var FrameLayout = []Field{
	{Name: "PC", Offset: framePC, Size: 4},
	{Name: "CS", Offset: frameCS, Size: 2},
	{Name: "FLAGS", Offset: frameFlags, Size: 4},
}
