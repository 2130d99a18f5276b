package machine

import (
	"ksched/internal/kpanic"
)

// RAM is flat physical memory starting at address zero.
type RAM struct {
	b []byte
}

// NewRAM allocates size bytes of zeroed memory.
func NewRAM(size uint32) *RAM {
	return &RAM{b: make([]byte, size)}
}

// Size returns the memory size in bytes.
func (m *RAM) Size() uint32 { return uint32(len(m.b)) }

func (m *RAM) Read(addr uint32, p []byte) {
	m.check(addr, len(p))
	copy(p, m.b[addr:])
}

func (m *RAM) Write(addr uint32, p []byte) {
	m.check(addr, len(p))
	copy(m.b[addr:], p)
}

func (m *RAM) check(addr uint32, n int) {
	end := uint64(addr) + uint64(n)
	kpanic.Assert(end <= uint64(len(m.b)), "page fault at %#x (+%d)", addr, n)
}

// StackAllocator hands out fixed-size stacks from the top of RAM downward.
type StackAllocator struct {
	next  uint32 // top of the next stack
	floor uint32 // lowest address stacks may use
	size  uint32
}

// NewStackAllocator reserves stacks of size bytes between floor and the end of
// ram. Stack tops are 16-byte aligned.
func NewStackAllocator(ram *RAM, floor, size uint32) *StackAllocator {
	return &StackAllocator{
		next:  ram.Size() &^ 15,
		floor: floor,
		size:  (size + 15) &^ 15,
	}
}

// Alloc returns the top address of a fresh stack, or false when RAM is
// exhausted.
func (a *StackAllocator) Alloc() (uint32, bool) {
	if a.next < a.floor+a.size {
		return 0, false
	}
	top := a.next
	a.next -= a.size
	return top, true
}
