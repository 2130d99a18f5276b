// internal/machine/text.go

package machine

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"

	"ksched/internal/kpanic"
)

// TextBase is where the first program is loaded.
const TextBase uint32 = 0x00100000

// Instruction is one opcode of the toy instruction set tasks run.
type Instruction uint8

const (
	OpNop   Instruction = iota
	OpWork              // EAX++, EBX ^= PC
	OpYield             // call into the kernel's yield
	OpLoop              // jump to the start of the program
)

func (i Instruction) String() string {
	switch i {
	case OpNop:
		return "nop"
	case OpWork:
		return "work"
	case OpYield:
		return "yield"
	case OpLoop:
		return "loop"
	default:
		return fmt.Sprintf("op(%d)", uint8(i))
	}
}

// Program is a straight-line instruction sequence.
type Program interface {
	Len() uint32
	At(off uint32) Instruction
}

// Code is a Program backed by a slice.
type Code []Instruction

func (c Code) Len() uint32               { return uint32(len(c)) }
func (c Code) At(off uint32) Instruction { return c[off] }

// Text is the code segment. Programs occupy disjoint address ranges and are
// looked up by the highest base at or below the program counter.
type Text struct {
	rbt  *redblacktree.Tree // base address -> Program
	next uint32
}

// NewText creates an empty code segment.
func NewText() *Text {
	return &Text{
		rbt:  redblacktree.NewWith(cmpAddr),
		next: TextBase,
	}
}

// Load places p in the code segment and returns its entry address.
func (t *Text) Load(p Program) (uint32, error) {
	if p == nil || p.Len() == 0 {
		return 0, fmt.Errorf("load empty program")
	}
	base := t.next
	t.rbt.Put(base, p)
	t.next += (p.Len() + 15) &^ 15
	return base, nil
}

// Fetch returns the instruction at pc and the base of its program. Fetching
// outside any program is fatal.
func (t *Text) Fetch(pc uint32) (Instruction, uint32) {
	node, ok := t.rbt.Floor(pc)
	kpanic.Assert(ok, "invalid fetch at %#x", pc)

	base := node.Key.(uint32)
	p := node.Value.(Program)
	kpanic.Assert(pc-base < p.Len(), "invalid fetch at %#x", pc)
	return p.At(pc - base), base
}

func cmpAddr(a, b any) int {
	ka, kb := a.(uint32), b.(uint32)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}
