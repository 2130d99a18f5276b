// internal/sched/table.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Selector picks the task to run after current. current may be nil.
type Selector interface {
	SelectNext(current *Task) (*Task, bool)
}

// Table is the task control block store. Tasks are kept ordered by ID, which
// is also the round-robin order.
type Table struct {
	rbt    *redblacktree.Tree // TaskID -> *Task
	nextID TaskID
}

// NewTable creates an empty table. IDs start at 1.
func NewTable() *Table {
	return &Table{
		rbt:    redblacktree.NewWith(cmpID),
		nextID: 1,
	}
}

// Spawn creates a ready task and stores it.
func (tb *Table) Spawn(name string, entry, stackTop uint32) *Task {
	t := NewTask(tb.nextID, name, entry, stackTop)
	tb.nextID++
	tb.rbt.Put(t.ID, t)
	return t
}

// Get looks a task up by ID.
func (tb *Table) Get(id TaskID) (*Task, bool) {
	v, ok := tb.rbt.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

// Len returns the number of tasks, stopped ones included.
func (tb *Table) Len() int { return tb.rbt.Size() }

// Tasks returns all tasks in ID order.
func (tb *Table) Tasks() []*Task {
	out := make([]*Task, 0, tb.rbt.Size())
	it := tb.rbt.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Task))
	}
	return out
}

// Running counts tasks in TaskRunning. It is never more than one.
func (tb *Table) Running() int {
	n := 0
	it := tb.rbt.Iterator()
	for it.Next() {
		if it.Value().(*Task).State == TaskRunning {
			n++
		}
	}
	return n
}

// Stop marks a task as terminated so it is never selected again. A running
// task is asked to reschedule and keeps the CPU until the next tick.
func (tb *Table) Stop(id TaskID) error {
	t, ok := tb.Get(id)
	if !ok {
		return fmt.Errorf("no such task %d", id)
	}
	if t.State == TaskRunning {
		t.Reschedule = true
	}
	t.State = TaskStopped
	return nil
}

// SelectNext scans the tasks after current in ID order, wrapping around, and
// returns the first ready one. current itself is only returned when no other
// task is ready and it is still running.
func (tb *Table) SelectNext(current *Task) (*Task, bool) {
	n := tb.rbt.Size()
	if n == 0 {
		return nil, false
	}

	node := tb.rbt.Left()
	if current != nil {
		if c, ok := tb.rbt.Ceiling(current.ID + 1); ok {
			node = c
		}
	}

	for i := 0; i < n; i++ {
		t := node.Value.(*Task)
		if t != current && t.State == TaskReady {
			return t, true
		}
		if next, ok := tb.rbt.Ceiling(t.ID + 1); ok {
			node = next
		} else {
			node = tb.rbt.Left()
		}
	}

	if current != nil && current.State == TaskRunning {
		return current, true
	}
	return nil, false
}

// cmpID orders the tree by task ID.
func cmpID(a, b any) int {
	ka, kb := a.(TaskID), b.(TaskID)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}
