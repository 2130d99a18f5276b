package sched

import "ksched/internal/arch"

// TaskID identifies a task for diagnostics.
type TaskID uint32

// TaskState is the scheduling state of a task.
type TaskState int

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskStopped // set by the task module on termination, never by the scheduler
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is one task control block.
type Task struct {
	ID         TaskID
	Name       string
	State      TaskState
	Ticks      int64        // ticks consumed since last selected
	Reschedule bool         // set by Yield, consumed by Schedule
	Context    arch.Context // valid while the task is not running
}

// NewTask creates a ready task that will start at entry on the stack ending
// at stackTop.
// NOTE: the stack is not touched here. Schedule builds the first frame when the
// task is dispatched.
func NewTask(id TaskID, name string, entry, stackTop uint32) *Task {
	return &Task{
		ID:    id,
		Name:  name,
		State: TaskReady,
		Context: arch.Context{
			Control: arch.ControlContext{
				PC:    entry,
				CS:    arch.KernelCodeSelector,
				Flags: arch.FlagIF | arch.FlagReserved,
				SP:    stackTop,
			},
			Registers: arch.GeneralRegisters{ESP: stackTop},
		},
	}
}
