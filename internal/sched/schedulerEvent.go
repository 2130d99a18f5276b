// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusSpawn    StatusKind = iota
	StatusTick                // quota not exhausted, task continues
	StatusPreempt             // quota exhausted
	StatusYield               // reschedule requested by the task
	StatusDispatch            // task loaded onto the CPU
	StatusHalt
)

// StatusEvent is emitted on every scheduler invocation and on key actions.
type StatusEvent struct {
	Time   time.Time
	Kind   StatusKind
	TaskID TaskID
	Ticks  int64
	PC     uint32
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusSpawn:
		return "Spawn"
	case StatusTick:
		return "Tick"
	case StatusPreempt:
		return "Preempt"
	case StatusYield:
		return "Yield"
	case StatusDispatch:
		return "Dispatch"
	case StatusHalt:
		return "Halt"
	default:
		return "Unknown"
	}
}
