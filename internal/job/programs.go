package job

import (
	"fmt"
	"strings"

	"ksched/internal/machine"
)

// Spin returns a program that does work forever and is only ever preempted.
func Spin(work int) machine.Code {
	return loop(work, false)
}

// Yielder returns a program that gives up the CPU after every work run.
func Yielder(work int) machine.Code {
	return loop(work, true)
}

func loop(work int, yield bool) machine.Code {
	if work < 1 {
		work = 1
	}
	code := make(machine.Code, 0, work+2)
	for i := 0; i < work; i++ {
		code = append(code, machine.OpWork)
	}
	if yield {
		code = append(code, machine.OpYield)
	}
	return append(code, machine.OpLoop)
}

// ByName builds the program named by kind.
func ByName(kind string, work int) (machine.Code, error) {
	switch strings.ToLower(kind) {
	case "", "spin":
		return Spin(work), nil
	case "yield":
		return Yielder(work), nil
	default:
		return nil, fmt.Errorf("unknown program %q", kind)
	}
}
