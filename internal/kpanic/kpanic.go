// Package kpanic is the kernel's fatal-error path. A raised Fatal unwinds to
// whoever owns the machine, which halts it; nothing inside the kernel
// recovers from one.
package kpanic

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Fatal describes a kernel assertion failure.
type Fatal struct {
	File string
	Line int
	Msg  string
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("kernel panic at %s:%d: %s", f.File, f.Line, f.Msg)
}

// Assert raises a Fatal when cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		raise(2, format, args...)
	}
}

// Panic raises a Fatal unconditionally.
func Panic(format string, args ...any) {
	raise(2, format, args...)
}

func raise(skip int, format string, args ...any) {
	f := &Fatal{File: "?", Msg: fmt.Sprintf(format, args...)}
	if _, file, line, ok := runtime.Caller(skip); ok {
		f.File = filepath.Base(file)
		f.Line = line
	}
	panic(f)
}

// Catch runs fn and returns the Fatal it raised, if any. Other panics
// propagate.
func Catch(fn func()) (fatal *Fatal) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*Fatal)
			if !ok {
				panic(r)
			}
			fatal = f
		}
	}()
	fn()
	return nil
}
