// internal/trace/recorder.go

package trace

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ksched/internal/logging"
	"ksched/internal/sched"
)

// Recorder consumes scheduler events, logs them and optionally writes them to
// a CSV file.
type Recorder struct {
	logger *slog.Logger
	runID  string
	seq    int64
	counts map[sched.StatusKind]int64

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// NewRecorder creates a recorder with a fresh run ID.
func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{
		logger: logging.OrDiscard(logger),
		runID:  uuid.NewString(),
		counts: make(map[sched.StatusKind]int64),
	}
}

// RunID identifies this run in logs and CSV rows.
func (r *Recorder) RunID() string { return r.runID }

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run(); Finish closes it.
func (r *Recorder) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "run_id", "seq", "event", "task_id", "ticks", "pc"}); err != nil {
		f.Close()
		return fmt.Errorf("write trace header: %w", err)
	}
	r.csvFile = f
	r.csvWriter = w
	return nil
}

// Run consumes events until ch is closed.
func (r *Recorder) Run(ch <-chan sched.StatusEvent) {
	for ev := range ch {
		r.handleEvent(ev)
	}
}

// Finish closes the trace after Run returns. dropped is the number of events
// the scheduler could not deliver; when it is non-zero the trace is
// incomplete, which is logged and recorded as a final "Dropped" row carrying
// the count in its ticks column.
func (r *Recorder) Finish(dropped int64) error {
	if dropped > 0 {
		r.logger.Warn("trace incomplete: scheduler events dropped",
			"run_id", r.runID,
			"dropped", dropped,
			"recorded", r.seq,
		)
	}
	if r.csvFile == nil {
		return nil
	}

	if dropped > 0 {
		r.csvWriter.Write([]string{
			time.Now().Format(time.RFC3339Nano),
			r.runID,
			strconv.FormatInt(r.seq+1, 10),
			"Dropped",
			"",
			strconv.FormatInt(dropped, 10),
			"",
		})
	}
	r.csvWriter.Flush()
	err := r.csvWriter.Error()
	if cerr := r.csvFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Counts returns how many events of each kind were seen. Only valid after Run
// returns, and short of the true totals when events were dropped.
func (r *Recorder) Counts() map[sched.StatusKind]int64 {
	return r.counts
}

func (r *Recorder) handleEvent(ev sched.StatusEvent) {
	r.seq++
	r.counts[ev.Kind]++

	// tick events occur on every timer interrupt; keep them out of the log
	if ev.Kind != sched.StatusTick {
		level := slog.LevelInfo
		if ev.Kind == sched.StatusHalt {
			level = slog.LevelError
		}
		r.logger.Log(context.Background(), level, ev.Kind.String(),
			"run_id", r.runID,
			"seq", r.seq,
			"tid", ev.TaskID,
			"ticks", ev.Ticks,
			"pc", fmt.Sprintf("%#x", ev.PC),
		)
	}

	if r.csvWriter != nil {
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			r.runID,
			strconv.FormatInt(r.seq, 10),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.FormatInt(ev.Ticks, 10),
			fmt.Sprintf("%#x", ev.PC),
		}
		r.csvWriter.Write(rec)
	}
}
