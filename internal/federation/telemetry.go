package federation

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Recorder collects phase timestamps for one federation run. All steps share
// a single monotonic clock read at construction, so rows are comparable
// within a run but never across runs or hosts.
type Recorder struct {
	mu    sync.Mutex
	start time.Time
	steps []step
}

type step struct {
	label string
	ms    int64
}

// NewRecorder starts a run clock.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

// Record appends a step with the elapsed milliseconds since run start.
func (r *Recorder) Record(label string) {
	elapsed := time.Since(r.start).Milliseconds()
	r.mu.Lock()
	r.steps = append(r.steps, step{label: label, ms: elapsed})
	r.mu.Unlock()
}

// Recordf is Record with a formatted label.
func (r *Recorder) Recordf(format string, args ...interface{}) {
	r.Record(fmt.Sprintf(format, args...))
}

// Elapsed returns milliseconds since run start.
func (r *Recorder) Elapsed() int64 {
	return time.Since(r.start).Milliseconds()
}

// Steps returns a copy of the recorded steps as label -> ms pairs, in order.
func (r *Recorder) Steps() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]string, len(r.steps))
	for i, s := range r.steps {
		out[i] = [2]string{s.label, strconv.FormatInt(s.ms, 10)}
	}
	return out
}

// Export writes the run's telemetry as a two-column CSV. The final row
// carries the service identifier instead of a timestamp.
func (r *Recorder) Export(path string, serviceID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create telemetry dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create telemetry csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "timestamp"}); err != nil {
		return err
	}
	r.mu.Lock()
	for _, s := range r.steps {
		if err := w.Write([]string{s.label, strconv.FormatInt(s.ms, 10)}); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	if serviceID != "" {
		if err := w.Write([]string{"service_id", serviceID}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
