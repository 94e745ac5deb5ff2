package orchestrator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
)

var (
	// ErrMonitorRunning is returned when a second monitor start is attempted.
	ErrMonitorRunning = errors.New("orchestrator: monitor already running")
	// ErrMonitorNotRunning is returned when stopping an idle monitor.
	ErrMonitorNotRunning = errors.New("orchestrator: monitor not running")
)

// memUnlimitedThreshold: limits above 2^50 bytes mean the container has no
// memory limit, so a percentage would be meaningless.
const memUnlimitedThreshold = uint64(1) << 50

// MonitorConfig selects the monitored container and the output sinks.
type MonitorConfig struct {
	Container string
	Interval  time.Duration
	CSVPath   string
	Stdout    bool
}

type monitorSlot struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// sampleRow is one emitted measurement. Counters are kept in bytes and
// converted to MB at the sink.
type sampleRow struct {
	Timestamp      time.Time
	CPUPercent     float64
	MemUsedMB      float64
	MemLimitMB     string // blank when the container is unlimited
	MemPercent     string // blank when the container is unlimited
	BlkRead        uint64 // cumulative since container start
	BlkWrite       uint64
	BlkReadWindow  uint64 // since monitor start
	BlkWriteWindow uint64
	NetRx          uint64
	NetTx          uint64
}

// MonitorStart begins sampling a container's resource usage. Only one
// monitor runs per orchestrator; a second start fails with ErrMonitorRunning.
func (o *Orchestrator) MonitorStart(ctx context.Context, cfg MonitorConfig) error {
	o.monitor.mu.Lock()
	defer o.monitor.mu.Unlock()
	if o.monitor.running {
		return ErrMonitorRunning
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	info, err := o.cli.ContainerInspect(ctx, cfg.Container)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", cfg.Container, err)
	}
	pid := 0
	if info.State != nil {
		pid = info.State.Pid
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := o.cli.ContainerStats(runCtx, info.ID, true)
	if err != nil {
		cancel()
		return fmt.Errorf("stats stream for %s: %w", cfg.Container, err)
	}

	sink, err := newMonitorSink(cfg)
	if err != nil {
		cancel()
		stream.Body.Close()
		return err
	}

	done := make(chan struct{})
	o.monitor.running = true
	o.monitor.cancel = cancel
	o.monitor.done = done

	go o.runMonitor(runCtx, info.ID, pid, cfg, stream.Body, sink, done)
	o.logger.Info("monitor started",
		slog.String("container", cfg.Container),
		slog.Duration("interval", cfg.Interval),
	)
	return nil
}

// MonitorStop halts the running monitor and waits for its final snapshot.
func (o *Orchestrator) MonitorStop() error {
	o.monitor.mu.Lock()
	if !o.monitor.running {
		o.monitor.mu.Unlock()
		return ErrMonitorNotRunning
	}
	cancel := o.monitor.cancel
	done := o.monitor.done
	o.monitor.running = false
	o.monitor.cancel = nil
	o.monitor.done = nil
	o.monitor.mu.Unlock()

	cancel()
	<-done
	o.logger.Info("monitor stopped")
	return nil
}

func (o *Orchestrator) runMonitor(ctx context.Context, containerID string, pid int, cfg MonitorConfig, body io.ReadCloser, sink *monitorSink, done chan struct{}) {
	defer close(done)
	defer sink.Close()
	defer body.Close()

	dec := json.NewDecoder(body)

	var (
		prev         container.StatsResponse
		havePrev     bool
		baselineR    uint64
		baselineW    uint64
		haveBaseline bool
		lastEmit     time.Time
	)

	for {
		var cur container.StatsResponse
		if err := dec.Decode(&cur); err != nil {
			if ctx.Err() == nil {
				o.logger.Error("monitor: stats stream ended", slog.String("error", err.Error()))
			}
			break
		}

		// the first sample only primes the CPU deltas
		if !havePrev {
			prev = cur
			havePrev = true
			r, w := o.blockIO(cur, pid)
			baselineR, baselineW = r, w
			haveBaseline = true
			lastEmit = time.Now()
			continue
		}

		if time.Since(lastEmit) >= cfg.Interval {
			row := o.buildRow(cur, prev, pid, baselineR, baselineW)
			sink.Write(row)
			lastEmit = time.Now()
		}
		prev = cur

		if ctx.Err() != nil {
			break
		}
	}

	// final synchronous snapshot so windowed totals stay well-defined
	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := o.cli.ContainerStats(snapCtx, containerID, false)
	if err != nil {
		o.logger.Error("monitor: final snapshot", slog.String("error", err.Error()))
		return
	}
	defer snap.Body.Close()

	var final container.StatsResponse
	if err := json.NewDecoder(snap.Body).Decode(&final); err != nil {
		o.logger.Error("monitor: decode final snapshot", slog.String("error", err.Error()))
		return
	}
	if !haveBaseline {
		baselineR, baselineW = o.blockIO(final, pid)
	}
	if !havePrev {
		prev = final
	}
	sink.Write(o.buildRow(final, prev, pid, baselineR, baselineW))
}

func (o *Orchestrator) buildRow(cur, prev container.StatsResponse, pid int, baselineR, baselineW uint64) sampleRow {
	blkR, blkW := o.blockIO(cur, pid)
	rx, tx := sumNetwork(cur)

	row := sampleRow{
		Timestamp:  time.Now(),
		CPUPercent: cpuPercent(cur, prev),
		MemUsedMB:  float64(memUsage(cur)) / (1024 * 1024),
		MemLimitMB: memLimitMB(cur),
		MemPercent: memPercent(cur),
		BlkRead:    blkR,
		BlkWrite:   blkW,
		NetRx:      rx,
		NetTx:      tx,
	}
	if blkR >= baselineR {
		row.BlkReadWindow = blkR - baselineR
	}
	if blkW >= baselineW {
		row.BlkWriteWindow = blkW - baselineW
	}
	return row
}

// cpuPercent computes usage against the previous sample, scaled by the
// number of online CPUs.
func cpuPercent(cur, prev container.StatsResponse) float64 {
	cpuDelta := float64(cur.CPUStats.CPUUsage.TotalUsage) - float64(prev.CPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(cur.CPUStats.SystemUsage) - float64(prev.CPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	cpus := float64(cur.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(cur.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return (cpuDelta / sysDelta) * cpus * 100
}

// memUsage subtracts the page cache from the reported usage. cgroup v1
// exposes it as "cache", v2 as "inactive_file".
func memUsage(s container.StatsResponse) uint64 {
	usage := s.MemoryStats.Usage
	if cache, ok := s.MemoryStats.Stats["cache"]; ok && cache <= usage {
		return usage - cache
	}
	if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && inactive <= usage {
		return usage - inactive
	}
	return usage
}

// memPercent returns the usage as a percentage of the limit, or blank when
// the container is effectively unlimited.
func memPercent(s container.StatsResponse) string {
	limit := s.MemoryStats.Limit
	if limit == 0 || limit > memUnlimitedThreshold {
		return ""
	}
	return strconv.FormatFloat(float64(memUsage(s))/float64(limit)*100, 'f', 2, 64)
}

// memLimitMB returns the limit in MB, blank when effectively unlimited.
func memLimitMB(s container.StatsResponse) string {
	limit := s.MemoryStats.Limit
	if limit == 0 || limit > memUnlimitedThreshold {
		return ""
	}
	return mbString(limit)
}

// mbString renders a byte count as MB with two decimals.
func mbString(b uint64) string {
	return strconv.FormatFloat(float64(b)/(1024*1024), 'f', 2, 64)
}

func sumNetwork(s container.StatsResponse) (rx, tx uint64) {
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

// blockIO returns cumulative read/write bytes, falling back from the
// runtime's counters to cgroup v2 io.stat and finally to /proc/<pid>/io.
func (o *Orchestrator) blockIO(s container.StatsResponse, pid int) (read, write uint64) {
	for _, entry := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += entry.Value
		case "write":
			write += entry.Value
		}
	}
	if read > 0 || write > 0 || pid == 0 {
		return read, write
	}

	if r, w, err := cgroupIO(pid); err == nil {
		return r, w
	}
	if r, w, err := procIO(pid); err == nil {
		return r, w
	}
	return 0, 0
}

// cgroupIO reads cumulative io stats from the process's cgroup v2 io.stat.
func cgroupIO(pid int) (read, write uint64, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return 0, 0, err
	}
	cgroupPath := ""
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		// cgroup v2 has a single "0::<path>" entry
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			cgroupPath = rest
			break
		}
	}
	if cgroupPath == "" {
		return 0, 0, errors.New("no cgroup v2 entry")
	}

	stat, err := os.ReadFile("/sys/fs/cgroup" + cgroupPath + "/io.stat")
	if err != nil {
		return 0, 0, err
	}
	read, write = parseIOStat(string(stat))
	return read, write, nil
}

// parseIOStat sums rbytes and wbytes across all devices in a cgroup v2
// io.stat body ("<maj>:<min> rbytes=N wbytes=N ...").
func parseIOStat(body string) (read, write uint64) {
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		for _, field := range strings.Fields(line) {
			if v, ok := strings.CutPrefix(field, "rbytes="); ok {
				if n, err := strconv.ParseUint(v, 10, 64); err == nil {
					read += n
				}
			}
			if v, ok := strings.CutPrefix(field, "wbytes="); ok {
				if n, err := strconv.ParseUint(v, 10, 64); err == nil {
					write += n
				}
			}
		}
	}
	return read, write
}

// procIO reads cumulative bytes from /proc/<pid>/io.
func procIO(pid int) (read, write uint64, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return 0, 0, err
	}
	read, write = parseProcIO(string(raw))
	return read, write, nil
}

func parseProcIO(body string) (read, write uint64) {
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if v, ok := strings.CutPrefix(line, "read_bytes: "); ok {
			if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
				read = n
			}
		}
		if v, ok := strings.CutPrefix(line, "write_bytes: "); ok {
			if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
				write = n
			}
		}
	}
	return read, write
}

// monitorSink fans rows out to the configured outputs.
type monitorSink struct {
	csvFile *os.File
	csvW    *csv.Writer
	stdout  bool
}

var monitorHeader = []string{
	"timestamp", "cpu_percent", "mem_mb", "mem_limit_mb", "mem_percent",
	"blk_read_mb_cum", "blk_write_mb_cum", "net_rx_mb_cum", "net_tx_mb_cum",
	"blk_read_window_mb", "blk_write_window_mb",
}

func newMonitorSink(cfg MonitorConfig) (*monitorSink, error) {
	sink := &monitorSink{stdout: cfg.Stdout}
	if cfg.CSVPath != "" {
		f, err := os.Create(cfg.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("create monitor csv: %w", err)
		}
		sink.csvFile = f
		sink.csvW = csv.NewWriter(f)
		if err := sink.csvW.Write(monitorHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write monitor csv header: %w", err)
		}
	}
	return sink, nil
}

func (s *monitorSink) Write(row sampleRow) {
	record := []string{
		strconv.FormatInt(row.Timestamp.UnixMilli(), 10),
		strconv.FormatFloat(row.CPUPercent, 'f', 2, 64),
		strconv.FormatFloat(row.MemUsedMB, 'f', 2, 64),
		row.MemLimitMB,
		row.MemPercent,
		mbString(row.BlkRead),
		mbString(row.BlkWrite),
		mbString(row.NetRx),
		mbString(row.NetTx),
		mbString(row.BlkReadWindow),
		mbString(row.BlkWriteWindow),
	}
	if s.csvW != nil {
		s.csvW.Write(record)
		s.csvW.Flush()
	}
	if s.stdout {
		fmt.Println(strings.Join(record, ","))
	}
}

func (s *monitorSink) Close() {
	if s.csvW != nil {
		s.csvW.Flush()
		s.csvFile.Close()
	}
}
