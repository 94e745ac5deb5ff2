package orchestrator

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statsWith(total, system uint64, cpus uint32) container.StatsResponse {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = total
	s.CPUStats.SystemUsage = system
	s.CPUStats.OnlineCPUs = cpus
	return s
}

func TestCPUPercent(t *testing.T) {
	prev := statsWith(1_000_000, 10_000_000, 4)
	cur := statsWith(2_000_000, 20_000_000, 4)

	// delta 1e6 over 1e7, 4 cpus -> 40%
	assert.InDelta(t, 40.0, cpuPercent(cur, prev), 0.001)
}

func TestCPUPercent_ZeroSystemDelta(t *testing.T) {
	prev := statsWith(1_000_000, 10_000_000, 4)
	cur := statsWith(2_000_000, 10_000_000, 4)
	assert.Zero(t, cpuPercent(cur, prev))
}

func TestCPUPercent_FallsBackToPercpuCount(t *testing.T) {
	prev := statsWith(0, 0, 0)
	cur := statsWith(5_000_000, 10_000_000, 0)
	cur.CPUStats.CPUUsage.PercpuUsage = make([]uint64, 2)

	assert.InDelta(t, 100.0, cpuPercent(cur, prev), 0.001)
}

func TestMemUsage(t *testing.T) {
	var s container.StatsResponse
	s.MemoryStats.Usage = 100 * 1024 * 1024

	t.Run("no stats map", func(t *testing.T) {
		assert.Equal(t, uint64(100*1024*1024), memUsage(s))
	})

	t.Run("cgroup v1 cache", func(t *testing.T) {
		s := s
		s.MemoryStats.Stats = map[string]uint64{"cache": 30 * 1024 * 1024}
		assert.Equal(t, uint64(70*1024*1024), memUsage(s))
	})

	t.Run("cgroup v2 inactive_file", func(t *testing.T) {
		s := s
		s.MemoryStats.Stats = map[string]uint64{"inactive_file": 20 * 1024 * 1024}
		assert.Equal(t, uint64(80*1024*1024), memUsage(s))
	})
}

func TestMemPercent(t *testing.T) {
	var s container.StatsResponse
	s.MemoryStats.Usage = 512 * 1024 * 1024
	s.MemoryStats.Limit = 1024 * 1024 * 1024
	assert.Equal(t, "50.00", memPercent(s))

	s.MemoryStats.Limit = memUnlimitedThreshold + 1
	assert.Empty(t, memPercent(s))

	s.MemoryStats.Limit = 0
	assert.Empty(t, memPercent(s))
}

func TestMemLimitMB(t *testing.T) {
	var s container.StatsResponse
	s.MemoryStats.Limit = 1024 * 1024 * 1024
	assert.Equal(t, "1024.00", memLimitMB(s))

	s.MemoryStats.Limit = memUnlimitedThreshold + 1
	assert.Empty(t, memLimitMB(s))

	s.MemoryStats.Limit = 0
	assert.Empty(t, memLimitMB(s))
}

func TestMonitorSink_RowLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	sink, err := newMonitorSink(MonitorConfig{CSVPath: path})
	require.NoError(t, err)

	now := time.UnixMilli(1700000000123)
	sink.Write(sampleRow{
		Timestamp:      now,
		CPUPercent:     12.5,
		MemUsedMB:      70,
		MemLimitMB:     "1024.00",
		MemPercent:     "6.84",
		BlkRead:        2 * 1024 * 1024,
		BlkWrite:       1024 * 1024,
		BlkReadWindow:  512 * 1024,
		BlkWriteWindow: 0,
		NetRx:          3 * 1024 * 1024,
		NetTx:          1536 * 1024,
	})
	sink.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{
		"timestamp", "cpu_percent", "mem_mb", "mem_limit_mb", "mem_percent",
		"blk_read_mb_cum", "blk_write_mb_cum", "net_rx_mb_cum", "net_tx_mb_cum",
		"blk_read_window_mb", "blk_write_window_mb",
	}, records[0])

	row := records[1]
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), row[0])
	assert.Equal(t, "12.50", row[1])
	assert.Equal(t, "70.00", row[2])
	assert.Equal(t, "1024.00", row[3])
	assert.Equal(t, "6.84", row[4])
	assert.Equal(t, "2.00", row[5])
	assert.Equal(t, "1.00", row[6])
	assert.Equal(t, "3.00", row[7])
	assert.Equal(t, "1.50", row[8])
	assert.Equal(t, "0.50", row[9])
	assert.Equal(t, "0.00", row[10])
}

func TestMonitorSink_UnlimitedMemBlankColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	sink, err := newMonitorSink(MonitorConfig{CSVPath: path})
	require.NoError(t, err)

	sink.Write(sampleRow{Timestamp: time.Now()})
	sink.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[1][3])
	assert.Empty(t, records[1][4])
}

func TestSumNetwork(t *testing.T) {
	var s container.StatsResponse
	s.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 100, TxBytes: 50},
		"eth1": {RxBytes: 30, TxBytes: 20},
	}
	rx, tx := sumNetwork(s)
	assert.Equal(t, uint64(130), rx)
	assert.Equal(t, uint64(70), tx)
}

func TestParseIOStat(t *testing.T) {
	body := "259:0 rbytes=1048576 wbytes=524288 rios=12 wios=5 dbytes=0 dios=0\n" +
		"8:16 rbytes=2048 wbytes=4096 rios=1 wios=1 dbytes=0 dios=0\n"
	read, write := parseIOStat(body)
	assert.Equal(t, uint64(1048576+2048), read)
	assert.Equal(t, uint64(524288+4096), write)
}

func TestParseIOStat_Empty(t *testing.T) {
	read, write := parseIOStat("")
	assert.Zero(t, read)
	assert.Zero(t, write)
}

func TestParseProcIO(t *testing.T) {
	body := `rchar: 323934931
wchar: 323929600
syscr: 632687
syscw: 632675
read_bytes: 45056
write_bytes: 323932160
cancelled_write_bytes: 0
`
	read, write := parseProcIO(body)
	assert.Equal(t, uint64(45056), read)
	assert.Equal(t, uint64(323932160), write)
}
