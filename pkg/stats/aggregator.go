// Package stats accumulates per-client clock-offset samples and
// periodically summarizes them to an append-only CSV log.
package stats

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// DefaultPath is the log file the original implementation writes to.
const DefaultPath = "./clock_server.out"

// Aggregator collects offset samples keyed by clock_id and periodically
// flushes a min/mean/median/max summary line per client.
type Aggregator struct {
	path string

	mu      sync.Mutex
	samples map[uint32][]int64
}

// New returns an Aggregator that appends summaries to path.
func New(path string) *Aggregator {
	return &Aggregator{
		path:    path,
		samples: make(map[uint32][]int64),
	}
}

// AddPoint appends offsetUs to clockID's sample list, creating the list on
// first use. Safe for concurrent use, including concurrently with
// RecordStatistics.
func (a *Aggregator) AddPoint(clockID uint32, offsetUs int64) {
	a.mu.Lock()
	a.samples[clockID] = append(a.samples[clockID], offsetUs)
	a.mu.Unlock()
}

// Clear discards all collected samples without writing them.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.samples = make(map[uint32][]int64)
	a.mu.Unlock()
}

// RecordStatistics writes one summary line per client to the output log
// and clears the collected samples, if any were collected. It returns nil
// (and writes nothing) when there is nothing to report.
//
// The aggregator lock is held only long enough to snapshot and clear the
// sample map; the file I/O that follows runs unlocked, so a concurrent
// AddPoint is never blocked behind a flush. If the write fails, the
// snapshotted samples are merged back in front of whatever accumulated in
// the meantime so they are retained for the next window.
func (a *Aggregator) RecordStatistics() error {
	a.mu.Lock()
	if len(a.samples) == 0 {
		a.mu.Unlock()
		return nil
	}
	snapshot := a.samples
	a.samples = make(map[uint32][]int64)
	a.mu.Unlock()

	if err := a.writeSnapshot(snapshot); err != nil {
		a.mu.Lock()
		for clockID, pts := range snapshot {
			a.samples[clockID] = append(pts, a.samples[clockID]...)
		}
		a.mu.Unlock()
		return fmt.Errorf("stats: flush failed, samples retained for next window: %w", err)
	}
	return nil
}

func (a *Aggregator) writeSnapshot(snapshot map[uint32][]int64) error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	now := time.Now()
	for _, clockID := range sortedKeys(snapshot) {
		line := summaryLine(now, clockID, snapshot[clockID])
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write %s: %w", a.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", a.path, err)
	}
	return f.Sync()
}

func sortedKeys(m map[uint32][]int64) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// summaryLine formats one CSV line: timestamp_us,clock_id,n,min,mean,median,max.
func summaryLine(at time.Time, clockID uint32, samples []int64) string {
	min, mean, median, max := summarize(samples)
	micros := at.UnixMicro() % 1_000_000
	return fmt.Sprintf("%s.%d,%d,%d,%d,%d,%d,%d",
		at.Format("2006-01-02 15:04:05"), micros,
		clockID, len(samples), min, mean, median, max)
}

// summarize computes min, mean (truncated toward zero), lower-median and
// max of samples. samples must be non-empty.
func summarize(samples []int64) (min, mean, median, max int64) {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]
	median = sorted[len(sorted)/2]

	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	mean = int64(sum / float64(len(samples)))

	return min, mean, median, max
}
