// Package localstats samples the local process table and exposes it in the
// same shape as the remote statistics API.
package localstats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/procview/internal/longview"
)

// Sample is one process observed during a scan. Counters are cumulative.
type Sample struct {
	PID        int32
	Name       string
	User       string
	Exe        string
	CPUSeconds float64
	RSSBytes   uint64
	ReadBytes  uint64
	WriteBytes uint64
	HasIO      bool
}

// Lister enumerates processes.
type Lister func(ctx context.Context) ([]Sample, error)

type groupKey struct {
	name string
	user string
}

type groupHistory struct {
	longName string
	lastSeen time.Time
	count    *ring
	cpu      *ring
	mem      *ring
	ioRead   *ring
	ioWrite  *ring
}

type counters struct {
	cpuSeconds float64
	readBytes  uint64
	writeBytes uint64
	hasIO      bool
}

// Collector periodically samples processes, grouped by name and user, into
// bounded per-series histories.
type Collector struct {
	interval time.Duration
	history  int
	list     Lister
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	groups      map[groupKey]*groupHistory
	prev        map[int32]counters
	lastScan    time.Time
	lastUpdated int64
}

// NewCollector constructs a Collector. A nil lister samples the host via gopsutil.
func NewCollector(interval time.Duration, history int, list Lister, logger *slog.Logger) (*Collector, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if history <= 0 {
		return nil, fmt.Errorf("history must be > 0")
	}
	if list == nil {
		list = ListProcesses
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		interval: interval,
		history:  history,
		list:     list,
		logger:   logger.With("component", "localstats"),
		now:      time.Now,
		groups:   make(map[groupKey]*groupHistory),
		prev:     make(map[int32]counters),
	}, nil
}

// Run samples on every tick until the context is canceled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("local collector started", "interval", c.interval, "history", c.history)
	c.scan(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("local collector stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

func (c *Collector) scan(ctx context.Context) {
	samples, err := c.list(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("process scan failed", "err", err)
		}
		return
	}
	c.record(c.now(), samples)
}

type aggregate struct {
	longName string
	count    float64
	cpu      float64
	memKiB   float64
	readKiB  float64
	writeKiB float64
}

// record folds one scan into the histories.
func (c *Collector) record(now time.Time, samples []Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var elapsed float64
	if !c.lastScan.IsZero() {
		elapsed = now.Sub(c.lastScan).Seconds()
	}

	groups := make(map[groupKey]*aggregate)
	next := make(map[int32]counters, len(samples))
	for _, s := range samples {
		if s.Name == "" {
			continue
		}
		key := groupKey{name: s.Name, user: s.User}
		agg, ok := groups[key]
		if !ok {
			agg = &aggregate{}
			groups[key] = agg
		}
		agg.count++
		agg.memKiB += float64(s.RSSBytes) / 1024
		if agg.longName == "" {
			agg.longName = s.Exe
		}

		cur := counters{cpuSeconds: s.CPUSeconds, readBytes: s.ReadBytes, writeBytes: s.WriteBytes, hasIO: s.HasIO}
		next[s.PID] = cur

		prev, seen := c.prev[s.PID]
		if !seen || elapsed <= 0 {
			continue
		}
		if cur.cpuSeconds >= prev.cpuSeconds {
			agg.cpu += (cur.cpuSeconds - prev.cpuSeconds) / elapsed * 100
		}
		if cur.hasIO && prev.hasIO {
			if cur.readBytes >= prev.readBytes {
				agg.readKiB += float64(cur.readBytes-prev.readBytes) / 1024 / elapsed
			}
			if cur.writeBytes >= prev.writeBytes {
				agg.writeKiB += float64(cur.writeBytes-prev.writeBytes) / 1024 / elapsed
			}
		}
	}

	ts := now.Unix()
	for key, agg := range groups {
		hist, ok := c.groups[key]
		if !ok {
			hist = &groupHistory{
				count:   newRing(c.history),
				cpu:     newRing(c.history),
				mem:     newRing(c.history),
				ioRead:  newRing(c.history),
				ioWrite: newRing(c.history),
			}
			c.groups[key] = hist
		}
		if agg.longName != "" {
			hist.longName = agg.longName
		}
		hist.lastSeen = now
		hist.count.push(longview.Point{X: ts, Y: agg.count})
		hist.cpu.push(longview.Point{X: ts, Y: agg.cpu})
		hist.mem.push(longview.Point{X: ts, Y: agg.memKiB})
		hist.ioRead.push(longview.Point{X: ts, Y: agg.readKiB})
		hist.ioWrite.push(longview.Point{X: ts, Y: agg.writeKiB})
	}

	// Evict groups whose whole history window has passed without a sighting.
	retention := time.Duration(c.history) * c.interval
	for key, hist := range c.groups {
		if now.Sub(hist.lastSeen) > retention {
			delete(c.groups, key)
		}
	}

	c.prev = next
	c.lastScan = now
	c.lastUpdated = ts
}

// LastUpdated returns the unix time of the last completed scan, 0 before the first.
func (c *Collector) LastUpdated(ctx context.Context, _ string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated, nil
}

// Processes builds a statistics payload from the recorded histories.
func (c *Collector) Processes(ctx context.Context, _ string) (longview.Processes, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := longview.Processes{Processes: make(map[string]longview.Process)}
	for key, hist := range c.groups {
		proc, ok := out.Processes[key.name]
		if !ok {
			proc = longview.Process{Users: make(map[string]longview.UserStats)}
		}
		if proc.LongName == "" {
			proc.LongName = hist.longName
		}
		proc.Users[key.user] = longview.UserStats{
			Count:         hist.count.series(),
			CPU:           hist.cpu.series(),
			Mem:           hist.mem.series(),
			IOReadKBytes:  hist.ioRead.series(),
			IOWriteKBytes: hist.ioWrite.series(),
		}
		out.Processes[key.name] = proc
	}
	return out, nil
}
