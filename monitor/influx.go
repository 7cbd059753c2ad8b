// Package monitor optionally pushes a Runtime's memory, worker-pool and
// dispatcher stats to InfluxDB, modeled on the teacher's own
// torrentfs/ethstats-style "push internal state to an external sink"
// packages. This is an external collaborator, not a core dependency
// (spec.md §1 treats logging sinks as out of core scope) — a Runtime
// works identically whether or not a monitor.Exporter is attached.
package monitor

import (
	"fmt"
	"time"

	client "github.com/influxdata/influxdb/client/v2"

	"github.com/pmrhq/pmr/internal/rlog"
	"github.com/pmrhq/pmr/mem"
	"github.com/pmrhq/pmr/worker"
)

// Config describes where and how often to push samples.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Interval time.Duration
	Tags     map[string]string
}

// DefaultInterval matches pmrtop's own polling cadence.
const DefaultInterval = time.Second

// Exporter periodically samples a Runtime's stats and writes them as one
// InfluxDB point per sample, using the line-protocol batching the v1
// client already provides rather than hand-built line protocol strings.
type Exporter struct {
	cfg    Config
	client client.Client

	statsFn func() (mem.MemStats, worker.Stats)

	stop chan struct{}
	done chan struct{}
}

// StatsSource is anything that can report the current memory and worker
// stats — satisfied directly by *pmr.Runtime without this package
// importing pmr (pmr already imports mem/worker; importing pmr here
// would be the wrong direction).
type StatsSource interface {
	GetMemStats() mem.MemStats
	GetWorkerStats() worker.Stats
}

// NewExporter builds an Exporter against src, validating the InfluxDB
// client configuration (such as a malformed Addr) at construction rather
// than on the first tick. No connection is made until a sample is written.
func NewExporter(cfg Config, src StatsSource) (*Exporter, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: connect influxdb: %w", err)
	}
	return &Exporter{
		cfg:     cfg,
		client:  c,
		statsFn: func() (mem.MemStats, worker.Stats) { return src.GetMemStats(), src.GetWorkerStats() },
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the sampling loop in a goroutine until Stop is called.
func (e *Exporter) Start() {
	go e.run()
}

func (e *Exporter) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.sampleOnce(); err != nil {
				rlog.Warn("monitor: sample failed", "err", err)
			}
		}
	}
}

func (e *Exporter) sampleOnce() error {
	mstats, wstats := e.statsFn()

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  e.cfg.Database,
		Precision: "s",
	})
	if err != nil {
		return fmt.Errorf("monitor: new batch: %w", err)
	}

	fields := map[string]interface{}{
		"mem_bytes":     mstats.Bytes,
		"mem_used":      mstats.Used,
		"mem_free":      mstats.Free,
		"regions":       mstats.RegionCount,
		"blocks":        mstats.BlockCount,
		"gc_cycles":     mstats.GCCycles,
		"last_gc_freed": mstats.LastGCFreed,
		"workers_min":   wstats.Min,
		"workers_max":   wstats.Max,
		"workers_idle":  wstats.Idle,
		"workers_busy":  wstats.Busy,
		"workers_yield": wstats.Yielded,
	}
	pt, err := client.NewPoint("pmr_stats", e.cfg.Tags, fields, time.Now())
	if err != nil {
		return fmt.Errorf("monitor: new point: %w", err)
	}
	bp.AddPoint(pt)

	return e.client.Write(bp)
}

// Stop halts the sampling loop and blocks until it has exited, then
// closes the underlying InfluxDB client connection.
func (e *Exporter) Stop() {
	close(e.stop)
	<-e.done
	_ = e.client.Close()
}
