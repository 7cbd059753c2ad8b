package mem

import (
	"bytes"
	"encoding/gob"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

// MemStats is the snapshot returned by GetMemStats (spec.md §6).
type MemStats struct {
	Bytes        int64
	Used         int64
	Free         int64
	RegionCount  int64
	BlockCount   int64
	GCCycles     int64
	LastGCFreed  int64
	Warn         uint64
	Max          uint64
	Cache        uint64
	SampledAtUTC int64
}

const statsSnapshotKey = "pmr:mem:stats:snapshot"
const statsSnapshotTTL = 250 * time.Millisecond

// statsCache wraps a small fastcache instance as a short-TTL memoization
// layer in front of GetMemStats, so bursts of callers (the pmrtop
// dashboard, the monitor exporter) don't each force a full region walk
// while a GC cycle may be in flight (see SPEC_FULL.md §3 "fastcache ...
// short-TTL cache").
type statsCache struct {
	c        *fastcache.Cache
	lastSeen int64 // unix nano of the last cached snapshot
}

func newStatsCache() *statsCache {
	return &statsCache{c: fastcache.New(64 * 1024)}
}

func (sc *statsCache) get(now time.Time) (MemStats, bool) {
	last := atomic.LoadInt64(&sc.lastSeen)
	if last == 0 || now.Sub(time.Unix(0, last)) > statsSnapshotTTL {
		return MemStats{}, false
	}
	raw := sc.c.Get(nil, []byte(statsSnapshotKey))
	if raw == nil {
		return MemStats{}, false
	}
	var s MemStats
	dec := gob.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&s); err != nil {
		return MemStats{}, false
	}
	return s, true
}

func (sc *statsCache) put(s MemStats) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return
	}
	sc.c.Set([]byte(statsSnapshotKey), buf.Bytes())
	atomic.StoreInt64(&sc.lastSeen, s.SampledAtUTC)
}
