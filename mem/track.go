package mem

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

// siteTracker backs the PMR_TRACK_MEM tuning knob (spec.md §6): each
// tracked allocation records an allocation-site fingerprint rather than a
// full stack string, and a bounded LRU caps the number of distinct sites
// so a caller with unbounded unique call sites cannot itself become a
// leak in the tracker.
type siteTracker struct {
	enabled int32

	mu    sync.Mutex
	sites *lru.Cache // siteKey(uint64) -> *siteInfo
}

type siteInfo struct {
	frame string
	count int64
	bytes int64
}

func newSiteTracker() *siteTracker {
	c, _ := lru.New(4096)
	return &siteTracker{sites: c}
}

func (t *siteTracker) setEnabled(on bool) {
	if on {
		atomic.StoreInt32(&t.enabled, 1)
	} else {
		atomic.StoreInt32(&t.enabled, 0)
	}
}

func (t *siteTracker) isEnabled() bool { return atomic.LoadInt32(&t.enabled) != 0 }

// capture records the caller frame `skip` levels above the allocator's
// public entry point and returns its fingerprint, or 0 when tracking is
// disabled.
func (t *siteTracker) capture(skip int, size int) uint64 {
	if !t.isEnabled() {
		return 0
	}
	call := stack.Caller(skip)
	frame := call.String()
	key := siteKeyOf(frame)

	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.sites.Get(key); ok {
		info := v.(*siteInfo)
		info.count++
		info.bytes += int64(size)
	} else {
		t.sites.Add(key, &siteInfo{frame: frame, count: 1, bytes: int64(size)})
	}
	return key
}

// siteKeyOf folds a call-site string to a 64-bit key via blake2b, cheaper
// to store per-block than the full frame string.
func siteKeyOf(frame string) uint64 {
	sum := blake2b.Sum512([]byte(frame))
	return binary.LittleEndian.Uint64(sum[:8])
}

// Sites returns a snapshot of tracked allocation sites, keyed by site
// fingerprint, for diagnostics.
func (t *siteTracker) Sites() map[uint64]siteInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]siteInfo, t.sites.Len())
	for _, key := range t.sites.Keys() {
		if v, ok := t.sites.Peek(key); ok {
			info := v.(*siteInfo)
			out[key.(uint64)] = *info
		}
	}
	return out
}
