package mem

import (
	"testing"

	"github.com/fjl/memsize"
	"github.com/stretchr/testify/require"
)

// TestRegionMemsizeMatchesArena cross-checks a Region's reported size
// against the real heap footprint of its backing arena, the way the
// teacher's own tooling uses memsize to catch a stats field drifting
// from the actual allocation it describes.
func TestRegionMemsizeMatchesArena(t *testing.T) {
	h := NewHeap()
	_, err := h.Alloc(4096, 0, nil, nil)
	require.NoError(t, err)

	r := h.regions.loadHead()
	require.NotNil(t, r)

	sizes := memsize.Scan(r.arena)
	require.Equal(t, uintptr(len(r.arena)), sizes.Total, "memsize scan disagrees with arena length")
	require.Equal(t, r.size, len(r.arena), "region size field disagrees with its own backing array")
}
