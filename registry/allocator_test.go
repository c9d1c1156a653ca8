package registry

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateIsSequentialPerFamily(t *testing.T) {
	a := NewAllocator()
	assert.Equal(t, "mini1", a.Allocate("mini"))
	assert.Equal(t, "mini2", a.Allocate("mini"))
	assert.Equal(t, "proxy1", a.Allocate("proxy"))
	assert.Equal(t, "mini3", a.Allocate("mini"))
}

func TestReleaseReturnsSmallestFreeFirst(t *testing.T) {
	a := NewAllocator()
	a.Allocate("mini") // mini1
	a.Allocate("mini") // mini2
	a.Allocate("mini") // mini3

	a.Release("mini1")
	a.Release("mini2")
	assert.Equal(t, "mini1", a.Allocate("mini"))
	assert.Equal(t, "mini2", a.Allocate("mini"))
	assert.Equal(t, "mini4", a.Allocate("mini"))
}

func TestReserveKnownID(t *testing.T) {
	a := NewAllocator()
	require.NoError(t, a.Reserve("mini3"))
	// mini1 and mini2 are free below the reserved high-water mark.
	assert.Equal(t, "mini1", a.Allocate("mini"))
	assert.Equal(t, "mini2", a.Allocate("mini"))
	assert.Equal(t, "mini4", a.Allocate("mini"))

	assert.Error(t, a.Reserve("mini3"), "double reserve must conflict")
}

func TestReserveFromFreeList(t *testing.T) {
	a := NewAllocator()
	a.Allocate("mini") // mini1
	a.Allocate("mini") // mini2
	a.Release("mini1")
	require.NoError(t, a.Reserve("mini1"))
	assert.Equal(t, "mini3", a.Allocate("mini"))
}

func TestReserveRejectsMalformedID(t *testing.T) {
	a := NewAllocator()
	assert.Error(t, a.Reserve("mini"))
	assert.Error(t, a.Reserve("42"))
}

// TestAllocatorNeverDoubleAssigns drives random allocate/release sequences
// and checks an id is never held twice.
func TestAllocatorNeverDoubleAssigns(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no live id assigned twice", prop.ForAll(
		func(ops []bool) bool {
			a := NewAllocator()
			live := make(map[string]bool)
			var liveIDs []string
			for _, alloc := range ops {
				if alloc || len(liveIDs) == 0 {
					id := a.Allocate("mini")
					if live[id] {
						return false
					}
					live[id] = true
					liveIDs = append(liveIDs, id)
				} else {
					id := liveIDs[0]
					liveIDs = liveIDs[1:]
					delete(live, id)
					a.Release(id)
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
