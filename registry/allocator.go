package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Allocator assigns permanent ids of the form <family><n> (mini1, proxy3).
// Each family keeps a free list; the smallest free integer is reused first.
// Ids of dead services return to the free list only after the removal grace
// window, so a service that re-registers in time recovers its id.
type Allocator struct {
	mu   sync.Mutex
	next map[string]int
	free map[string][]int // kept sorted ascending
}

// NewAllocator constructs an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		next: make(map[string]int),
		free: make(map[string][]int),
	}
}

// Allocate returns the next id for a family.
func (a *Allocator) Allocate(family string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if frees := a.free[family]; len(frees) > 0 {
		n := frees[0]
		a.free[family] = frees[1:]
		return family + strconv.Itoa(n)
	}
	a.next[family]++
	return family + strconv.Itoa(a.next[family])
}

// Reserve marks a specific id as taken, for rebuilds where services
// re-announce ids assigned before a registry restart.
func (a *Allocator) Reserve(id string) error {
	family, n, err := splitID(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.next[family] {
		// Everything between the old high-water mark and n is now free.
		for i := a.next[family] + 1; i < n; i++ {
			a.free[family] = insertSorted(a.free[family], i)
		}
		a.next[family] = n
		return nil
	}
	frees := a.free[family]
	idx := sort.SearchInts(frees, n)
	if idx < len(frees) && frees[idx] == n {
		a.free[family] = append(frees[:idx], frees[idx+1:]...)
		return nil
	}
	return fmt.Errorf("id %q already allocated", id)
}

// Release returns an id to its family's free list.
func (a *Allocator) Release(id string) {
	family, n, err := splitID(id)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == a.next[family] {
		a.next[family]--
		return
	}
	if n < a.next[family] {
		a.free[family] = insertSorted(a.free[family], n)
	}
}

// splitID separates the family prefix from the numeric suffix.
func splitID(id string) (string, int, error) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) || i == 0 {
		return "", 0, fmt.Errorf("malformed id %q", id)
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed id %q: %w", id, err)
	}
	return strings.ToLower(id[:i]), n, nil
}

func insertSorted(s []int, n int) []int {
	idx := sort.SearchInts(s, n)
	if idx < len(s) && s[idx] == n {
		return s
	}
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = n
	return s
}
