package tunnel

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/althea-mesh/rita-go/internal/kernel"
)

// ErrPortExhaustion is returned when no free port could be verified against
// the OS after the bounded number of attempts (spec.md §4.3, §7).
var ErrPortExhaustion = errors.New("port exhaustion: no free port verified by the OS")

const maxPortAttempts = 10

// PortPool is the set of free UDP ports in [start, 65535). Every port is
// either in the pool or held by exactly one live tunnel's ListenPort
// (spec.md §3 invariant, §8 P2). Owned exclusively by the Tunnel Manager.
type PortPool struct {
	mu   sync.Mutex
	free map[uint16]struct{}
}

// NewPortPool fills the pool with every port in [start, 65535).
func NewPortPool(start uint16) *PortPool {
	free := make(map[uint16]struct{}, int(65535-uint32(start)))
	for p := uint32(start); p < 65535; p++ {
		free[uint16(p)] = struct{}{}
	}
	return &PortPool{free: free}
}

// Size reports the number of free ports remaining, for tests asserting P2.
func (pp *PortPool) Size() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.free)
}

// Return puts port back into the pool.
func (pp *PortPool) Return(port uint16) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.free[port] = struct{}{}
}

// Get draws a uniform random free port and verifies via the kernel's
// used-port table that the OS agrees it is free, retrying up to
// maxPortAttempts times before failing with ErrPortExhaustion
// (spec.md §4.3).
func (pp *PortPool) Get(ctx context.Context, k kernel.Interface) (uint16, error) {
	used, err := k.UsedPorts(ctx)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port, ok := pp.drawLocked()
		if !ok {
			return 0, ErrPortExhaustion
		}
		if _, inUse := used[port]; !inUse {
			return port, nil
		}
		// The OS disagrees: the port is returned to the pool and another
		// is drawn.
		pp.Return(port)
	}
	return 0, ErrPortExhaustion
}

func (pp *PortPool) drawLocked() (uint16, bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if len(pp.free) == 0 {
		return 0, false
	}
	idx := rand.Intn(len(pp.free))
	i := 0
	for port := range pp.free {
		if i == idx {
			delete(pp.free, port)
			return port, true
		}
		i++
	}
	panic("unreachable: index out of range of free port set")
}
