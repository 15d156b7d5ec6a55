package lib

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

var errPortPoolEmpty = errors.New("port pool is empty")

// PortPool hands out local ports for active opens. Ports come out in a
// random order and go back in at the tail, so a released port is not
// reused until the rest of the range has been cycled through.
type PortPool struct {
	ports     []uint16
	capacity  int
	minPort   uint16
	maxPort   uint16
	readIdx   int
	writeIdx  int
	available int
	allocated map[uint16]struct{}
	mtx       sync.Mutex
}

func newPortPool(minPort, maxPort uint16) *PortPool {
	capacity := int(maxPort) - int(minPort) + 1
	perm := rand.Perm(capacity)

	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}

	return &PortPool{
		ports:     ports,
		capacity:  capacity,
		minPort:   minPort,
		maxPort:   maxPort,
		available: capacity,
		allocated: make(map[uint16]struct{}),
	}
}

func (p *PortPool) allocatePort() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.available == 0 {
		return 0, errPortPoolEmpty
	}
	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	p.available--
	p.allocated[port] = struct{}{}
	return port, nil
}

// returnPort puts an allocated port back. Ports the pool never handed out
// are ignored.
func (p *PortPool) returnPort(port uint16) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.allocated[port]; !ok {
		return
	}
	delete(p.allocated, port)
	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	p.available++
}

func (p *PortPool) numAvailable() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.available
}
