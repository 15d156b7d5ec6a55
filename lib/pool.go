package lib

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a fixed-size chunk holding the payload of a segment that
// arrived ahead of rcv_nxt.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor; params[0] is the chunk size.
func NewPayload(params ...interface{}) rp.DataInterface {
	size := DefaultMSS
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			size = n
		}
	}
	return &Payload{
		payloadBytes: make([]byte, size),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return errors.Errorf("payload of %d bytes does not fit a %d byte chunk", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// payloadPool hands out chunks without ever blocking the receive path:
// once every chunk is out, get fails and the caller drops the segment.
type payloadPool struct {
	pool      *rp.RingPool
	size      int
	chunkSize int

	mu    sync.Mutex
	inUse int
	log   zerolog.Logger
}

func newPayloadPool(size, chunkSize int, log zerolog.Logger) *payloadPool {
	return &payloadPool{
		pool:      rp.NewRingPool("vtcp: ", size, NewPayload, chunkSize),
		size:      size,
		chunkSize: chunkSize,
		log:       log,
	}
}

// get copies src into a pooled chunk.
func (p *payloadPool) get(src []byte) (*rp.Element, bool) {
	if len(src) > p.chunkSize {
		return nil, false
	}
	p.mu.Lock()
	if p.inUse >= p.size {
		p.mu.Unlock()
		return nil, false
	}
	p.inUse++
	p.mu.Unlock()

	el := p.pool.GetElement()
	if el == nil {
		p.release()
		return nil, false
	}
	if err := el.Data.(*Payload).Copy(src); err != nil {
		p.log.Debug().Err(err).Msg("payload chunk copy failed")
		p.put(el)
		return nil, false
	}
	return el, true
}

func (p *payloadPool) put(el *rp.Element) {
	el.Data.(*Payload).Reset()
	p.pool.ReturnElement(el)
	p.release()
}

func (p *payloadPool) release() {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
}

func (p *payloadPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
