package redis

import (
	"log"
	"sync"

	"tradebot-signals/internal/model"
)

const defaultBufferSize = 10000

// buffer holds classifications written while the circuit is open. When
// full the oldest entry is dropped.
type buffer struct {
	mu      sync.Mutex
	items   []model.Classification
	max     int
	dropped int
}

func newBuffer(size int) *buffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &buffer{items: make([]model.Classification, 0, 256), max: size}
}

func (b *buffer) add(c model.Classification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.max {
		b.items = b.items[1:]
		b.dropped++
		if b.dropped%1000 == 1 {
			log.Printf("[redis] buffer full, dropped %d classifications so far", b.dropped)
		}
	}
	b.items = append(b.items, c)
}

// drain takes ownership of everything buffered so far.
func (b *buffer) drain() []model.Classification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = make([]model.Classification, 0, 256)
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
