package relay

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Sequencer serializes submissions per relay identity so two broadcasts never
// race for the same account nonce.
type Sequencer struct {
	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

func NewSequencer() *Sequencer {
	return &Sequencer{slots: make(map[common.Address]chan struct{})}
}

func (s *Sequencer) slot(addr common.Address) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[addr] = ch
	}
	return ch
}

// Acquire blocks until addr's slot is free or ctx is done. The returned
// release func must be called exactly once.
func (s *Sequencer) Acquire(ctx context.Context, addr common.Address) (func(), error) {
	ch := s.slot(addr)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
