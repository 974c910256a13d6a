package app

import (
	"sync"

	"examtime-bot/internal/domain"
)

// ResultsFeed fans finalized score records out to live subscribers (the
// admin monitor). Publishing never blocks; a slow subscriber has its oldest
// pending record dropped instead of stalling the finalizer.
type ResultsFeed struct {
	mu          sync.Mutex
	subscribers map[chan domain.ScoreRecord]struct{}
}

func NewResultsFeed() *ResultsFeed {
	return &ResultsFeed{subscribers: make(map[chan domain.ScoreRecord]struct{})}
}

// Subscribe returns a channel of future score records. The caller must
// invoke the returned cancel function to avoid leaks.
func (f *ResultsFeed) Subscribe() (<-chan domain.ScoreRecord, func()) {
	ch := make(chan domain.ScoreRecord, 8)

	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers rec to every subscriber.
func (f *ResultsFeed) Publish(rec domain.ScoreRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- rec:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- rec
		}
	}
}
