package events

import (
	"sync"
)

const defaultBuffer = 64

// Feed delivers every published value to the named subscribers. Values are buffered per
// subscriber; a subscriber that falls behind receives the overflow asynchronously.
type Feed[T any] struct {
	// map of subscribers with names
	subs map[chan T]string
	mu   sync.RWMutex
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{
		subs: make(map[chan T]string),
	}
}

// Subscribe registers a subscriber and returns the channel it reads from
func (f *Feed[T]) Subscribe(subscriberName string) <-chan T {
	ch := make(chan T, defaultBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[ch] = subscriberName
	return ch
}

// Unsubscribe removes the subscriber owning ch
func (f *Feed[T]) Unsubscribe(ch <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.subs {
		if c == ch {
			delete(f.subs, c)
			return
		}
	}
}

// Subscribers returns the names of the current subscribers
func (f *Feed[T]) Subscribers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.subs))
	for _, name := range f.subs {
		names = append(names, name)
	}
	return names
}

func (f *Feed[T]) Publish(data T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- data:
		default:
			go func(ch chan T) {
				ch <- data
			}(ch)
		}
	}
}
