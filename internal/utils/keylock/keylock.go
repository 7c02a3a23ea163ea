package keylock

import "sync"

type (
	entry struct {
		mu   sync.Mutex
		refs int
	}

	// KeyLock hands out one mutex per key. Entries are dropped once no
	// goroutine holds or waits on them, so the map stays bounded by the
	// number of keys in use.
	KeyLock struct {
		mu      sync.Mutex
		entries map[string]*entry
	}
)

func New() *KeyLock {
	return &KeyLock{
		entries: make(map[string]*entry),
	}
}

// Lock blocks until key is held and returns the matching unlock func.
func (l *KeyLock) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

// Len reports the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
