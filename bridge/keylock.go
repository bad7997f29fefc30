package bridge

import (
	"sync"

	"github.com/wolfeidau/replicache"
)

// keyLocks hands out one mutex per record key. A mutex lives only while
// someone holds or waits for it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[replicache.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key replicache.Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[replicache.Key]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
