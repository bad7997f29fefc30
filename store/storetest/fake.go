// Package storetest provides an in-memory RecordStore double that counts
// calls per location and injects faults.
package storetest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/store"
)

// Op names a RecordStore operation for call counting.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpList   Op = "list"
	OpHash   Op = "hash"
)

// Fake is an in-memory store.RecordStore.
type Fake struct {
	mu      sync.Mutex
	records map[store.Location]map[replicache.Key][]byte
	backups map[store.Location]map[replicache.Key][]byte
	calls   map[store.Location]map[Op]int
	errs    map[store.Location]map[Op]error
	onWrite func(loc store.Location, key replicache.Key)
	onRead  func(loc store.Location, key replicache.Key)
	onHash  func(loc store.Location, key replicache.Key)
}

// New creates an empty Fake.
func New() *Fake {
	f := &Fake{
		records: map[store.Location]map[replicache.Key][]byte{},
		backups: map[store.Location]map[replicache.Key][]byte{},
		calls:   map[store.Location]map[Op]int{},
		errs:    map[store.Location]map[Op]error{},
	}
	for _, loc := range []store.Location{store.Local, store.Network} {
		f.records[loc] = map[replicache.Key][]byte{}
		f.backups[loc] = map[replicache.Key][]byte{}
		f.calls[loc] = map[Op]int{}
		f.errs[loc] = map[Op]error{}
	}
	return f
}

// Seed stores data at loc without counting a call.
func (f *Fake) Seed(loc store.Location, key replicache.Key, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[loc][key] = slices.Clone(data)
}

// Get returns the stored data at loc without counting a call.
func (f *Fake) Get(loc store.Location, key replicache.Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.records[loc][key]
	return slices.Clone(data), ok
}

// Backup returns the backed up data at loc.
func (f *Fake) Backup(loc store.Location, key replicache.Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.backups[loc][key]
	return slices.Clone(data), ok
}

// Fail makes every subsequent op at loc return err. A nil err clears the fault.
func (f *Fake) Fail(loc store.Location, op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs[loc], op)
		return
	}
	f.errs[loc][op] = err
}

// OnWrite registers a hook called after every successful write.
func (f *Fake) OnWrite(fn func(loc store.Location, key replicache.Key)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = fn
}

// OnRead registers a hook called before every read. Tests use it to hold a
// read in flight.
func (f *Fake) OnRead(fn func(loc store.Location, key replicache.Key)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRead = fn
}

// OnHash registers a hook called after every hash, found or not. Tests use it
// to pause a caller between checking a record and acting on it.
func (f *Fake) OnHash(fn func(loc store.Location, key replicache.Key)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHash = fn
}

// Calls returns how many times op was invoked at loc.
func (f *Fake) Calls(loc store.Location, op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[loc][op]
}

// TotalCalls returns the number of calls of any op at loc.
func (f *Fake) TotalCalls(loc store.Location) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls[loc] {
		n += c
	}
	return n
}

// ResetCalls zeroes every call counter.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for loc := range f.calls {
		f.calls[loc] = map[Op]int{}
	}
}

func (f *Fake) begin(loc store.Location, op Op) error {
	f.calls[loc][op]++
	return f.errs[loc][op]
}

func (f *Fake) Read(_ context.Context, loc store.Location, key replicache.Key) ([]byte, error) {
	f.mu.Lock()
	hook := f.onRead
	f.mu.Unlock()
	if hook != nil {
		hook(loc, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(loc, OpRead); err != nil {
		return nil, err
	}
	data, ok := f.records[loc][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(data), nil
}

func (f *Fake) Write(_ context.Context, loc store.Location, key replicache.Key, data []byte, backup bool) error {
	f.mu.Lock()
	if err := f.begin(loc, OpWrite); err != nil {
		f.mu.Unlock()
		return err
	}
	if prior, ok := f.records[loc][key]; ok && backup {
		f.backups[loc][key] = prior
	}
	f.records[loc][key] = slices.Clone(data)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(loc, key)
	}
	return nil
}

func (f *Fake) Delete(_ context.Context, loc store.Location, key replicache.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(loc, OpDelete); err != nil {
		return err
	}
	delete(f.records[loc], key)
	return nil
}

func (f *Fake) List(_ context.Context, loc store.Location, owner string) ([]replicache.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(loc, OpList); err != nil {
		return nil, err
	}
	var keys []replicache.Key
	for k := range f.records[loc] {
		if k.Owner == owner {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b replicache.Key) int {
		return strings.Compare(a.Path(), b.Path())
	})
	return keys, nil
}

func (f *Fake) Hash(_ context.Context, loc store.Location, key replicache.Key) (replicache.Hash, error) {
	h, err := f.hash(loc, key)

	f.mu.Lock()
	hook := f.onHash
	f.mu.Unlock()
	if hook != nil {
		hook(loc, key)
	}
	return h, err
}

func (f *Fake) hash(loc store.Location, key replicache.Key) (replicache.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(loc, OpHash); err != nil {
		return replicache.Hash{}, err
	}
	data, ok := f.records[loc][key]
	if !ok {
		return replicache.Hash{}, store.ErrNotFound
	}
	return replicache.HashBytes(data), nil
}

var _ store.RecordStore = (*Fake)(nil)
