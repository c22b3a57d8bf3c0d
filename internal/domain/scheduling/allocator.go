package scheduling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker serializes work on a single key. Lock blocks until the key is held
// or ctx is done, and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedLocker is an in-process Locker with one semaphore per key. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

type keyedSlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*keyedSlot)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &keyedSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *KeyedLocker) drop(key string, s *keyedSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// size is the number of keys currently tracked.
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Allocator binds intake records to slots. Every reservation is a single
// conditional write against the store; an optional Locker additionally
// serializes attempts on the same (day, slot) key.
type Allocator struct {
	store  RecordStore
	locker Locker
}

func NewAllocator(store RecordStore, locker Locker) *Allocator {
	return &Allocator{store: store, locker: locker}
}

func lockKey(key SlotKey) string {
	return "slot:" + key.Day + ":" + key.Label
}

func (a *Allocator) lock(ctx context.Context, key SlotKey) (func(), error) {
	if a.locker == nil {
		return func() {}, nil
	}
	unlock, err := a.locker.Lock(ctx, lockKey(key))
	if err != nil {
		return nil, storeErr("lock slot", err)
	}
	return unlock, nil
}

// Reserve moves record id from one of the expected statuses to Scheduled
// holding key, provided no other record holds it. extra is applied in the
// same write.
func (a *Allocator) Reserve(ctx context.Context, key SlotKey, id uuid.UUID, expect []Status, extra Patch) (*IntakeRecord, error) {
	unlock, err := a.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	scheduled := StatusScheduled
	patch := extra.merge(Patch{Status: &scheduled, Slot: &key})
	patch.ClearSlot = false

	rec, applied, err := a.store.ConditionalUpdate(ctx, id,
		Predicate{Statuses: expect, SlotFree: &key}, patch)
	if err != nil {
		return nil, storeErr("reserve slot", err)
	}
	if applied {
		return rec, nil
	}
	if !(Predicate{Statuses: expect}).allowsStatus(rec.Status) {
		return rec, &TransitionError{From: rec.Status, To: StatusScheduled}
	}
	return rec, &SlotConflictError{Key: key}
}

// Release cancels a Scheduled record and frees key. It reports false without
// error when the record no longer holds key.
func (a *Allocator) Release(ctx context.Context, key SlotKey, id uuid.UUID, extra Patch) (*IntakeRecord, bool, error) {
	unlock, err := a.lock(ctx, key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	cancelled := StatusCancelled
	patch := extra.merge(Patch{Status: &cancelled, ClearSlot: true})
	patch.Slot = nil

	rec, applied, err := a.store.ConditionalUpdate(ctx, id,
		Predicate{Statuses: []Status{StatusScheduled}, HoldsSlot: &key}, patch)
	if err != nil {
		return nil, false, storeErr("release slot", err)
	}
	return rec, applied, nil
}
