// Package watch implements completion tokens for key watches: a
// caller asks to be woken the next time a key changes (or is told to
// re-check, "spuriously", when the fallback controller migrates the
// active store out from under it). Adapted from the event broker
// shape in the teacher project's pkg/events, but keyed per-watched-key
// rather than broadcasting a typed event feed.
package watch

import "sync"

// Token is a single pending watch. Callers select on Done() and then
// check Spurious() to decide whether the wakeup reflects a real
// change or just an instruction to re-evaluate from scratch.
type Token struct {
	c        chan struct{}
	once     sync.Once
	spurious bool
}

func newToken() *Token {
	return &Token{c: make(chan struct{})}
}

// Done returns a channel that closes when the watch completes.
func (t *Token) Done() <-chan struct{} { return t.c }

// Spurious reports whether this token was completed by a spurious
// wakeup (fallback migration) rather than an observed key change.
// Only meaningful after Done() has closed.
func (t *Token) Spurious() bool { return t.spurious }

func (t *Token) complete(spurious bool) {
	t.once.Do(func() {
		t.spurious = spurious
		close(t.c)
	})
}

// Broker tracks pending watches keyed by the string form of the
// watched key.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Token]struct{}
}

// NewBroker returns an empty watch registry.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Token]struct{})}
}

// Watch registers a new pending watch on key and returns its token.
// Callers must eventually either receive on Done() or call Cancel to
// avoid leaking the registration.
func (b *Broker) Watch(key string) *Token {
	t := newToken()
	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Token]struct{})
		b.subs[key] = set
	}
	set[t] = struct{}{}
	b.mu.Unlock()
	return t
}

// Cancel removes a registration that was never completed, e.g. because
// the watching transaction was rolled back.
func (b *Broker) Cancel(key string, t *Token) {
	b.mu.Lock()
	if set, ok := b.subs[key]; ok {
		delete(set, t)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
}

// Notify completes every pending watch on key as a real change.
func (b *Broker) Notify(key string) {
	b.mu.Lock()
	set := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()

	for t := range set {
		t.complete(false)
	}
}

// NotifyRange completes every pending watch whose key satisfies
// contains, used when a Writes batch deletes a key range rather than
// a single key and the exact watched keys it covers aren't known
// ahead of time.
func (b *Broker) NotifyRange(contains func(key string) bool) {
	b.mu.Lock()
	var matched []*Token
	for key, set := range b.subs {
		if !contains(key) {
			continue
		}
		for t := range set {
			matched = append(matched, t)
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()

	for _, t := range matched {
		t.complete(false)
	}
}

// CompleteAllSpurious completes every pending watch across every key,
// used when the fallback controller migrates the active store and any
// outstanding watch registered against the previous target can no
// longer be fulfilled.
func (b *Broker) CompleteAllSpurious() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]map[*Token]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for t := range set {
			t.complete(true)
		}
	}
}

// PendingCount reports how many distinct keys currently have at least
// one pending watch, for diagnostics and tests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
