package broker

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Fake is an in-memory Broker used by tests and by the test container
// runtime. It implements the same blocking and TTL semantics as redis
// closely enough for the backend's access patterns.
type Fake struct {
	mu      sync.Mutex
	strings map[string]fakeValue
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	lists   map[string][][]byte
	expiry  map[string]time.Time
	notify  map[string]chan struct{}
	subs    map[string][]*fakeSubscription
	closed  bool
}

type fakeValue []byte

type fakeSubscription struct {
	f       *Fake
	channel string
	out     chan Message
	once    sync.Once
}

func (s *fakeSubscription) Channel() <-chan Message { return s.out }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		subs := s.f.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.f.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.f.mu.Unlock()
		close(s.out)
	})
	return nil
}

// NewFake creates an empty in-memory broker.
func NewFake() *Fake {
	return &Fake{
		strings: make(map[string]fakeValue),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][][]byte),
		expiry:  make(map[string]time.Time),
		notify:  make(map[string]chan struct{}),
		subs:    make(map[string][]*fakeSubscription),
	}
}

// expireLocked drops a key in any keyspace if its TTL elapsed.
func (f *Fake) expireLocked(key string) {
	if at, ok := f.expiry[key]; ok && time.Now().After(at) {
		delete(f.strings, key)
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.lists, key)
		delete(f.expiry, key)
	}
}

func (f *Fake) setExpiryLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
}

func (f *Fake) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = append([]byte(nil), value...)
	f.setExpiryLocked(key, ttl)
	return nil
}

func (f *Fake) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = append([]byte(nil), value...)
	f.setExpiryLocked(key, ttl)
	return true, nil
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	v, ok := f.strings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.strings, key)
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.lists, key)
		delete(f.expiry, key)
	}
	return nil
}

func (f *Fake) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	if _, ok := f.strings[key]; ok {
		return true, nil
	}
	if _, ok := f.hashes[key]; ok {
		return true, nil
	}
	if _, ok := f.sets[key]; ok {
		return true, nil
	}
	if _, ok := f.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setExpiryLocked(key, ttl)
	return nil
}

func (f *Fake) Incr(ctx context.Context, key string) (int64, error) {
	return f.add(key, 1)
}

func (f *Fake) Decr(ctx context.Context, key string) (int64, error) {
	return f.add(key, -1)
}

func (f *Fake) add(key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	var n int64
	if v, ok := f.strings[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	f.strings[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (f *Fake) notifyLocked(key string) {
	if ch, ok := f.notify[key]; ok {
		close(ch)
		delete(f.notify, key)
	}
}

func (f *Fake) waiterLocked(key string) chan struct{} {
	ch, ok := f.notify[key]
	if !ok {
		ch = make(chan struct{})
		f.notify[key] = ch
	}
	return ch
}

func (f *Fake) LPush(ctx context.Context, key string, values ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	for _, v := range values {
		f.lists[key] = append([][]byte{append([]byte(nil), v...)}, f.lists[key]...)
	}
	f.notifyLocked(key)
	return nil
}

func (f *Fake) BRPop(ctx context.Context, timeout time.Duration, key string) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		f.expireLocked(key)
		if list := f.lists[key]; len(list) > 0 {
			v := list[len(list)-1]
			if len(list) == 1 {
				delete(f.lists, key)
			} else {
				f.lists[key] = list[:len(list)-1]
			}
			f.mu.Unlock()
			return v, nil
		}
		waiter := f.waiterLocked(key)
		f.mu.Unlock()

		var wait <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrNotFound
			}
			timer = time.NewTimer(remaining)
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wait:
			return nil, ErrNotFound
		case <-waiter:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (f *Fake) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (f *Fake) LLen(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	return int64(len(f.lists[key])), nil
}

func (f *Fake) HSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *Fake) HGet(ctx context.Context, key, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	h, ok := f.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	h, ok := f.hashes[key]
	if !ok || len(h) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hashes[key]; ok {
		for _, field := range fields {
			delete(h, field)
		}
	}
	return nil
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sets[key]; ok {
		for _, m := range members {
			delete(s, m)
		}
	}
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.out <- Message{Channel: channel, Payload: append([]byte(nil), payload...)}:
		default:
			// Slow subscriber; pub/sub is fire-and-forget.
		}
	}
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &fakeSubscription{f: f, channel: channel, out: make(chan Message, 8)}
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *Fake) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range f.strings {
		seen[key] = struct{}{}
	}
	for key := range f.hashes {
		seen[key] = struct{}{}
	}
	for key := range f.sets {
		seen[key] = struct{}{}
	}
	for key := range f.lists {
		seen[key] = struct{}{}
	}
	var out []string
	for key := range seen {
		f.expireLocked(key)
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Broker = (*Fake)(nil)
