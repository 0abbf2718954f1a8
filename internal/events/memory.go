package events

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Handlers run synchronously on the publishing goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]memorySub
	rr     map[string]int // queue round robin
}

type memorySub struct {
	ctx     context.Context
	pattern string
	queue   string
	h       Handler
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]memorySub), rr: make(map[string]int)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	var deliver []memorySub
	queues := make(map[string][]memorySub)
	var queueOrder []string
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s := b.subs[id]
		if !Match(s.pattern, subject) {
			continue
		}
		if s.queue == "" {
			deliver = append(deliver, s)
			continue
		}
		key := s.pattern + "|" + s.queue
		if _, ok := queues[key]; !ok {
			queueOrder = append(queueOrder, key)
		}
		queues[key] = append(queues[key], s)
	}
	for _, key := range queueOrder {
		members := queues[key]
		deliver = append(deliver, members[b.rr[key]%len(members)])
		b.rr[key]++
	}
	b.mu.Unlock()

	for _, s := range deliver {
		if s.ctx.Err() != nil {
			continue
		}
		s.h(s.ctx, data)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject, queue string, h Handler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = memorySub{ctx: ctx, pattern: subject, queue: queue, h: h}
	return func() error {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]memorySub)
	b.mu.Unlock()
	return nil
}

// Match reports whether subject matches pattern using NATS token rules:
// * matches one token and a trailing > matches one or more.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" && i == len(p)-1 {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
