package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Bus is the host event bus.
type Bus interface {
	// Publish delivers ev to every matching handler on the worker pool.
	Publish(ctx context.Context, ev Event) error
	// PublishSync delivers ev in the caller's goroutine and joins handler errors.
	PublishSync(ctx context.Context, ev Event) error

	Subscribe(pattern Topic, h Handler, opts ...SubscriptionOption) (Subscription, error)
	Unsubscribe(id string) error
	// UnsubscribeOwner removes every subscription tagged with owner and
	// returns how many were removed.
	UnsubscribeOwner(owner string) int

	Start() error
	Stop(ctx context.Context) error
	IsRunning() bool
	Stats() Stats
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Failed        uint64
	Panicked      uint64
	Dropped       uint64
	Subscriptions int
}

type bus struct {
	config busConfig

	mu   sync.RWMutex
	subs []*subscription

	poolMu  sync.RWMutex
	pool    *ants.Pool
	running atomic.Bool
	pending sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a stopped bus. Call Start before publishing.
func NewBus(opts ...BusOption) Bus {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &bus{config: cfg}
}

func (b *bus) Start() error {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	if b.running.Load() {
		return ErrBusAlreadyRunning
	}
	pool, err := ants.NewPool(b.config.poolSize, ants.WithNonblocking(true))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	b.pool = pool
	b.running.Store(true)
	return nil
}

// Stop waits for in-flight async deliveries or until ctx is done.
func (b *bus) Stop(ctx context.Context) error {
	b.poolMu.Lock()
	if !b.running.Swap(false) {
		b.poolMu.Unlock()
		return ErrBusNotRunning
	}
	pool := b.pool
	b.pool = nil
	b.poolMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	pool.Release()
	return err
}

func (b *bus) IsRunning() bool {
	return b.running.Load()
}

func (b *bus) Subscribe(pattern Topic, h Handler, opts ...SubscriptionOption) (Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if err := pattern.Validate(); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: h,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *bus) Unsubscribe(id string) error {
	removed := b.removeWhere(func(s *subscription) bool { return s.id == id })
	if removed == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (b *bus) UnsubscribeOwner(owner string) int {
	if owner == "" {
		return 0
	}
	return b.removeWhere(func(s *subscription) bool { return s.owner == owner })
}

func (b *bus) removeWhere(match func(*subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	removed := 0
	for _, s := range b.subs {
		if match(s) {
			s.Cancel()
			removed++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	return removed
}

// matching returns a snapshot of active subscriptions whose pattern selects topic.
func (b *bus) matching(topic Topic) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscription
	for _, s := range b.subs {
		if s.IsActive() && topic.Matches(s.pattern) {
			out = append(out, s)
		}
	}
	return out
}

func (b *bus) checkPublish(ev Event) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if ev.Topic.IsPattern() {
		return fmt.Errorf("%w: cannot publish to pattern %q", ErrInvalidTopic, ev.Topic)
	}
	return ev.Topic.Validate()
}

func (b *bus) PublishSync(ctx context.Context, ev Event) error {
	if err := b.checkPublish(ev); err != nil {
		return err
	}
	b.published.Add(1)

	var errs []error
	for _, sub := range b.matching(ev.Topic) {
		if err := b.deliver(ctx, sub, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *bus) Publish(ctx context.Context, ev Event) error {
	if err := b.checkPublish(ev); err != nil {
		return err
	}
	b.published.Add(1)

	subs := b.matching(ev.Topic)
	if len(subs) == 0 {
		return nil
	}

	b.poolMu.RLock()
	defer b.poolMu.RUnlock()
	if b.pool == nil {
		return ErrBusNotRunning
	}

	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.pending.Add(1)
		err := b.pool.Submit(func() {
			defer b.pending.Done()
			hctx, cancel := context.WithTimeout(detached, b.config.handlerTimeout)
			defer cancel()
			_ = b.deliver(hctx, sub, ev)
		})
		if err != nil {
			b.pending.Done()
			b.dropped.Add(1)
			b.config.logger.Warn("event dropped",
				"topic", string(ev.Topic),
				"subscription", sub.id,
				"error", err)
		}
	}
	return nil
}

func (b *bus) deliver(ctx context.Context, sub *subscription, ev Event) (err error) {
	if sub.once {
		if !sub.cancelled.CompareAndSwap(false, true) {
			return nil
		}
		defer b.removeWhere(func(s *subscription) bool { return s == sub })
	} else if !sub.IsActive() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			b.panicked.Add(1)
			err = &PanicError{SubscriptionID: sub.id, Topic: ev.Topic, Value: r}
			b.config.logger.Error("event handler panicked",
				"topic", string(ev.Topic),
				"subscription", sub.id,
				"owner", sub.owner,
				"panic", r)
		}
	}()

	if herr := sub.handler(ctx, ev); herr != nil {
		b.failed.Add(1)
		b.config.logger.Warn("event handler failed",
			"topic", string(ev.Topic),
			"subscription", sub.id,
			"owner", sub.owner,
			"error", herr)
		return &HandlerError{SubscriptionID: sub.id, Topic: ev.Topic, Err: herr}
	}

	b.delivered.Add(1)
	return nil
}

func (b *bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Panicked:      b.panicked.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: n,
	}
}
