package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/queue"
	"golang.org/x/sync/errgroup"
)

var log = btclog.Disabled

// UseLogger plugs a logger into this subsystem.
func UseLogger(l btclog.Logger) {
	log = l
}

// SubscriptionMode selects how a subscriber's Publish calls are delivered.
type SubscriptionMode int

const (
	// BestEffort subscribers get an unbounded outbox (queue.ConcurrentQueue);
	// per spec §9, an event that can't be handed to the outbox is dropped
	// (and logged) rather than allowed to apply backpressure to
	// publishers; the subscriber itself stays subscribed.
	BestEffort SubscriptionMode = iota

	// Critical subscribers (the chain reconciler, per spec §4.6/§9) get
	// a bounded, back-pressured channel; overflowing it is a fatal
	// condition, not a reason to silently drop events the node's fund
	// safety depends on observing in order.
	Critical
)

// criticalQueueDepth bounds a Critical subscriber's inbox. Chosen large
// enough to absorb one poll iteration's worth of confirmations without
// ever expecting to fill under normal operation; filling it is a bug, not
// a capacity-planning knob.
const criticalQueueDepth = 64

// bestEffortQueueSize is the initial buffer size handed to
// queue.NewConcurrentQueue for a BestEffort subscriber's outbox; the queue
// grows internally beyond this as needed, so it is a performance hint, not
// a cap.
const bestEffortQueueSize = 50

// Subscription is a single subscriber's view onto the bus.
type Subscription struct {
	id       uint64
	mode     SubscriptionMode
	events   chan Event
	outbox   *queue.ConcurrentQueue
	cancel   context.CancelFunc
	fatalErr chan error
}

// Events returns the channel to range over for delivered Events.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// FatalErrors returns a channel that receives exactly one error if this is
// a Critical subscription whose inbox overflowed. The node MUST abort on
// receipt (per spec §7, "Invariant violation ... Fatal").
func (s *Subscription) FatalErrors() <-chan error {
	return s.fatalErr
}

// Cancel tears down the subscription; no further Events will be delivered.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus is the multi-producer/multi-consumer Event broadcaster all node-core
// components publish onto and subscribe from.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber in the given mode and returns its
// handle. The caller MUST eventually call Cancel.
func (b *Bus) Subscribe(mode SubscriptionMode) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ctx, cancel := context.WithCancel(context.Background())

	sub := &Subscription{
		id:       id,
		mode:     mode,
		cancel:   cancel,
		fatalErr: make(chan error, 1),
	}

	switch mode {
	case Critical:
		sub.events = make(chan Event, criticalQueueDepth)
	case BestEffort:
		sub.events = make(chan Event)
		sub.outbox = queue.NewConcurrentQueue(bestEffortQueueSize)
		sub.outbox.Start()
		go b.drainOutbox(ctx, sub)
	}

	b.subscribers[id] = sub
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		if sub.outbox != nil {
			sub.outbox.Stop()
		}
	}()

	return sub
}

// drainOutbox forwards queued events from a BestEffort subscriber's
// unbounded outbox onto its public channel until cancelled.
func (b *Bus) drainOutbox(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.outbox.ChanOut():
			if !ok {
				return
			}
			ev := item.(Event)
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// trySend is a non-blocking send used for the BestEffort outbox, which
// lnd's queue.ConcurrentQueue keeps internally unbounded -- a blocked send
// here means the queue's own goroutine has stopped, which only happens
// after Cancel, so falling back to "dropped" is correct either way.
func trySend(ch chan<- interface{}, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Publish delivers ev to every current subscriber. BestEffort subscribers
// are enqueued onto their unbounded outbox (never blocks the publisher);
// Critical subscribers are sent with a non-blocking attempt -- a full
// Critical inbox is reported once on FatalErrors and the subscription is
// cancelled, per spec §9's "overflow is fatal".
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		switch sub.mode {
		case BestEffort:
			if !trySend(sub.outbox.ChanIn(), ev) {
				log.Warnf("eventbus: dropping event for slow best-effort subscriber %d", sub.id)
			}
		case Critical:
			select {
			case sub.events <- ev:
			default:
				err := fmt.Errorf("eventbus: critical subscriber %d inbox overflowed", sub.id)
				select {
				case sub.fatalErr <- err:
				default:
				}
				sub.cancel()
			}
		}
	}
}

// PublishSync delivers ev to every current subscriber and blocks until all
// of them have accepted it onto their channel (BestEffort subscribers are
// still only enqueued onto their outbox, which is itself unbounded, so this
// never blocks on a slow best-effort consumer; it exists so a caller that
// needs "definitely queued everywhere" ordering guarantee -- e.g. a test --
// can await it without a race).
func (b *Bus) PublishSync(ctx context.Context) func(ev Event) error {
	return func(ev Event) error {
		b.mu.RLock()
		subs := make([]*Subscription, 0, len(b.subscribers))
		for _, s := range b.subscribers {
			subs = append(subs, s)
		}
		b.mu.RUnlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, sub := range subs {
			sub := sub
			g.Go(func() error {
				switch sub.mode {
				case BestEffort:
					trySend(sub.outbox.ChanIn(), ev)
					return nil
				case Critical:
					select {
					case sub.events <- ev:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}
		return g.Wait()
	}
}
