// Package queuetest provides an in-memory queue.Broker for tests.
package queuetest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lalithlochan/lynk/internal/queue"
)

// Published records one Publish call.
type Published struct {
	Envelope queue.Envelope
	Delay    time.Duration
}

type item struct {
	env   queue.Envelope
	runAt time.Time
	seq   int
}

// Broker keeps envelopes in memory and uses a manual clock, so tests can
// step over backoff delays with Advance.
type Broker struct {
	mu        sync.Mutex
	now       time.Time
	seq       int
	pending   []item
	inflight  map[string]queue.Envelope
	published []Published
	acked     int

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error
	// ReceiveErr, when set, is returned by every Receive call.
	ReceiveErr error
}

// NewBroker creates an empty broker whose clock starts at a fixed instant.
func NewBroker() *Broker {
	return &Broker{
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		inflight: make(map[string]queue.Envelope),
	}
}

func (b *Broker) Publish(_ context.Context, env queue.Envelope, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PublishErr != nil {
		return b.PublishErr
	}
	if err := env.Validate(); err != nil {
		return err
	}

	b.seq++
	b.pending = append(b.pending, item{env: env, runAt: b.now.Add(delay), seq: b.seq})
	b.published = append(b.published, Published{Envelope: env, Delay: delay})
	return nil
}

func (b *Broker) Receive(_ context.Context) (*queue.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ReceiveErr != nil {
		return nil, b.ReceiveErr
	}

	sort.SliceStable(b.pending, func(i, j int) bool {
		if b.pending[i].runAt.Equal(b.pending[j].runAt) {
			return b.pending[i].seq < b.pending[j].seq
		}
		return b.pending[i].runAt.Before(b.pending[j].runAt)
	})

	if len(b.pending) == 0 || b.pending[0].runAt.After(b.now) {
		return nil, nil
	}

	it := b.pending[0]
	b.pending = b.pending[1:]

	handle := strconv.Itoa(it.seq)
	b.inflight[handle] = it.env
	return &queue.Receipt{Envelope: it.env, Handle: handle}, nil
}

func (b *Broker) Ack(_ context.Context, receipt *queue.Receipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[receipt.Handle]; !ok {
		return errors.New("unknown receipt handle")
	}
	delete(b.inflight, receipt.Handle)
	b.acked++
	return nil
}

// Advance moves the broker clock forward.
func (b *Broker) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(d)
}

// Published returns every Publish call in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Pending is the number of envelopes not yet received.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// InFlight is the number of received envelopes not yet acked.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Acked is the number of successful Ack calls.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Drain runs the runner until nothing is due, advancing the clock past
// every scheduled retry. It returns the number of envelopes processed.
func Drain(ctx context.Context, b *Broker, r *queue.Runner) (int, error) {
	processed := 0
	for i := 0; i < 1000; i++ {
		ok, err := r.RunOnce(ctx)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
			continue
		}
		if b.Pending() == 0 {
			return processed, nil
		}
		b.Advance(time.Minute)
	}
	return processed, errors.New("drain did not settle")
}
