package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
)

// Delivery is an outbound message handed to a live connection. Position is
// zero for stateless sessions.
type Delivery struct {
	Position uint64
	Kind     eventstore.Kind
	Request  string
	Payload  json.RawMessage
}

// Sink is the receiving end of one live connection.
type Sink struct {
	ch       chan Delivery
	done     chan struct{}
	once     sync.Once
	blocking bool
}

func newSink(buffer int, blocking bool) *Sink {
	return &Sink{ch: make(chan Delivery, buffer), done: make(chan struct{}), blocking: blocking}
}

// C returns the delivery channel. It is never closed; watch Done.
func (k *Sink) C() <-chan Delivery { return k.ch }

// Done is closed once the sink is detached, preempted or its session closes.
func (k *Sink) Done() <-chan struct{} { return k.done }

func (k *Sink) stop() { k.once.Do(func() { close(k.done) }) }

func (k *Sink) stopped() bool {
	select {
	case <-k.done:
		return true
	default:
		return false
	}
}

// offer hands d to the connection. A non-blocking sink that cannot keep up is
// stopped; its client resumes from the log.
func (k *Sink) offer(d Delivery) bool {
	if k.blocking {
		select {
		case k.ch <- d:
			return true
		case <-k.done:
			return false
		}
	}
	select {
	case <-k.done:
		return false
	default:
	}
	select {
	case k.ch <- d:
		return true
	default:
		k.stop()
		return false
	}
}

// Next returns the next delivery, preferring buffered deliveries over the
// stop signal. It reports false once the sink is stopped and drained or ctx
// ends.
func (k *Sink) Next(ctx context.Context) (Delivery, bool) {
	select {
	case d := <-k.ch:
		return d, true
	default:
	}
	select {
	case d := <-k.ch:
		return d, true
	case <-k.done:
		select {
		case d := <-k.ch:
			return d, true
		default:
			return Delivery{}, false
		}
	case <-ctx.Done():
		return Delivery{}, false
	}
}
