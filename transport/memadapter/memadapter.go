// Package memadapter is an in-process transport.Adapter fake for tests:
// two Adapters sharing a Broker deliver Subscribe/Publish acks and
// messages to each other synchronously, so dispatcher and ack engine
// tests do not depend on a real MQTT broker.
package memadapter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/linkcore/transport"
)

// Broker is a minimal shared rendezvous point: Adapters Connect()ed to the
// same Broker see each other's Publish as a Message. The Broker does not
// track subscriptions: every other member receives every topic.
type Broker struct {
	mu      sync.Mutex
	members map[*Adapter]struct{}
}

func NewBroker() *Broker {
	return &Broker{members: make(map[*Adapter]struct{})}
}

func (b *Broker) join(a *Adapter) {
	b.mu.Lock()
	b.members[a] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) leave(a *Adapter) {
	b.mu.Lock()
	delete(b.members, a)
	b.mu.Unlock()
}

func (b *Broker) publish(from *Adapter, topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a := range b.members {
		if a == from {
			continue
		}
		a.deliver(topic, payload)
	}
}

// Adapter is a transport.Adapter backed by Broker instead of a network
// connection. FailConnect lets tests simulate a connect failure without
// touching the FSM directly.
type Adapter struct {
	broker *Broker

	connected  int32
	nextTicket uint64
	out        chan transport.Event

	FailConnect bool
}

func New(b *Broker) *Adapter {
	return &Adapter{broker: b, out: make(chan transport.Event, 64)}
}

func (a *Adapter) Connect() error {
	if a.FailConnect {
		return errConnectFailed
	}
	atomic.StoreInt32(&a.connected, 1)
	a.broker.join(a)
	a.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
	return nil
}

func (a *Adapter) Disconnect() error {
	atomic.StoreInt32(&a.connected, 0)
	a.broker.leave(a)
	return nil
}

func (a *Adapter) Subscribe(topic string) (transport.Ticket, error) {
	ticket := transport.Ticket(atomic.AddUint64(&a.nextTicket, 1))
	a.emit(transport.Event{Kind: transport.EventSubAck, Ticket: ticket, Topic: topic, At: time.Now()})
	return ticket, nil
}

func (a *Adapter) Publish(topic string, payload []byte) (transport.Ticket, error) {
	ticket := transport.Ticket(atomic.AddUint64(&a.nextTicket, 1))
	a.broker.publish(a, topic, payload)
	a.emit(transport.Event{Kind: transport.EventPubAck, Ticket: ticket, Topic: topic, At: time.Now()})
	return ticket, nil
}

func (a *Adapter) Events() <-chan transport.Event { return a.out }

func (a *Adapter) deliver(topic string, payload []byte) {
	a.emit(transport.Event{Kind: transport.EventMessage, Topic: topic, Payload: payload, At: time.Now()})
}

func (a *Adapter) emit(e transport.Event) {
	select {
	case a.out <- e:
	default:
	}
}

// InjectDisconnect simulates a transport-level connection loss for tests
// exercising the link FSM's TransportDisconnected handling.
func (a *Adapter) InjectDisconnect(reason error) {
	atomic.StoreInt32(&a.connected, 0)
	a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason, At: time.Now()})
}

// InjectMessage simulates an inbound message from the peer, bypassing
// Broker, for tests that don't need a second Adapter on the other end.
func (a *Adapter) InjectMessage(topic string, payload []byte) {
	a.deliver(topic, payload)
}

type connectFailedError struct{}

func (connectFailedError) Error() string { return "memadapter: simulated connect failure" }

var errConnectFailed error = connectFailedError{}
