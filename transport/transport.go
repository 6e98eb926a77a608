// Package transport normalises an MQTT-shaped pub/sub client into the
// single ordered TransportEvent stream the dispatcher consumes. Two
// production adapters are provided: mqttadapter wraps
// github.com/eclipse/paho.mqtt.golang, gomqttadapter wraps
// github.com/256dpi/gomqtt/client; memadapter is an in-process fake for
// tests. None of the adapters retry connections themselves -- that policy
// lives entirely in the link FSM.
package transport

import "time"

// QoS mirrors the MQTT quality-of-service levels. Publish and Subscribe
// in this package always use AtLeastOnce: the dispatcher relies on a
// broker-generated PubAck/SubAck to drive the link FSM and ack engine.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Ticket identifies one outstanding subscribe or publish request, handed
// back by Adapter methods and echoed on the matching ack event.
type Ticket uint64

// EventKind discriminates the Event union delivered on Adapter.Events().
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventSubAck
	EventPubAck
	EventMessage
)

// Event is the single normalised shape every adapter emits, in arrival
// order, for the dispatcher's ingress queue.
type Event struct {
	Kind    EventKind
	Reason  error     // set for EventDisconnected
	Ticket  Ticket    // set for EventSubAck / EventPubAck
	Topic   string    // set for EventSubAck / EventMessage
	Payload []byte    // set for EventMessage
	At      time.Time
}

// Adapter is the polymorphic pub/sub client contract: async
// connect/disconnect, subscribe and publish returning a
// ticket that is acked later on the Events() stream.
type Adapter interface {
	Connect() error
	Disconnect() error

	// Subscribe requests topic at AtLeastOnce and returns the ticket whose
	// SubAck will later appear on Events().
	Subscribe(topic string) (Ticket, error)

	// Publish sends payload to topic at AtLeastOnce and returns the
	// ticket whose PubAck will later appear on Events().
	Publish(topic string, payload []byte) (Ticket, error)

	// Events is the ordered stream of connection transitions, acks and
	// inbound messages. Closed when the adapter is permanently done.
	Events() <-chan Event
}
