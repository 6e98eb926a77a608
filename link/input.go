package link

// Input is the sum type of events the dispatcher feeds into FSM.Handle.
// Concrete types below are the only implementations; Handle type-switches
// on them rather than carrying a free-form "kind" field.
type Input interface{ isInput() }

type Start struct{}

type Stop struct{}

type TransportConnected struct{}

type TransportConnectFailed struct{ Reason error }

type TransportDisconnected struct{ Reason error }

type SubAckReceived struct{ Topic string }

// PeerMessageReceived fires only for payloads the application message
// parser already validated as well-formed traffic from the expected peer.
// Malformed or unrelated MQTT traffic never reaches the FSM.
type PeerMessageReceived struct {
	Topic   string
	Payload []byte
}

// AckTimeout is raised by the ack engine, not the transport, when a
// publish outlives ack_timeout while the link was Active.
type AckTimeout struct{ EventID uint64 }

// PeerSilenceTimeout is raised by the clock/timer service when
// now-last_peer_seen exceeds peer_silence_timeout while Active.
type PeerSilenceTimeout struct{}

// ReconnectDue fires when a scheduled reconnect backoff timer expires.
type ReconnectDue struct{}

func (Start) isInput()                  {}
func (Stop) isInput()                   {}
func (TransportConnected) isInput()     {}
func (TransportConnectFailed) isInput() {}
func (TransportDisconnected) isInput()  {}
func (SubAckReceived) isInput()         {}
func (PeerMessageReceived) isInput()    {}
func (AckTimeout) isInput()             {}
func (PeerSilenceTimeout) isInput()     {}
func (ReconnectDue) isInput()           {}
