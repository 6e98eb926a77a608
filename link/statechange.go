package link

import "time"

// StateChange is delivered in order of occurrence to each subscriber
// channel registered via the façade. Delivery never blocks: when a
// subscriber's channel buffer is full, that change is dropped for that
// subscriber and an error is logged.
type StateChange struct {
	Link   string
	From   State
	To     State
	Reason Reason
	At     time.Time
}

// Stats answers link_stats(name): the observable shape of a link beyond
// its bare State, plus the counters this package adds (transitions
// since start, ack-timeouts since last Active) grounded on the original
// gwproactor stats/message_times tracking.
type Stats struct {
	State           State
	PendingSubs     []string
	AckedSubs       []string
	LastPeerSeen    time.Time
	Transitions     uint64
	AckTimeouts     uint64
	InFlight        int
	UnackedBacklog  int
	MaxInFlightSeen int
}
