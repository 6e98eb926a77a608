package link

import "time"

// Effect is an instruction the FSM hands back to the dispatcher instead of
// performing I/O itself. Handlers run to completion and never block, so
// anything async -- subscribing, scheduling a timer, telling the ack
// engine a link came up -- is requested here and carried out by the
// dispatcher's component handles.
type Effect interface{ isEffect() }

// Connect asks the dispatcher to call transport.Connect() for this link.
type Connect struct{}

// Disconnect asks the dispatcher to call transport.Disconnect() for this
// link, e.g. on Stop.
type Disconnect struct{}

// Subscribe asks the dispatcher to issue transport.Subscribe for each
// configured ingress topic, normally right after TransportConnected.
type Subscribe struct{ Topics []string }

// ScheduleReconnect asks the dispatcher to arm a one-shot timer that
// delivers ReconnectDue after Delay.
type ScheduleReconnect struct{ Delay time.Duration }

// CancelReconnect cancels a previously scheduled reconnect timer, if any.
type CancelReconnect struct{}

// ScheduleSilence (re)arms the peer-silence timer for After from now.
type ScheduleSilence struct{ After time.Duration }

// CancelSilence disarms the peer-silence timer.
type CancelSilence struct{}

// LinkActive tells the ack engine this link just became Active: it should
// start draining journaled events for this link up to max_in_flight.
type LinkActive struct{}

// LinkInactive tells the ack engine this link just left Active: discard
// InFlight bookkeeping, leave events journaled for replay on re-Active.
type LinkInactive struct{}

// CancelInFlight is issued on entering Connecting: any publishes in
// flight for this link are abandoned (transport connection is gone); the
// ack engine keeps the events journaled.
type CancelInFlight struct{}

func (Connect) isEffect()           {}
func (Disconnect) isEffect()        {}
func (Subscribe) isEffect()         {}
func (ScheduleReconnect) isEffect() {}
func (CancelReconnect) isEffect()   {}
func (ScheduleSilence) isEffect()   {}
func (CancelSilence) isEffect()     {}
func (LinkActive) isEffect()        {}
func (LinkInactive) isEffect()      {}
func (CancelInFlight) isEffect()    {}
