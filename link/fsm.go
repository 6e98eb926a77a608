package link

import (
	"time"

	"github.com/temoto/linkcore/helpers"
)

// Result is what Handle hands back to the dispatcher: the notification to
// fan out, if the state actually changed, and the side effects to carry
// out regardless (timers can rearm on a self-loop, e.g. PeerMessageReceived
// while already Active).
type Result struct {
	Change  *StateChange
	Effects []Effect
}

// FSM is one link's state machine. It exclusively owns the Link record;
// the dispatcher is its only caller and confines it to one goroutine, so
// FSM carries no internal locking.
type FSM struct {
	cfg Config

	state        State
	pendingSubs  map[string]struct{}
	ackedSubs    map[string]struct{}
	lastPeerSeen time.Time

	backoff helpers.Backoff
	stats   Stats
}

func New(cfg Config) *FSM {
	cfg2 := cfg.withDefaults()
	f := &FSM{
		cfg:         cfg2,
		state:       NotStarted,
		pendingSubs: make(map[string]struct{}),
		ackedSubs:   make(map[string]struct{}),
	}
	f.backoff = helpers.Backoff{Min: cfg2.ReconnectMin, Max: cfg2.ReconnectMax, K: cfg2.ReconnectK}
	f.stats.State = NotStarted
	return f
}

func (f *FSM) Name() string   { return f.cfg.Name }
func (f *FSM) State() State   { return f.state }
func (f *FSM) Config() Config { return f.cfg }

// Stats returns a point-in-time snapshot. Caller (dispatcher or façade
// under its lock) fills InFlight/UnackedBacklog/MaxInFlightSeen from the
// ack engine, since the FSM does not track in-flight publications itself.
func (f *FSM) Stats() Stats {
	s := f.stats
	s.State = f.state
	s.LastPeerSeen = f.lastPeerSeen
	s.PendingSubs = setToSlice(f.pendingSubs)
	s.AckedSubs = setToSlice(f.ackedSubs)
	return s
}

func setToSlice(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Handle advances the FSM by one input. now is supplied by the caller
// (real clock in production, a Fake in tests) so the whole machine is
// deterministic and the dispatcher remains the only place time is read.
func (f *FSM) Handle(in Input, now time.Time) Result {
	switch x := in.(type) {
	case Start:
		return f.handleStart(now)
	case Stop:
		return f.handleStop(now)
	case TransportConnected:
		return f.handleTransportConnected(now)
	case TransportConnectFailed:
		return f.handleTransportConnectFailed(now)
	case TransportDisconnected:
		return f.handleTransportDisconnected(now)
	case SubAckReceived:
		return f.handleSubAck(x.Topic, now)
	case PeerMessageReceived:
		return f.handlePeerMessage(now)
	case AckTimeout:
		return f.handleAckTimeout(now)
	case PeerSilenceTimeout:
		return f.handlePeerSilenceTimeout(now)
	case ReconnectDue:
		return f.handleReconnectDue()
	default:
		return Result{}
	}
}

func (f *FSM) handleStart(now time.Time) Result {
	if f.state != NotStarted {
		return Result{}
	}
	return f.enterConnecting(ReasonStarted, now, true)
}

func (f *FSM) handleStop(now time.Time) Result {
	if f.state == Stopped {
		return Result{}
	}
	leavingActive := f.state == Active
	from := f.state
	f.state = Stopped
	f.stats.Transitions++

	effects := []Effect{CancelReconnect{}, CancelSilence{}, Disconnect{}}
	if leavingActive {
		effects = append([]Effect{LinkInactive{}}, effects...)
	}
	return Result{
		Change:  f.change(from, Stopped, ReasonStopped, now),
		Effects: effects,
	}
}

func (f *FSM) handleTransportConnected(now time.Time) Result {
	if f.state != Connecting {
		return Result{}
	}
	from := f.state
	f.state = AwaitingSetupAndPeer
	f.stats.Transitions++
	f.backoff.Reset()

	f.pendingSubs = make(map[string]struct{}, len(f.cfg.IngressTopics))
	f.ackedSubs = make(map[string]struct{}, len(f.cfg.IngressTopics))
	for _, t := range f.cfg.IngressTopics {
		f.pendingSubs[t] = struct{}{}
	}

	effects := []Effect{CancelReconnect{}}
	if len(f.cfg.IngressTopics) == 0 {
		// Nothing to subscribe to: the setup half of AwaitingSetupAndPeer
		// is trivially satisfied, so go straight to waiting on the peer
		// instead of waiting forever for a SubAck that will never come.
		f.state = AwaitingPeer
		return Result{
			Change:  f.change(from, AwaitingPeer, ReasonTransportConnected, now),
			Effects: effects,
		}
	}
	effects = append(effects, Subscribe{Topics: append([]string{}, f.cfg.IngressTopics...)})
	return Result{
		Change:  f.change(from, AwaitingSetupAndPeer, ReasonTransportConnected, now),
		Effects: effects,
	}
}

func (f *FSM) handleTransportConnectFailed(now time.Time) Result {
	_ = now
	if f.state != Connecting {
		return Result{}
	}
	delay := f.backoff.DelayAfter(false)
	return Result{
		Effects: []Effect{ScheduleReconnect{Delay: delay}},
	}
}

func (f *FSM) handleReconnectDue() Result {
	if f.state != Connecting {
		return Result{}
	}
	return Result{Effects: []Effect{Connect{}}}
}

func (f *FSM) handleTransportDisconnected(now time.Time) Result {
	switch f.state {
	case AwaitingSetupAndPeer, AwaitingSetup, AwaitingPeer, Active:
	default:
		return Result{}
	}
	return f.enterConnecting(ReasonTransportDisconnected, now, true)
}

func (f *FSM) enterConnecting(reason Reason, now time.Time, dialNow bool) Result {
	from := f.state
	leavingActive := f.state == Active
	f.state = Connecting
	f.stats.Transitions++
	f.pendingSubs = make(map[string]struct{})
	f.ackedSubs = make(map[string]struct{})
	f.lastPeerSeen = time.Time{}

	effects := []Effect{CancelSilence{}, CancelInFlight{}}
	if leavingActive {
		effects = append(effects, LinkInactive{})
	}
	if dialNow {
		effects = append(effects, Connect{})
	}
	return Result{
		Change:  f.change(from, Connecting, reason, now),
		Effects: effects,
	}
}

func (f *FSM) handleSubAck(topic string, now time.Time) Result {
	switch f.state {
	case AwaitingSetupAndPeer, AwaitingSetup:
	default:
		return Result{}
	}
	if _, pending := f.pendingSubs[topic]; !pending {
		return Result{} // duplicate SubAck(t) has no effect
	}
	last := len(f.pendingSubs) == 1
	delete(f.pendingSubs, topic)
	f.ackedSubs[topic] = struct{}{}

	if !last {
		return Result{} // still more than one outstanding, no transition
	}

	from := f.state
	if from == AwaitingSetupAndPeer {
		f.state = AwaitingPeer
		f.stats.Transitions++
		return Result{Change: f.change(from, AwaitingPeer, ReasonAllSubsAcked, now)}
	}
	// from == AwaitingSetup
	return f.enterActive(from, ReasonAllSubsAcked, now)
}

func (f *FSM) handlePeerMessage(now time.Time) Result {
	f.lastPeerSeen = now
	switch f.state {
	case AwaitingSetupAndPeer:
		from := f.state
		f.state = AwaitingSetup
		f.stats.Transitions++
		return Result{Change: f.change(from, AwaitingSetup, ReasonPeerMessage, now)}

	case AwaitingSetup:
		return Result{} // already waiting on subs only, nothing changes

	case AwaitingPeer:
		return f.enterActive(f.state, ReasonPeerMessage, now)

	case Active:
		// update last_peer_seen, rearm the silence timer
		return Result{Effects: []Effect{CancelSilence{}, ScheduleSilence{After: f.cfg.PeerSilenceTimeout}}}

	default:
		return Result{}
	}
}

func (f *FSM) enterActive(from State, reason Reason, now time.Time) Result {
	f.state = Active
	f.stats.Transitions++
	f.stats.AckTimeouts = 0
	return Result{
		Change: f.change(from, Active, reason, now),
		Effects: []Effect{
			LinkActive{},
			ScheduleSilence{After: f.cfg.PeerSilenceTimeout},
		},
	}
}

func (f *FSM) handleAckTimeout(now time.Time) Result {
	if f.state != Active {
		// ack-timeout demotes only once Active has been reached; it never
		// blocks initial activation.
		return Result{}
	}
	f.stats.AckTimeouts++
	from := f.state
	f.state = AwaitingPeer
	f.stats.Transitions++
	return Result{
		Change: f.change(from, AwaitingPeer, ReasonAckTimeout, now),
		Effects: []Effect{
			LinkInactive{},
			CancelSilence{},
		},
	}
}

func (f *FSM) handlePeerSilenceTimeout(now time.Time) Result {
	if f.state != Active {
		return Result{}
	}
	from := f.state
	f.state = AwaitingPeer
	f.stats.Transitions++
	return Result{
		Change: f.change(from, AwaitingPeer, ReasonPeerSilence, now),
		Effects: []Effect{
			LinkInactive{},
			CancelSilence{},
		},
	}
}

func (f *FSM) change(from, to State, reason Reason, now time.Time) *StateChange {
	return &StateChange{Link: f.cfg.Name, From: from, To: to, Reason: reason, At: now}
}
