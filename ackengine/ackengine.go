// Package ackengine tracks in-flight publishes for one link and drives
// the journal, grounded on internal/tele/tele.go's qworker cycle
// (peek-dispatch-delete-or-requeue over a persistent queue), adapted to a
// call/response shape: the dispatcher's single goroutine calls Engine
// methods directly instead of ackengine running its own loop, keeping
// with the confinement model the dispatcher package enforces.
package ackengine

import (
	"time"

	"github.com/juju/errors"

	"github.com/temoto/linkcore/journal"
	"github.com/temoto/linkcore/transport"
)

// Config holds the publish-window knobs plus
// ReuploadBurst, supplemented from gwproactor's reuploads.py: the number
// of journaled events to push immediately on reactivation, distinct from
// the steady-state MaxInFlight so a link that was down for a long time
// does not instantly re-saturate the broker on reconnect.
type Config struct {
	MaxInFlight   int
	AckTimeout    time.Duration
	ReuploadBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.ReuploadBurst <= 0 {
		c.ReuploadBurst = c.MaxInFlight
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	return c
}

// inFlight is kept lowercase: it is ackengine's own bookkeeping, never
// handed to callers directly (Stats below is the public view).
type inFlight struct {
	eventID   uint64
	ticket    transport.Ticket
	topic     string
	timer     Canceler
	startedAt time.Time
}

// Canceler abstracts the one method ackengine needs from a scheduled
// AckTimeout timer, so tests can substitute a no-op without pulling in
// internal/clock.
type Canceler interface {
	Cancel()
}

// TimerScheduler schedules the AckTimeout(eventID) delivery the dispatcher
// later feeds back into Engine.Timeout. Production wiring is
// internal/clock.Timers; tests can use a trivial stub.
type TimerScheduler interface {
	ScheduleAckTimeout(link string, eventID uint64, after time.Duration) Canceler
}

// Engine is one link's ack-tracking state: everything it touches is
// confined to the dispatcher's single goroutine for that link, so it
// carries no internal locking, matching link.FSM.
type Engine struct {
	link    string
	cfg     Config
	journal journal.Journal
	publish func(topic string, payload []byte) (transport.Ticket, error)
	timers  TimerScheduler

	active    bool
	byEvent   map[uint64]*inFlight
	byTicket  map[transport.Ticket]uint64
	maxSeen   int
}

// Publisher is the narrow transport surface ackengine needs: Publish
// only, since Connect/Subscribe stay the link FSM's concern.
type Publisher interface {
	Publish(topic string, payload []byte) (transport.Ticket, error)
}

func New(link string, cfg Config, j journal.Journal, pub Publisher, timers TimerScheduler) *Engine {
	return &Engine{
		link:     link,
		cfg:      cfg.withDefaults(),
		journal:  j,
		publish:  pub.Publish,
		timers:   timers,
		byEvent:  make(map[uint64]*inFlight),
		byTicket: make(map[transport.Ticket]uint64),
	}
}

// SendEvent appends payload to the journal synchronously, then publishes
// immediately if the link is Active and has in-flight budget, matching
// the send_event semantics exactly.
func (e *Engine) SendEvent(topic string, payload []byte, now time.Time) (journal.Event, error) {
	ev, err := e.journal.Append(e.link, topic, payload, now)
	if err != nil {
		return journal.Event{}, errors.Annotate(err, "ackengine: journal append")
	}
	if e.active && len(e.byEvent) < e.cfg.MaxInFlight {
		e.dispatch(ev, now)
	}
	return ev, nil
}

// LinkActive is called once when the link FSM enters Active: drains
// journaled unacked events for this link, in creation order, up to
// ReuploadBurst, the qworker cycle's entry point adapted for a burst
// rather than an unbounded background loop.
func (e *Engine) LinkActive(now time.Time) {
	e.active = true
	budget := e.cfg.ReuploadBurst
	if budget > e.cfg.MaxInFlight {
		budget = e.cfg.MaxInFlight
	}
	sent := 0
	_ = e.journal.IterUnacked(e.link, func(ev journal.Event) bool {
		if sent >= budget {
			return false
		}
		if _, already := e.byEvent[ev.ID]; already {
			return true
		}
		e.dispatch(ev, now)
		sent++
		return true
	})
}

// LinkInactive discards in-flight bookkeeping: the events stay journaled
// and are retried on the next LinkActive.
func (e *Engine) LinkInactive() {
	e.active = false
	for _, f := range e.byEvent {
		if f.timer != nil {
			f.timer.Cancel()
		}
	}
	e.byEvent = make(map[uint64]*inFlight)
	e.byTicket = make(map[transport.Ticket]uint64)
}

func (e *Engine) dispatch(ev journal.Event, now time.Time) {
	ticket, err := e.publish(ev.Topic, ev.Payload)
	if err != nil {
		// Publish failures surface as a transport disconnect upstream;
		// leave the event journaled for the next LinkActive.
		return
	}
	f := &inFlight{eventID: ev.ID, ticket: ticket, topic: ev.Topic, startedAt: now}
	if e.timers != nil {
		f.timer = e.timers.ScheduleAckTimeout(e.link, ev.ID, e.cfg.AckTimeout)
	}
	e.byEvent[ev.ID] = f
	e.byTicket[ticket] = ev.ID
	if len(e.byEvent) > e.maxSeen {
		e.maxSeen = len(e.byEvent)
	}
}

// PubAck completes publish f.ticket: cancels its timer, removes it from
// the journal, and -- if the link is still Active and budget allows --
// dispatches the next unacked event so the in-flight window stays full.
func (e *Engine) PubAck(ticket transport.Ticket, now time.Time) error {
	id, ok := e.byTicket[ticket]
	if !ok {
		return nil // late or duplicate ack, at-least-once is expected to retry
	}
	f := e.byEvent[id]
	delete(e.byTicket, ticket)
	delete(e.byEvent, id)
	if f != nil && f.timer != nil {
		f.timer.Cancel()
	}
	if err := e.journal.Remove(e.link, id); err != nil {
		return errors.Annotatef(err, "ackengine: journal remove id=%d", id)
	}

	if e.active && len(e.byEvent) < e.cfg.MaxInFlight {
		var next *journal.Event
		_ = e.journal.IterUnacked(e.link, func(ev journal.Event) bool {
			if _, inflight := e.byEvent[ev.ID]; inflight {
				return true
			}
			cp := ev
			next = &cp
			return false
		})
		if next != nil {
			e.dispatch(*next, now)
		}
	}
	return nil
}

// Timeout reports that eventID has not been acked within AckTimeout.
// Returns true if the event is still genuinely in flight (the dispatcher
// should raise link.AckTimeout), false if it was already acked in the
// race between the timer firing and PubAck arriving.
func (e *Engine) Timeout(eventID uint64) bool {
	_, stillInFlight := e.byEvent[eventID]
	return stillInFlight
}

// Stats answers the InFlight/UnackedBacklog/MaxInFlightSeen fields of
// link.Stats, which the FSM itself does not track.
type Stats struct {
	InFlight        int
	UnackedBacklog  int
	MaxInFlightSeen int
}

func (e *Engine) Stats() (Stats, error) {
	backlog, err := e.journal.CountUnacked(e.link)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		InFlight:        len(e.byEvent),
		UnackedBacklog:  backlog,
		MaxInFlightSeen: e.maxSeen,
	}, nil
}
