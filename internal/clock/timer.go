package clock

import (
	"sync"
	"time"
)

// Token identifies a scheduled one-shot timer for later cancellation.
type Token uint64

// Fired is posted to the dispatcher's ingress queue when a timer expires.
// Payload is whatever the caller of After() attached, e.g. an AckTimeout
// or PeerSilenceTimeout input value for a specific link.
type Fired struct {
	Token   Token
	Payload interface{}
}

// Timers schedules single-fire, cancellable timers and delivers their
// firing as Fired values on the channel given to NewTimers. It never invokes
// caller code directly from a timer goroutine beyond the channel send,
// so the dispatcher remains the sole place state is mutated.
type Timers struct {
	out chan<- Fired

	mu     sync.Mutex
	next   Token
	active map[Token]*time.Timer
}

func NewTimers(out chan<- Fired) *Timers {
	return &Timers{
		out:    out,
		active: make(map[Token]*time.Timer),
	}
}

// After schedules payload for delivery after d. A zero or negative d fires
// as soon as the runtime schedules it.
func (s *Timers) After(d time.Duration, payload interface{}) Token {
	s.mu.Lock()
	s.next++
	token := s.next
	s.mu.Unlock()

	t := time.AfterFunc(d, func() { s.fire(token, payload) })

	s.mu.Lock()
	s.active[token] = t
	s.mu.Unlock()
	return token
}

// Cancel stops a pending timer. Idempotent: cancelling an unknown or
// already-fired token is a no-op.
func (s *Timers) Cancel(token Token) {
	s.mu.Lock()
	t, ok := s.active[token]
	delete(s.active, token)
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// CancelAll stops every pending timer, e.g. on link Stop.
func (s *Timers) CancelAll() {
	s.mu.Lock()
	timers := s.active
	s.active = make(map[Token]*time.Timer)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (s *Timers) fire(token Token, payload interface{}) {
	s.mu.Lock()
	_, ok := s.active[token]
	delete(s.active, token)
	s.mu.Unlock()
	if !ok {
		return // cancelled between AfterFunc scheduling and firing
	}
	select {
	case s.out <- Fired{Token: token, Payload: payload}:
	default:
		// the out channel is buffered and drained continuously; a full
		// channel here means the dispatcher is stuck, drop rather than
		// block a runtime timer goroutine.
	}
}
