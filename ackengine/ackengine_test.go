package ackengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temoto/linkcore/journal"
	"github.com/temoto/linkcore/transport"
)

type fakeJournal struct {
	next   uint64
	events map[uint64]journal.Event
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{events: make(map[uint64]journal.Event)}
}

func (j *fakeJournal) Append(link, topic string, payload []byte, now time.Time) (journal.Event, error) {
	j.next++
	ev := journal.Event{ID: j.next, Link: link, Topic: topic, Payload: payload, CreatedAt: now}
	j.events[ev.ID] = ev
	return ev, nil
}

func (j *fakeJournal) IterUnacked(link string, fn func(journal.Event) bool) error {
	for id := uint64(1); id <= j.next; id++ {
		ev, ok := j.events[id]
		if !ok {
			continue
		}
		if !fn(ev) {
			break
		}
	}
	return nil
}

func (j *fakeJournal) Remove(link string, id uint64) error {
	delete(j.events, id)
	return nil
}

func (j *fakeJournal) CountUnacked(link string) (int, error) { return len(j.events), nil }
func (j *fakeJournal) Close() error                           { return nil }

type fakePublisher struct {
	nextTicket uint64
	published  []string
}

func (p *fakePublisher) Publish(topic string, payload []byte) (transport.Ticket, error) {
	p.nextTicket++
	p.published = append(p.published, topic)
	return transport.Ticket(p.nextTicket), nil
}

type fakeCanceler struct{ canceled bool }

func (c *fakeCanceler) Cancel() { c.canceled = true }

type fakeTimers struct{ scheduled int }

func (t *fakeTimers) ScheduleAckTimeout(link string, eventID uint64, after time.Duration) Canceler {
	t.scheduled++
	return &fakeCanceler{}
}

func TestSendEvent_PublishesImmediatelyWhenActive(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	timers := &fakeTimers{}
	e := New("link1", Config{MaxInFlight: 2}, j, pub, timers)
	e.LinkActive(time.Now())

	_, err := e.SendEvent("out/topic", []byte("hello"), time.Now())
	require.NoError(t, err)

	assert.Len(t, pub.published, 1)
	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.UnackedBacklog)
}

func TestSendEvent_WaitsWhenNotActive(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	e := New("link1", Config{MaxInFlight: 2}, j, pub, &fakeTimers{})

	_, err := e.SendEvent("out/topic", []byte("hello"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, pub.published)

	stats, _ := e.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.UnackedBacklog)
}

func TestPubAck_RemovesFromJournalAndAdvancesBacklog(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	e := New("link1", Config{MaxInFlight: 1}, j, pub, &fakeTimers{})
	e.LinkActive(time.Now())

	e.SendEvent("t1", []byte("a"), time.Now())
	e.SendEvent("t2", []byte("b"), time.Now())

	stats, _ := e.Stats()
	assert.Equal(t, 1, stats.InFlight, "max_in_flight=1 caps concurrent publishes")
	assert.Equal(t, 2, stats.UnackedBacklog)

	require.NoError(t, e.PubAck(transport.Ticket(1), time.Now()))
	stats, _ = e.Stats()
	assert.Equal(t, 1, stats.InFlight, "second event now dispatched to fill the window")
	assert.Equal(t, 1, stats.UnackedBacklog)
}

func TestLinkActive_ReuploadsUpToBurst(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	e := New("link1", Config{MaxInFlight: 8, ReuploadBurst: 2}, j, pub, &fakeTimers{})

	for i := 0; i < 5; i++ {
		e.SendEvent("t", []byte("x"), time.Now())
	}
	assert.Empty(t, pub.published, "not Active yet, nothing published")

	e.LinkActive(time.Now())
	assert.Len(t, pub.published, 2, "reupload burst caps the initial drain")
}

func TestLinkInactive_DiscardsInFlightButKeepsJournal(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	timers := &fakeTimers{}
	e := New("link1", Config{MaxInFlight: 2}, j, pub, timers)
	e.LinkActive(time.Now())
	e.SendEvent("t1", []byte("a"), time.Now())

	e.LinkInactive()
	stats, _ := e.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.UnackedBacklog, "event remains journaled for retry")
}

func TestTimeout_FalseAfterRaceWithPubAck(t *testing.T) {
	j := newFakeJournal()
	pub := &fakePublisher{}
	e := New("link1", Config{MaxInFlight: 2}, j, pub, &fakeTimers{})
	e.LinkActive(time.Now())
	ev, _ := e.SendEvent("t1", []byte("a"), time.Now())

	require.NoError(t, e.PubAck(transport.Ticket(1), time.Now()))
	assert.False(t, e.Timeout(ev.ID))
}
