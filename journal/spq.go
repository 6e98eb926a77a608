package journal

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/spq"
)

// SPQQueue is the alternate journal backend backed by github.com/temoto/spq,
// one LevelDB-backed FIFO per link. It does not implement Journal: spq only
// exposes Peek/Delete/DeletePush over the front of the queue, not random
// access by id, so callers drive it the way internal/tele/tele.go's
// qworker loop does -- peek, attempt delivery, Delete on ack or
// DeletePush to cycle an unacked event to the back of the queue for retry.
// ackengine.Engine works only against Journal and does not use SPQQueue.
type SPQQueue struct {
	q    *spq.Queue
	link string
}

// OpenSPQQueue opens (creating if absent) the LevelDB queue for one link
// under root/<link>.spq.
func OpenSPQQueue(root, link string) (*SPQQueue, error) {
	path := filepath.Join(root, link+".spq")
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "journal: spq open link %s", link)
	}
	return &SPQQueue{q: q, link: link}, nil
}

type spqRecord struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Push durably appends one event to the back of the queue.
func (s *SPQQueue) Push(topic string, payload []byte, now time.Time) error {
	rec := spqRecord{Topic: topic, Payload: payload, CreatedAt: now}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Annotate(err, "journal: spq marshal")
	}
	return s.q.Push(b)
}

// SPQBox wraps spq.Box to carry the decoded event alongside the opaque key
// needed to Delete or DeletePush it, without exposing spq's internal key
// layout to callers.
type SPQBox struct {
	box   spq.Box
	Topic string
	Payload []byte
	CreatedAt time.Time
}

// Peek blocks until an event is available and returns it without removing
// it from the queue, mirroring qworker's qhandle step.
func (s *SPQQueue) Peek() (SPQBox, error) {
	box, err := s.q.Peek()
	if err != nil {
		return SPQBox{}, err
	}
	var rec spqRecord
	if err := json.Unmarshal(box.Bytes(), &rec); err != nil {
		return SPQBox{}, errors.Annotate(err, "journal: spq unmarshal")
	}
	return SPQBox{box: box, Topic: rec.Topic, Payload: rec.Payload, CreatedAt: rec.CreatedAt}, nil
}

// Ack removes the delivered event permanently.
func (s *SPQQueue) Ack(b SPQBox) error {
	return s.q.Delete(b.box)
}

// Requeue moves an unacked event to the back of the queue for another
// delivery attempt, the same atomic Delete+Push qworker relies on to
// avoid a window where a crash could lose or duplicate the event.
func (s *SPQQueue) Requeue(b SPQBox) error {
	return s.q.DeletePush(b.box)
}

func (s *SPQQueue) Close() error { return s.q.Close() }
