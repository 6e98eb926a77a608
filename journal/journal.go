// Package journal persists unacknowledged events to survive process
// restarts. The on-disk layout is one file per event plus metadata, so
// FileJournal implements it directly against the filesystem; SPQQueue
// wraps github.com/temoto/spq for deployments that prefer its
// LevelDB-backed queue semantics instead.
package journal

import (
	"time"

	"github.com/juju/errors"
)

// Event is one journaled egress message, keyed by a monotonically
// increasing ID assigned at Append time.
type Event struct {
	ID        uint64
	Link      string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Journal is the persistence contract the ack engine drives. Implementations
// need not be safe for concurrent use by multiple goroutines: the dispatcher
// confines each link's journal calls to its single cooperative loop.
type Journal interface {
	// Append assigns the next ID and durably stores ev before returning.
	Append(link, topic string, payload []byte, now time.Time) (Event, error)

	// IterUnacked calls fn for every unacknowledged event belonging to
	// link, in ID order, stopping early if fn returns false.
	IterUnacked(link string, fn func(Event) bool) error

	// Remove deletes the persisted record for id. Removing an id that
	// does not exist is not an error (at-least-once ack delivery may
	// retire the same id twice).
	Remove(link string, id uint64) error

	// CountUnacked reports how many events for link remain in the
	// journal, for link_stats(name).unacked_backlog.
	CountUnacked(link string) (int, error)

	Close() error
}

// ErrNotFound is returned by lookups for an id that is not present.
var ErrNotFound = errors.New("journal: event not found")

// ErrStorageFull is the Cause of a FileJournal.Append failure due to the
// backing store being out of space (ENOSPC or EDQUOT while writing the
// event or meta file). SPQQueue errors do not carry this cause. Callers
// can errors.Cause(err) == ErrStorageFull to distinguish "durably
// rejected" from a transient IO error.
var ErrStorageFull = errors.New("journal: storage full")

// ErrStorageIO is the Cause of a FileJournal.Append failure whose event or
// meta file write failed for a reason unrelated to capacity (permission
// denied, closed handle). Errors from Remove, IterUnacked, CountUnacked and
// the counter update are annotated but do not carry this cause.
var ErrStorageIO = errors.New("journal: storage io error")
