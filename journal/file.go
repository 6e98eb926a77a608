package journal

import (
	goerrors "errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

const (
	evSuffix   = ".ev"
	metaSuffix = ".meta"
	dirPerm    = 0700
	filePerm   = 0600
)

// FileJournal stores one directory per link, one `<event_id>.ev` file per
// unacked event with an optional
// `<event_id>.meta` sidecar carrying created_at, and a next_id counter
// file maintained with extremofile the same way spq.Queue.load rebuilds
// its index -- read on open, fsync'd on every advance.
type FileJournal struct {
	root string
	mu   sync.Mutex
}

// NewFileJournal opens (creating if absent) a directory-of-files journal
// rooted at root, one subdirectory per link name.
func NewFileJournal(root string) (*FileJournal, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Annotate(err, "journal: mkdir root")
	}
	return &FileJournal{root: root}, nil
}

func (j *FileJournal) linkDir(link string) string {
	return filepath.Join(j.root, link)
}

func (j *FileJournal) open(link string) (*linkDirHandle, error) {
	dir := j.linkDir(link)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Annotatef(err, "journal: mkdir link %s", link)
	}
	data, w, err := extremofile.Open(filepath.Join(dir, "counter"))
	if extremofile.IsCritical(err) {
		return nil, errors.Annotatef(err, "journal: open counter for link %s", link)
	}
	next := uint64(0)
	if len(data) > 0 {
		if v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); perr == nil {
			next = v
		}
	}
	// Reconcile against what is actually on disk: a crash between
	// writing an .ev file and advancing the counter must not reuse ids.
	if onDisk, found, derr := maxEventID(dir); derr == nil && found && onDisk >= next {
		next = onDisk + 1
	}
	return &linkDirHandle{dir: dir, next: next, ctrW: w}, nil
}

type linkDirHandle struct {
	dir  string
	next uint64
	ctrW io.Writer
}

func maxEventID(dir string) (uint64, bool, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return 0, false, err
	}
	var max uint64
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), evSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), evSuffix)
		id, perr := strconv.ParseUint(idStr, 10, 64)
		if perr != nil {
			continue
		}
		if !found || id > max {
			max = id
			found = true
		}
	}
	return max, found, nil
}

func (j *FileJournal) Append(link, topic string, payload []byte, now time.Time) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	h, err := j.open(link)
	if err != nil {
		return Event{}, err
	}
	id := h.next
	h.next++

	ev := Event{ID: id, Link: link, Topic: topic, Payload: payload, CreatedAt: now}

	evPath := filepath.Join(h.dir, fmt.Sprintf("%020d%s", id, evSuffix))
	if err := writeFileSync(evPath, payload); err != nil {
		return Event{}, errors.Annotatef(err, "journal: write event %d", id)
	}

	metaPath := filepath.Join(h.dir, fmt.Sprintf("%020d%s", id, metaSuffix))
	meta := fmt.Sprintf("created_at=%d\ntarget_link=%s\ntopic=%s\n", now.UnixNano(), link, topic)
	if err := writeFileSync(metaPath, []byte(meta)); err != nil {
		return Event{}, errors.Annotatef(err, "journal: write meta %d", id)
	}

	if _, err := h.ctrW.Write([]byte(strconv.FormatUint(h.next, 10))); err != nil {
		return Event{}, errors.Annotatef(err, "journal: advance counter for link %s", link)
	}

	return ev, nil
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return classifyWriteErr(err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return classifyWriteErr(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return classifyWriteErr(err)
	}
	return f.Close()
}

// classifyWriteErr gives callers a stable errors.Cause to test against:
// ENOSPC/EDQUOT mean the backing store is full, anything else is a plain
// IO error. writeFileSync is the only path that can hit ENOSPC, so this is
// applied there rather than deeper in the os package's own error chain.
func classifyWriteErr(err error) error {
	cause := ErrStorageIO
	if goerrors.Is(err, syscall.ENOSPC) || goerrors.Is(err, syscall.EDQUOT) {
		cause = ErrStorageFull
	}
	tagged := errors.NewErrWithCause(cause, err.Error())
	return &tagged
}

func (j *FileJournal) IterUnacked(link string, fn func(Event) bool) error {
	j.mu.Lock()
	dir := j.linkDir(link)
	j.mu.Unlock()

	entries, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "journal: list link %s", link)
	}

	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), evSuffix) {
			continue
		}
		id, perr := strconv.ParseUint(strings.TrimSuffix(e.Name(), evSuffix), 10, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		ev, err := readEvent(dir, link, id)
		if err != nil {
			return err
		}
		if !fn(ev) {
			break
		}
	}
	return nil
}

func readEvent(dir, link string, id uint64) (Event, error) {
	evPath := filepath.Join(dir, fmt.Sprintf("%020d%s", id, evSuffix))
	payload, err := ioutil.ReadFile(evPath)
	if err != nil {
		return Event{}, errors.Annotatef(err, "journal: read event %d", id)
	}
	ev := Event{ID: id, Link: link, Payload: payload}

	metaPath := filepath.Join(dir, fmt.Sprintf("%020d%s", id, metaSuffix))
	if mb, merr := ioutil.ReadFile(metaPath); merr == nil {
		for _, line := range strings.Split(string(mb), "\n") {
			kv := strings.SplitN(line, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "created_at":
				if ns, perr := strconv.ParseInt(kv[1], 10, 64); perr == nil {
					ev.CreatedAt = time.Unix(0, ns)
				}
			case "topic":
				ev.Topic = kv[1]
			}
		}
	}
	return ev, nil
}

func (j *FileJournal) Remove(link string, id uint64) error {
	dir := j.linkDir(link)
	evPath := filepath.Join(dir, fmt.Sprintf("%020d%s", id, evSuffix))
	metaPath := filepath.Join(dir, fmt.Sprintf("%020d%s", id, metaSuffix))
	if err := os.Remove(evPath); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "journal: remove event %d", id)
	}
	os.Remove(metaPath) // sidecar absence is not an error either way
	return nil
}

func (j *FileJournal) CountUnacked(link string) (int, error) {
	dir := j.linkDir(link)
	entries, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "journal: count link %s", link)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), evSuffix) {
			n++
		}
	}
	return n, nil
}

func (j *FileJournal) Close() error { return nil }
