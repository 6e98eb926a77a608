package dispatcher

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temoto/linkcore/ackengine"
	"github.com/temoto/linkcore/internal/clock"
	"github.com/temoto/linkcore/journal"
	"github.com/temoto/linkcore/link"
	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
	"github.com/temoto/linkcore/transport/memadapter"
)

func testLog() *log2.Log { return log2.NewStderr(log2.LError) }

func tempJournal(t *testing.T) journal.Journal {
	dir, err := ioutil.TempDir("", "linkcore-dispatcher-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	j, err := journal.NewFileJournal(dir)
	require.NoError(t, err)
	return j
}

func waitForState(t *testing.T, d *Dispatcher, name string, want link.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := d.LinkState(name)
		require.NoError(t, err)
		if got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got, _ := d.LinkState(name)
	t.Fatalf("link %s: want state %s, got %s", name, want, got)
}

func TestDispatcher_LinkReachesActiveOverMemAdapter(t *testing.T) {
	broker := memadapter.NewBroker()
	d := New(testLog(), clock.Real, tempJournal(t), Config{})

	var adapter *memadapter.Adapter
	err := d.AddLink(link.Config{
		Name:          "l1",
		IngressTopics: []string{"in/l1"},
		EgressTopic:   "out/l1",
	}, ackengine.Config{}, func(name string) (transport.Adapter, error) {
		adapter = memadapter.New(broker)
		return adapter, nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop()

	waitForState(t, d, "l1", link.AwaitingPeer)

	adapter.InjectMessage("in/l1", []byte("hello"))
	waitForState(t, d, "l1", link.Active)
}

func TestDispatcher_SendEventPublishesWhenActive(t *testing.T) {
	broker := memadapter.NewBroker()
	peerBroker := broker

	d := New(testLog(), clock.Real, tempJournal(t), Config{})
	var adapter *memadapter.Adapter
	require.NoError(t, d.AddLink(link.Config{
		Name:        "l1",
		EgressTopic: "out/l1",
	}, ackengine.Config{}, func(name string) (transport.Adapter, error) {
		adapter = memadapter.New(peerBroker)
		return adapter, nil
	}, nil))

	require.NoError(t, d.Start())
	defer d.Stop()

	waitForState(t, d, "l1", link.AwaitingPeer)
	adapter.InjectMessage("any", []byte("hi"))
	waitForState(t, d, "l1", link.Active)

	require.NoError(t, d.SendEvent("l1", "out/l1", []byte("payload")))

	deadline := time.Now().Add(2 * time.Second)
	var stats link.Stats
	for time.Now().Before(deadline) {
		var err error
		stats, err = d.LinkStats("l1")
		require.NoError(t, err)
		if stats.UnackedBacklog == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, stats.UnackedBacklog, "memadapter's PubAck should drain the backlog once the dispatcher processes it")
}

func TestDispatcher_UnknownLinkErrors(t *testing.T) {
	d := New(testLog(), clock.Real, tempJournal(t), Config{})
	require.NoError(t, d.Start())
	defer d.Stop()

	err := d.SendEvent("nope", "t", []byte("x"))
	assert.Error(t, err)

	_, err = d.LinkState("nope")
	assert.Error(t, err)
}

func TestDispatcher_StateChangeSubscriberReceivesTransitions(t *testing.T) {
	broker := memadapter.NewBroker()
	d := New(testLog(), clock.Real, tempJournal(t), Config{})
	var adapter *memadapter.Adapter
	require.NoError(t, d.AddLink(link.Config{
		Name:        "l1",
		EgressTopic: "out/l1",
	}, ackengine.Config{}, func(name string) (transport.Adapter, error) {
		adapter = memadapter.New(broker)
		return adapter, nil
	}, nil))

	id, ch := d.SubscribeStateChanges(16)
	defer d.Unsubscribe(id)

	require.NoError(t, d.Start())
	defer d.Stop()

	select {
	case sc := <-ch:
		assert.Equal(t, "l1", sc.Link)
		assert.Equal(t, link.NotStarted, sc.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first state change")
	}
	_ = adapter
}

func TestDispatcher_AddLinkDuplicateNameErrors(t *testing.T) {
	broker := memadapter.NewBroker()
	d := New(testLog(), clock.Real, tempJournal(t), Config{})
	factory := func(name string) (transport.Adapter, error) { return memadapter.New(broker), nil }

	require.NoError(t, d.AddLink(link.Config{Name: "dup", EgressTopic: "o"}, ackengine.Config{}, factory, nil))
	err := d.AddLink(link.Config{Name: "dup", EgressTopic: "o"}, ackengine.Config{}, factory, nil)
	assert.Error(t, err)
}

func TestDispatcher_MessageOnUnknownTopicDoesNotDriveActivation(t *testing.T) {
	broker := memadapter.NewBroker()
	d := New(testLog(), clock.Real, tempJournal(t), Config{})

	var adapter *memadapter.Adapter
	require.NoError(t, d.AddLink(link.Config{
		Name:          "l1",
		IngressTopics: []string{"in/l1"},
		EgressTopic:   "out/l1",
	}, ackengine.Config{}, func(name string) (transport.Adapter, error) {
		adapter = memadapter.New(broker)
		return adapter, nil
	}, nil))

	require.NoError(t, d.Start())
	defer d.Stop()

	waitForState(t, d, "l1", link.AwaitingPeer)

	adapter.InjectMessage("not/configured", []byte("hello"))

	// Give the dispatcher a moment to process the rejected message, then
	// confirm it never reached the FSM as PeerMessageReceived.
	time.Sleep(50 * time.Millisecond)
	st, err := d.LinkState("l1")
	require.NoError(t, err)
	assert.Equal(t, link.AwaitingPeer, st)

	adapter.InjectMessage("in/l1", []byte("hello"))
	waitForState(t, d, "l1", link.Active)
}

func TestDispatcher_ErrorCountTracksLoggedErrors(t *testing.T) {
	d := New(testLog(), clock.Real, tempJournal(t), Config{})
	assert.Equal(t, uint64(0), d.ErrorCount())

	d.log.Errorf("synthetic failure for test")
	d.log.Error(assert.AnError)

	assert.Equal(t, uint64(2), d.ErrorCount())
}
