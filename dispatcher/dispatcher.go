// Package dispatcher owns the single cooperative loop that drives every
// link: one goroutine reads a unified ingress queue and calls into
// link.FSM, ackengine.Engine and journal.Journal without any locking of
// their state, the confinement discipline a single-writer design requires.
// The loop shape is grounded on tele/mqtt/client.go's worker(): an
// alive.Alive-gated select over channels, nothing else touches link
// state concurrently.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/temoto/linkcore/ackengine"
	"github.com/temoto/linkcore/internal/clock"
	"github.com/temoto/linkcore/journal"
	"github.com/temoto/linkcore/link"
	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
)

// AdapterFactory builds the transport.Adapter for one link. Dispatcher
// calls it once per AddLink so each link owns an independent connection.
type AdapterFactory func(linkName string) (transport.Adapter, error)

// MessageValidator decodes one inbound transport message and reports
// whether it is well-formed application traffic from the expected peer.
// It is the parse_peer_message(topic, bytes) collaborator: only a message
// it accepts is allowed to drive link.PeerMessageReceived. Malformed or
// unrelated traffic is dropped in applyTransportEvent before the FSM ever
// sees it, mirroring _decode_mqtt_message gating process_mqtt_message in
// gwproactor's proactor implementation.
type MessageValidator interface {
	Validate(topic string, payload []byte) bool
}

// MessageValidatorFunc adapts a plain func to MessageValidator.
type MessageValidatorFunc func(topic string, payload []byte) bool

func (f MessageValidatorFunc) Validate(topic string, payload []byte) bool { return f(topic, payload) }

// topicMembershipValidator is the default MessageValidator used when
// AddLink is given none: a message is accepted only if it carries a
// non-empty payload and, when the link has at least one configured
// ingress topic, arrives on one of them. A link with no ingress topics
// configured is egress-only -- there is no topic set to check membership
// against, so any topic is accepted as long as the payload is non-empty.
type topicMembershipValidator struct {
	topics map[string]struct{}
}

func newTopicMembershipValidator(topics []string) topicMembershipValidator {
	m := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		m[t] = struct{}{}
	}
	return topicMembershipValidator{topics: m}
}

func (v topicMembershipValidator) Validate(topic string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	if len(v.topics) == 0 {
		return true
	}
	_, ok := v.topics[topic]
	return ok
}

// Config are the process-wide knobs that do
// not belong to a single link: where the journal lives and how long Stop
// waits for in-flight work before giving up.
type Config struct {
	JournalDir   string
	StopDeadline time.Duration
	AckEngine    ackengine.Config
}

func (c Config) withDefaults() Config {
	if c.StopDeadline == 0 {
		c.StopDeadline = 5 * time.Second
	}
	return c
}

type linkHandle struct {
	name      string
	fsm       *link.FSM
	ack       *ackengine.Engine
	adapter   transport.Adapter
	validator MessageValidator

	silenceToken   clock.Token
	hasSilence     bool
	reconnectToken clock.Token
	hasReconnect   bool
}

// event is the unified ingress queue element: exactly one of its fields
// is meaningful, tagged by which constructor built it.
type event struct {
	link      string
	input     link.Input
	transport *transport.Event
	fired     *clock.Fired
	appSend   *appSendRequest
	query     *queryRequest
}

type appSendRequest struct {
	topic   string
	payload []byte
	reply   chan error
}

// queryRequest reads LinkState/LinkStats through the same ingress queue
// as everything else, so the answer always reflects a consistent snapshot
// taken by the one goroutine that owns the FSM.
type queryRequest struct {
	stats bool
	reply chan queryResult
}

type queryResult struct {
	state link.State
	stats link.Stats
	err   error
}

// Dispatcher is the façade's engine: it owns every link's FSM, ack engine
// and transport adapter, and reads the "now" it hands to the FSM and ack
// engine from its clock.Source. Timers run on real time (clock.Timers uses
// time.AfterFunc), so a clock.Fake changes those timestamps but does not
// make silence, reconnect or ack timers fire any sooner.
type Dispatcher struct {
	log   *log2.Log
	clock clock.Source
	alive *alive.Alive

	journal journal.Journal
	timers  *clock.Timers

	cfg     Config
	ingress chan event

	links map[string]*linkHandle

	subsMu sync.Mutex
	subs   map[int]chan link.StateChange
	nextSub int

	errCount uint64
}

func New(log *log2.Log, cl clock.Source, j journal.Journal, cfg Config) *Dispatcher {
	d := &Dispatcher{
		log:     log,
		clock:   cl,
		alive:   alive.NewAlive(),
		journal: j,
		cfg:     cfg.withDefaults(),
		ingress: make(chan event, 256),
		links:   make(map[string]*linkHandle),
		subs:    make(map[int]chan link.StateChange),
	}
	d.timers = clock.NewTimers(d.timerSink())
	d.log.SetErrorFunc(func(error) { atomic.AddUint64(&d.errCount, 1) })
	return d
}

// ErrorCount reports how many Error/Errorf calls this dispatcher's logger
// has made since New, for callers that poll coarse health instead of
// scraping log output (wired through log2.Log.SetErrorFunc).
func (d *Dispatcher) ErrorCount() uint64 {
	return atomic.LoadUint64(&d.errCount)
}

// timerSink adapts clock.Fired deliveries into the unified ingress queue.
func (d *Dispatcher) timerSink() chan<- clock.Fired {
	ch := make(chan clock.Fired, 64)
	go func() {
		for f := range ch {
			f := f
			d.ingress <- event{fired: &f}
		}
	}()
	return ch
}

// AddLink registers a link before Start is called. Each link gets its own
// transport.Adapter from factory and its own ackengine.Engine over the
// shared journal, scoped by link name. ackCfg overrides the dispatcher's
// default ack-engine settings for this one link; pass the zero value to
// inherit Config.AckEngine unchanged. validator gates which inbound
// transport messages are allowed to reach the FSM as PeerMessageReceived;
// pass nil to use the default topic-membership validator built from
// cfg.IngressTopics.
func (d *Dispatcher) AddLink(cfg link.Config, ackCfg ackengine.Config, factory AdapterFactory, validator MessageValidator) error {
	if _, exists := d.links[cfg.Name]; exists {
		return errors.AlreadyExistsf("link %s", cfg.Name)
	}
	adapter, err := factory(cfg.Name)
	if err != nil {
		return errors.Annotatef(err, "dispatcher: build adapter for link %s", cfg.Name)
	}
	fsm := link.New(cfg)
	effectiveAckCfg := mergeAckConfig(d.cfg.AckEngine, ackCfg)
	ack := ackengine.New(cfg.Name, effectiveAckCfg, d.journal, adapter, ackTimers{d: d, link: cfg.Name})

	if validator == nil {
		validator = newTopicMembershipValidator(cfg.IngressTopics)
	}

	h := &linkHandle{name: cfg.Name, fsm: fsm, ack: ack, adapter: adapter, validator: validator}
	d.links[cfg.Name] = h

	go d.pump(cfg.Name, adapter.Events())
	return nil
}

// mergeAckConfig lets a per-link override supply only the fields it
// cares about; zero fields fall back to the dispatcher-wide default.
func mergeAckConfig(base, override ackengine.Config) ackengine.Config {
	out := base
	if override.MaxInFlight != 0 {
		out.MaxInFlight = override.MaxInFlight
	}
	if override.AckTimeout != 0 {
		out.AckTimeout = override.AckTimeout
	}
	if override.ReuploadBurst != 0 {
		out.ReuploadBurst = override.ReuploadBurst
	}
	return out
}

func (d *Dispatcher) pump(linkName string, in <-chan transport.Event) {
	stopch := d.alive.StopChan()
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			d.ingress <- event{link: linkName, transport: &e}
		case <-stopch:
			return
		}
	}
}

// Start launches the cooperative loop and issues link.Start{} to every
// registered link.
func (d *Dispatcher) Start() error {
	if !d.alive.Add(1) {
		return errors.NotValidf("dispatcher already stopping")
	}
	go d.run()
	for name := range d.links {
		d.ingress <- event{link: name, input: link.Start{}}
	}
	return nil
}

// Stop asks every link to stop and waits up to stop_deadline for the
// cooperative loop to drain before giving up.
func (d *Dispatcher) Stop() error {
	for name := range d.links {
		d.ingress <- event{link: name, input: link.Stop{}}
	}
	d.alive.Stop()

	done := make(chan struct{})
	go func() { d.alive.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.StopDeadline):
		return errors.Timeoutf("dispatcher: stop_deadline exceeded")
	}
}

func (d *Dispatcher) run() {
	defer d.alive.Done()
	stopch := d.alive.StopChan()
	for {
		select {
		case e := <-d.ingress:
			d.handle(e)
		case <-stopch:
			d.drain()
			return
		}
	}
}

// drain processes whatever is already queued before the loop exits, so a
// Stop{} enqueued just before alive.Stop() still reaches its FSM.
func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.ingress:
			d.handle(e)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(e event) {
	now := d.clock.Now()

	switch {
	case e.input != nil:
		d.apply(e.link, e.input, now)

	case e.transport != nil:
		d.applyTransportEvent(e.link, *e.transport, now)

	case e.fired != nil:
		d.applyTimerFired(*e.fired, now)

	case e.appSend != nil:
		d.applyAppSend(e.link, e.appSend, now)

	case e.query != nil:
		d.applyQuery(e.link, e.query)
	}
}

func (d *Dispatcher) applyQuery(linkName string, q *queryRequest) {
	h := d.links[linkName]
	if h == nil {
		q.reply <- queryResult{err: errors.NotFoundf("link %s", linkName)}
		return
	}
	if !q.stats {
		q.reply <- queryResult{state: h.fsm.State()}
		return
	}
	stats := h.fsm.Stats()
	if ackStats, err := h.ack.Stats(); err == nil {
		stats.InFlight = ackStats.InFlight
		stats.UnackedBacklog = ackStats.UnackedBacklog
		stats.MaxInFlightSeen = ackStats.MaxInFlightSeen
	}
	q.reply <- queryResult{state: stats.State, stats: stats}
}

func (d *Dispatcher) applyTransportEvent(linkName string, te transport.Event, now time.Time) {
	h := d.links[linkName]
	if h == nil {
		return
	}
	switch te.Kind {
	case transport.EventConnected:
		d.apply(linkName, link.TransportConnected{}, now)
	case transport.EventDisconnected:
		d.apply(linkName, link.TransportDisconnected{Reason: te.Reason}, now)
	case transport.EventSubAck:
		d.apply(linkName, link.SubAckReceived{Topic: te.Topic}, now)
	case transport.EventPubAck:
		if err := h.ack.PubAck(te.Ticket, now); err != nil {
			d.log.Errorf("dispatcher: link=%s PubAck err=%v", linkName, err)
		}
	case transport.EventMessage:
		if !h.validator.Validate(te.Topic, te.Payload) {
			d.log.Debugf("dispatcher: link=%s dropping unvalidated message topic=%s", linkName, te.Topic)
			return
		}
		d.apply(linkName, link.PeerMessageReceived{Topic: te.Topic, Payload: te.Payload}, now)
	}
}

func (d *Dispatcher) applyTimerFired(f clock.Fired, now time.Time) {
	switch p := f.Payload.(type) {
	case silenceTimerPayload:
		d.apply(p.link, link.PeerSilenceTimeout{}, now)
	case reconnectTimerPayload:
		d.apply(p.link, link.ReconnectDue{}, now)
	case ackTimerPayload:
		h := d.links[p.link]
		if h == nil {
			return
		}
		if h.ack.Timeout(p.eventID) {
			d.apply(p.link, link.AckTimeout{EventID: p.eventID}, now)
		}
	}
}

func (d *Dispatcher) applyAppSend(linkName string, req *appSendRequest, now time.Time) {
	h := d.links[linkName]
	if h == nil {
		req.reply <- errors.NotFoundf("link %s", linkName)
		return
	}
	_, err := h.ack.SendEvent(req.topic, req.payload, now)
	req.reply <- err
}

func (d *Dispatcher) apply(linkName string, in link.Input, now time.Time) {
	h := d.links[linkName]
	if h == nil {
		return
	}
	result := h.fsm.Handle(in, now)
	for _, eff := range result.Effects {
		d.execEffect(h, eff)
	}
	if result.Change != nil {
		d.publishStateChange(*result.Change)
	}
}

func (d *Dispatcher) execEffect(h *linkHandle, eff link.Effect) {
	switch x := eff.(type) {
	case link.Connect:
		// Connect() blocks on network IO (paho and gomqtt both Wait() on
		// it); running it inline here would stall every other link's
		// events until it returns. A success is reported by the
		// adapter's own EventConnected, so only the failure path needs
		// to reach back into the ingress queue.
		adapter := h.adapter
		name := h.name
		go func() {
			if err := adapter.Connect(); err != nil {
				d.ingress <- event{link: name, input: link.TransportConnectFailed{Reason: err}}
			}
		}()
	case link.Disconnect:
		adapter := h.adapter
		go func() { _ = adapter.Disconnect() }()
	case link.Subscribe:
		for _, topic := range x.Topics {
			if _, err := h.adapter.Subscribe(topic); err != nil {
				d.log.Errorf("dispatcher: link=%s subscribe %s err=%v", h.name, topic, err)
			}
		}
	case link.ScheduleReconnect:
		if h.hasReconnect {
			d.timers.Cancel(h.reconnectToken)
		}
		h.reconnectToken = d.timers.After(x.Delay, reconnectTimerPayload{link: h.name})
		h.hasReconnect = true
	case link.CancelReconnect:
		if h.hasReconnect {
			d.timers.Cancel(h.reconnectToken)
			h.hasReconnect = false
		}
	case link.ScheduleSilence:
		if h.hasSilence {
			d.timers.Cancel(h.silenceToken)
		}
		h.silenceToken = d.timers.After(x.After, silenceTimerPayload{link: h.name})
		h.hasSilence = true
	case link.CancelSilence:
		if h.hasSilence {
			d.timers.Cancel(h.silenceToken)
			h.hasSilence = false
		}
	case link.LinkActive:
		h.ack.LinkActive(d.clock.Now())
	case link.LinkInactive:
		h.ack.LinkInactive()
	case link.CancelInFlight:
		// handled as part of LinkInactive when leaving Active; entering
		// Connecting from a non-Active state has no in-flight to cancel.
	}
}

func (d *Dispatcher) publishStateChange(sc link.StateChange) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- sc:
		default:
			d.log.Errorf("dispatcher: state-change subscriber channel full, dropping link=%s", sc.Link)
		}
	}
}

// SubscribeStateChanges registers a new listener; Unsubscribe with the
// returned id when done.
func (d *Dispatcher) SubscribeStateChanges(buffer int) (id int, ch <-chan link.StateChange) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.nextSub++
	id = d.nextSub
	c := make(chan link.StateChange, buffer)
	d.subs[id] = c
	return id, c
}

func (d *Dispatcher) Unsubscribe(id int) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

// SendEvent appends payload to link's journal and publishes it if
// in-flight budget allows, blocking only until the journal append
// completes (or fails).
func (d *Dispatcher) SendEvent(linkName, topic string, payload []byte) error {
	reply := make(chan error, 1)
	d.ingress <- event{link: linkName, appSend: &appSendRequest{topic: topic, payload: payload, reply: reply}}
	return <-reply
}

// LinkState and LinkStats are read by copying out of the FSM; since only
// the dispatcher goroutine mutates FSM state, these are routed through
// the same ingress queue to stay race-free.
func (d *Dispatcher) LinkState(linkName string) (link.State, error) {
	reply := make(chan queryResult, 1)
	d.ingress <- event{link: linkName, query: &queryRequest{reply: reply}}
	r := <-reply
	return r.state, r.err
}

func (d *Dispatcher) LinkStats(linkName string) (link.Stats, error) {
	reply := make(chan queryResult, 1)
	d.ingress <- event{link: linkName, query: &queryRequest{stats: true, reply: reply}}
	r := <-reply
	return r.stats, r.err
}

type silenceTimerPayload struct{ link string }
type reconnectTimerPayload struct{ link string }
type ackTimerPayload struct {
	link    string
	eventID uint64
}

type ackTimers struct {
	d    *Dispatcher
	link string
}

func (t ackTimers) ScheduleAckTimeout(link string, eventID uint64, after time.Duration) ackengine.Canceler {
	token := t.d.timers.After(after, ackTimerPayload{link: link, eventID: eventID})
	return tokenCanceler{timers: t.d.timers, token: token}
}

type tokenCanceler struct {
	timers *clock.Timers
	token  clock.Token
}

func (c tokenCanceler) Cancel() { c.timers.Cancel(c.token) }
