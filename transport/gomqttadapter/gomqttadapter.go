// Package gomqttadapter implements transport.Adapter over
// github.com/256dpi/gomqtt, grounded on tele/mqtt/client.go's packet-level
// Client: single active connection, serialized publish via a future.
// Unlike tele/mqtt/client.go's Client, this adapter has no background worker
// goroutine and never reconnects on its own -- the link FSM decides when
// to call Connect again, and dispatcher.Dispatcher is the one alive.Alive
// in this codebase governing a long-lived loop.
package gomqttadapter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"

	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
)

type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log *log2.Log

	conn *client.Client

	mu     sync.Mutex
	lastID uint32
	out    chan transport.Event
}

func New(cfg Config, log *log2.Log) *Adapter {
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	return &Adapter{
		cfg: cfg,
		log: log,
		out: make(chan transport.Event, 64),
	}
}

func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conn = client.New()
	a.conn.Callback = a.onPacket

	connect := packet.NewConnect()
	connect.ClientID = a.cfg.ClientID
	connect.Username = a.cfg.Username
	connect.Password = a.cfg.Password
	connect.KeepAlive = a.cfg.KeepaliveSec
	connect.CleanSession = true

	connectFuture, err := a.conn.Connect(client.NewConfigWithClientID(a.cfg.BrokerURL, a.cfg.ClientID))
	if err != nil {
		return errors.Annotate(err, "gomqttadapter: connect")
	}
	if err := connectFuture.Wait(a.cfg.NetworkTimeout); err != nil {
		return errors.Annotate(err, "gomqttadapter: connect ack")
	}
	a.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (a *Adapter) Subscribe(topic string) (transport.Ticket, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return 0, errors.NotValidf("gomqttadapter: Subscribe before Connect")
	}

	ticket := transport.Ticket(atomic.AddUint32(&a.lastID, 1))
	subFuture, err := conn.Subscribe(topic, packet.QOSAtLeastOnce)
	if err != nil {
		return 0, errors.Annotatef(err, "gomqttadapter: subscribe %s", topic)
	}
	go func() {
		werr := subFuture.Wait(a.cfg.NetworkTimeout)
		now := time.Now()
		if werr != nil {
			a.log.Errorf("gomqttadapter subscribe topic=%s err=%v", topic, werr)
			return
		}
		a.emit(transport.Event{Kind: transport.EventSubAck, Ticket: ticket, Topic: topic, At: now})
	}()
	return ticket, nil
}

func (a *Adapter) Publish(topic string, payload []byte) (transport.Ticket, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return 0, errors.NotValidf("gomqttadapter: Publish before Connect")
	}

	ticket := transport.Ticket(atomic.AddUint32(&a.lastID, 1))
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	pubFuture, err := conn.PublishMessage(msg)
	if err != nil {
		return 0, errors.Annotatef(err, "gomqttadapter: publish %s", topic)
	}
	go func() {
		werr := pubFuture.Wait(a.cfg.NetworkTimeout)
		now := time.Now()
		switch werr {
		case nil:
			a.emit(transport.Event{Kind: transport.EventPubAck, Ticket: ticket, Topic: topic, At: now})
		case future.ErrTimeout:
			a.log.Errorf("gomqttadapter publish timeout topic=%s", topic)
		default:
			a.log.Errorf("gomqttadapter publish topic=%s err=%v", topic, werr)
		}
	}()
	return ticket, nil
}

func (a *Adapter) Events() <-chan transport.Event { return a.out }

func (a *Adapter) onPacket(msg *packet.Message, err error) error {
	now := time.Now()
	if err != nil {
		a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: err, At: now})
		return nil
	}
	a.emit(transport.Event{Kind: transport.EventMessage, Topic: msg.Topic, Payload: msg.Payload, At: now})
	return nil
}

func (a *Adapter) emit(e transport.Event) {
	select {
	case a.out <- e:
	default:
		a.log.Errorf("gomqttadapter: events channel full, dropping kind=%d", e.Kind)
	}
}
