// Package mqttadapter implements transport.Adapter over
// github.com/eclipse/paho.mqtt.golang, the production transport for
// linkcore links whose peer speaks MQTT directly, grounded on
// internal/tele's transportMqtt client configuration.
package mqttadapter

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
)

// Config mirrors the handful of paho.ClientOptions settings
// transportMqtt set explicitly; everything else keeps paho's defaults.
type Config struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	KeepAlive     time.Duration
	PingTimeout   time.Duration
	ConnectRetry  time.Duration
	StorePath     string
	CleanSession  bool
}

type Adapter struct {
	cfg Config
	log *log2.Log

	client mqtt.Client
	out    chan transport.Event

	nextTicket uint64
	mu         sync.Mutex
	pendingSub map[uint16]transport.Ticket
	pendingPub map[uint16]transport.Ticket
}

func New(cfg Config, log *log2.Log) *Adapter {
	a := &Adapter{
		cfg:        cfg,
		log:        log,
		out:        make(chan transport.Event, 64),
		pendingSub: make(map[uint16]transport.Ticket),
		pendingPub: make(map[uint16]transport.Ticket),
	}

	opt := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetDefaultPublishHandler(a.messageHandler).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost).
		SetAutoReconnect(false). // link FSM owns reconnection policy
		SetConnectRetry(false)

	if cfg.KeepAlive > 0 {
		opt.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.PingTimeout > 0 {
		opt.SetPingTimeout(cfg.PingTimeout)
	}
	if cfg.StorePath != "" {
		opt.SetStore(mqtt.NewFileStore(cfg.StorePath))
	}

	a.client = mqtt.NewClient(opt)
	return a
}

func (a *Adapter) Connect() error {
	token := a.client.Connect()
	if token.Wait() && token.Error() != nil {
		return errors.Annotate(token.Error(), "mqttadapter: connect")
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	a.client.Disconnect(250)
	return nil
}

func (a *Adapter) Subscribe(topic string) (transport.Ticket, error) {
	ticket := transport.Ticket(atomic.AddUint64(&a.nextTicket, 1))
	token := a.client.Subscribe(topic, byte(transport.AtLeastOnce), nil)
	go func() {
		token.Wait()
		now := time.Now()
		if err := token.Error(); err != nil {
			a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: err, At: now})
			return
		}
		a.emit(transport.Event{Kind: transport.EventSubAck, Ticket: ticket, Topic: topic, At: now})
	}()
	return ticket, nil
}

func (a *Adapter) Publish(topic string, payload []byte) (transport.Ticket, error) {
	ticket := transport.Ticket(atomic.AddUint64(&a.nextTicket, 1))
	token := a.client.Publish(topic, byte(transport.AtLeastOnce), false, payload)
	go func() {
		token.Wait()
		now := time.Now()
		if err := token.Error(); err != nil {
			a.log.Errorf("mqttadapter publish topic=%s err=%v", topic, err)
			return
		}
		a.emit(transport.Event{Kind: transport.EventPubAck, Ticket: ticket, Topic: topic, At: now})
	}()
	return ticket, nil
}

func (a *Adapter) Events() <-chan transport.Event { return a.out }

func (a *Adapter) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	a.emit(transport.Event{
		Kind:    transport.EventMessage,
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		At:      time.Now(),
	})
}

func (a *Adapter) onConnect(mqtt.Client) {
	a.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
}

func (a *Adapter) onConnectionLost(_ mqtt.Client, err error) {
	a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: err, At: time.Now()})
}

func (a *Adapter) emit(e transport.Event) {
	select {
	case a.out <- e:
	default:
		a.log.Errorf("mqttadapter: events channel full, dropping kind=%d", e.Kind)
	}
}
