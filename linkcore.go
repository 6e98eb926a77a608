// Package linkcore is the façade construct
// one Core per process, register links from config, Start it, then drive
// it purely through SendEvent/SubscribeStateChanges/LinkState/LinkStats.
// Grounded on tele/interface.go's Teler/stub split -- a narrow interface
// plus a no-op stand-in usable wherever a real Core would be overkill
// (unit tests of callers that only need something implementing Core).
package linkcore

import (
	"github.com/juju/errors"

	"github.com/temoto/linkcore/config"
	"github.com/temoto/linkcore/dispatcher"
	"github.com/temoto/linkcore/internal/clock"
	"github.com/temoto/linkcore/journal"
	"github.com/temoto/linkcore/link"
	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
)

// Coreer is the public surface linkcore.Core implements; NewStub() is a
// no-op for callers that want to wire the shape without a real runtime.
type Coreer interface {
	Start() error
	Stop() error
	SendEvent(linkName, topic string, payload []byte) error
	SubscribeStateChanges(buffer int) (id int, ch <-chan link.StateChange)
	Unsubscribe(id int)
	LinkState(linkName string) (link.State, error)
	LinkStats(linkName string) (link.Stats, error)
}

// Core wires a journal, a dispatcher and one transport.Adapter per
// configured link into one running system.
type Core struct {
	log        *log2.Log
	journal    journal.Journal
	dispatcher *dispatcher.Dispatcher
}

// AdapterFactories maps each LinkConfig.Broker scheme name ("mqtt",
// "gomqtt", "mem", ...) to a constructor, so New stays agnostic of which
// transport package a given deployment links in.
type AdapterFactories map[string]func(link config.LinkConfig) (transport.Adapter, error)

// New builds a Core from cfg, opening the journal under cfg.JournalDir
// and registering one link per cfg.Links entry. It does not Start.
func New(log *log2.Log, cfg *config.Config, factories AdapterFactories) (*Core, error) {
	j, err := journal.NewFileJournal(cfg.JournalDir)
	if err != nil {
		return nil, errors.Annotate(err, "linkcore: open journal")
	}

	d := dispatcher.New(log, clock.Real, j, dispatcher.Config{
		JournalDir:   cfg.JournalDir,
		StopDeadline: cfg.StopDeadline(),
	})

	for _, lc := range cfg.Links {
		lc := lc
		factory, ok := factories[lc.Broker]
		if !ok {
			return nil, errors.NotValidf("linkcore: no adapter factory registered for broker=%s (link=%s)", lc.Broker, lc.Name)
		}
		adapterFactory := func(name string) (transport.Adapter, error) {
			return factory(lc)
		}
		if err := d.AddLink(lc.ToLink(), lc.AckEngineConfig(), adapterFactory, nil); err != nil {
			return nil, errors.Annotatef(err, "linkcore: add link %s", lc.Name)
		}
	}

	return &Core{log: log, journal: j, dispatcher: d}, nil
}

func (c *Core) Start() error { return c.dispatcher.Start() }

func (c *Core) Stop() error {
	err := c.dispatcher.Stop()
	if jerr := c.journal.Close(); jerr != nil && err == nil {
		err = jerr
	}
	return err
}

func (c *Core) SendEvent(linkName, topic string, payload []byte) error {
	return c.dispatcher.SendEvent(linkName, topic, payload)
}

func (c *Core) SubscribeStateChanges(buffer int) (int, <-chan link.StateChange) {
	return c.dispatcher.SubscribeStateChanges(buffer)
}

func (c *Core) Unsubscribe(id int) { c.dispatcher.Unsubscribe(id) }

func (c *Core) LinkState(linkName string) (link.State, error) { return c.dispatcher.LinkState(linkName) }

func (c *Core) LinkStats(linkName string) (link.Stats, error) { return c.dispatcher.LinkStats(linkName) }

type stub struct{}

func (stub) Start() error                                             { return nil }
func (stub) Stop() error                                              { return nil }
func (stub) SendEvent(string, string, []byte) error                   { return nil }
func (stub) SubscribeStateChanges(int) (int, <-chan link.StateChange) { return 0, nil }
func (stub) Unsubscribe(int)                                          {}
func (stub) LinkState(string) (link.State, error)                     { return link.NotStarted, nil }
func (stub) LinkStats(string) (link.Stats, error)                     { return link.Stats{}, nil }

// NewStub returns a Coreer that does nothing, for callers exercising
// wiring without a real dispatcher.
func NewStub() Coreer { return stub{} }

var _ Coreer = (*Core)(nil)
