// Package config loads linkcore's hcl configuration file, grounded on
// state/config.go's include-loop-safe reader: each named source is
// unmarshaled with hashicorp/hcl, any XXX_Include entries it names are
// read in turn, and a source already seen is a hard error rather than an
// infinite loop.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/temoto/linkcore/ackengine"
	"github.com/temoto/linkcore/helpers"
	"github.com/temoto/linkcore/link"
	"github.com/temoto/linkcore/log2"
)

// Config is the top-level on-disk shape: process-wide settings plus one
// LinkConfig per configured link. Durations follow tele's *Sec int
// convention (see head/tele/config.Config) rather than Go duration
// strings, resolved with helpers.IntSecondDefault.
type Config struct {
	includeSeen map[string]struct{}
	XXX_Include []Source `hcl:"include"`

	JournalDir      string `hcl:"journal_dir"`
	StopDeadlineSec int    `hcl:"stop_deadline_sec"`

	Links []LinkConfig `hcl:"link"`
}

type LinkConfig struct {
	Name          string   `hcl:"name,key"`
	IngressTopics []string `hcl:"ingress_topics"`
	EgressTopic   string   `hcl:"egress_topic"`

	PeerSilenceTimeoutSec int `hcl:"peer_silence_timeout_sec"`
	AckTimeoutSec         int `hcl:"ack_timeout_sec"`
	MaxInFlight           int `hcl:"max_in_flight"`
	ReuploadBurst         int `hcl:"reupload_burst"`

	ReconnectMinSec int     `hcl:"reconnect_min_sec"`
	ReconnectMaxSec int     `hcl:"reconnect_max_sec"`
	ReconnectK      float32 `hcl:"reconnect_k"`

	StrictAckDemotion bool `hcl:"strict_ack_demotion"`

	Broker string `hcl:"broker"`
}

// ToLink converts the on-disk shape to link.Config, applying the
// link package's defaults for anything left at zero.
func (l LinkConfig) ToLink() link.Config {
	return link.Config{
		Name:               l.Name,
		IngressTopics:      l.IngressTopics,
		EgressTopic:        l.EgressTopic,
		PeerSilenceTimeout: helpers.IntSecondDefault(l.PeerSilenceTimeoutSec, 60*time.Second),
		AckTimeout:         helpers.IntSecondDefault(l.AckTimeoutSec, 5*time.Second),
		ReconnectMin:       helpers.IntSecondDefault(l.ReconnectMinSec, 1*time.Second),
		ReconnectMax:       helpers.IntSecondDefault(l.ReconnectMaxSec, 60*time.Second),
		ReconnectK:         l.ReconnectK,
		StrictAckDemotion:  l.StrictAckDemotion,
	}
}

func (l LinkConfig) AckEngineConfig() ackengine.Config {
	return ackengine.Config{
		MaxInFlight:   l.MaxInFlight,
		AckTimeout:    helpers.IntSecondDefault(l.AckTimeoutSec, 5*time.Second),
		ReuploadBurst: l.ReuploadBurst,
	}
}

func (c Config) StopDeadline() time.Duration {
	return helpers.IntSecondDefault(c.StopDeadlineSec, 5*time.Second)
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err := hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs)))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig loads and merges names in order, following XXX_Include
// entries depth-first, accumulating (not stopping on) individual source
// errors so one bad include does not hide others.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}

	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 4)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
