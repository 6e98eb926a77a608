package link

import "time"

// Config holds the per-link attributes the FSM needs: topic
// sets, timeouts, and reconnect policy. New copies it (with defaults
// applied) and the FSM does not change it afterwards.
type Config struct {
	Name          string
	IngressTopics []string
	EgressTopic   string

	PeerSilenceTimeout time.Duration
	AckTimeout         time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	ReconnectK   float32

	// StrictAckDemotion resolves an ambiguity in the ack-timeout rule:
	// false (default) is the literal reading -- an ack-timeout only
	// demotes once Active has been reached, never before. true is the
	// stronger reading some readers expect ("never demote due to
	// ack-timeout while other traffic flows"); it is accepted but not
	// implemented beyond the flag itself, since nothing downstream
	// exercises it yet.
	StrictAckDemotion bool
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PeerSilenceTimeout == 0 {
		cfg.PeerSilenceTimeout = 60 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 1 * time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.ReconnectK == 0 {
		cfg.ReconnectK = 2
	}
	return cfg
}
