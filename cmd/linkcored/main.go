// linkcored runs one linkcore.Core from a single hcl config file,
// registering the mqtt and mem transport adapters by their
// config `broker` scheme name. Grounded on head/main.go's minimal
// wiring style.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/temoto/linkcore"
	"github.com/temoto/linkcore/config"
	"github.com/temoto/linkcore/log2"
	"github.com/temoto/linkcore/transport"
	"github.com/temoto/linkcore/transport/memadapter"
	"github.com/temoto/linkcore/transport/mqttadapter"
)

func main() {
	configPath := flag.String("config", "/etc/linkcore/linkcore.hcl", "path to hcl config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := log2.LInfo
	if *debug {
		level = log2.LDebug
	}
	log := log2.NewStderr(level)

	fs := config.NewOsFullReader("/")
	cfg := config.MustReadConfig(log, fs, *configPath)

	sharedBroker := memadapter.NewBroker()
	factories := linkcore.AdapterFactories{
		"mqtt": func(lc config.LinkConfig) (transport.Adapter, error) {
			return mqttadapter.New(mqttadapter.Config{
				Broker:   lc.Broker,
				ClientID: lc.Name,
			}, log), nil
		},
		"mem": func(lc config.LinkConfig) (transport.Adapter, error) {
			return memadapter.New(sharedBroker), nil
		},
	}

	core, err := linkcore.New(log, cfg, factories)
	if err != nil {
		log.Fatal(err)
	}
	if err := core.Start(); err != nil {
		log.Fatal(err)
	}

	_, changes := core.SubscribeStateChanges(64)
	go func() {
		for sc := range changes {
			fmt.Fprintf(os.Stderr, "link=%s %s -> %s reason=%s at=%s\n",
				sc.Link, sc.From, sc.To, sc.Reason, sc.At.Format("15:04:05.000"))
		}
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	<-sigch

	log.Infof("linkcored: shutting down")
	if err := core.Stop(); err != nil {
		log.Errorf("linkcored: stop err=%v", err)
		os.Exit(1)
	}
}
