// mcstatus probes every memcached server named in a config file and prints
// one "host:port ON|OFF" line per server.
//
// Exit codes: 0 when every server answered, 1 when at least one server is
// down, 2 when the config could not be loaded or the pool not built.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sihuatech/webcache/memcached"
)

var (
	configPath = flag.String(
		"config",
		"",
		"Path of a .properties or .yaml file with memcached.* settings")
	clientKind = flag.String(
		"client",
		"",
		"Override memcached.client (classic or binary)")
	jsonOutput = flag.Bool("json", false, "Print the status as json")
	timeout    = flag.Duration(
		"timeout",
		10*time.Second,
		"Overall deadline for the probe")
	verbose = flag.Bool("v", false, "Log at debug level")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "mcstatus: -config is required")
		flag.Usage()
		return 2
	}

	cfg, err := memcached.LoadConfig(*configPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcstatus: %v\n", err)
		return 2
	}
	if *clientKind != "" {
		cfg.Client = memcached.ClientKind(*clientKind)
	}

	client, err := memcached.Open(
		cfg,
		memcached.WithLogger(log),
		memcached.WithoutMaintenance())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcstatus: %v\n", err)
		return 2
	}
	defer func() { _ = client.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status := client.Status(ctx)

	if *jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "mcstatus: %v\n", err)
			return 2
		}
	} else {
		fmt.Print(status.Detail)
		fmt.Printf("%d/%d down\n", status.Down, status.Total)
	}

	if !status.Healthy() {
		return 1
	}
	return 0
}
