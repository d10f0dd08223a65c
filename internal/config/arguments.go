package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tkjaer/echoprobe/internal/probe"
	"github.com/tkjaer/echoprobe/internal/version"
)

type Args struct {
	ConfigFile  string // YAML probe definitions
	Destination string
	Name        string
	Positional  []string // legacy ten-slot list

	// Probe
	Count              int
	Interval           time.Duration
	PacketSize         int
	Timeout            time.Duration
	TimeoutMultiplier  int
	StoreInterval      int
	StatisticsInterval int
	InitialDelay       time.Duration
	TTL                int
	Source             string
	Interface          string

	// Resolver
	ResolverTTL time.Duration

	// Output
	Json        bool   // output json to stdout
	JsonFile    string // output json to file
	MetricsAddr string // serve prometheus metrics, empty disables

	// Logging
	Log       string // log file path, empty means stderr
	LogLevel  string // log level: debug, info, warn, error
	LogFormat string // text or json
}

func ParseArgs() (Args, error) {
	var args Args
	var showVersion bool

	flag.Usage = func() {
		println("echoprobe - ICMP echo latency monitor")
		println()
		println("Usage:")
		println("  echoprobe [OPTIONS] DESTINATION")
		println("  echoprobe [OPTIONS] --config probes.yaml")
		println()
		println("Examples:")
		println("  echoprobe 192.0.2.1                       # Probe every 5s until interrupted")
		println("  echoprobe -c 10 -i 1s example.com         # Stop after 10 replies")
		println("  echoprobe -J --metrics-addr :9100 host    # JSON to stdout, metrics on :9100")
		println()
		println("Options:")
		flag.PrintDefaults()
	}

	flag.BoolVarP(&showVersion, "version", "v", false, "Show version information")
	flag.StringVarP(&args.ConfigFile, "config", "f", "", "YAML file with probe definitions")
	flag.StringVarP(&args.Name, "name", "N", "", "Probe name (default: the destination)")
	flag.StringSliceVar(&args.Positional, "positional", nil, "Legacy ten-slot probe definition, comma separated")

	flag.IntVarP(&args.Count, "count", "c", probe.UnlimitedReplies, "Stop after this many replies (-1 = infinite)")
	flag.DurationVarP(&args.Interval, "interval", "i", probe.DefaultInterval, "Time between echo requests")
	flag.IntVarP(&args.PacketSize, "size", "s", probe.DefaultPacketSize, "ICMP packet size including the 8 byte header")
	flag.DurationVarP(&args.Timeout, "timeout", "t", 0, "Reply timeout (default: timeout-multiplier x interval)")
	flag.IntVar(&args.TimeoutMultiplier, "timeout-multiplier", probe.DefaultTimeoutMultiplier, "Intervals to wait for a reply when --timeout is unset")
	flag.IntVar(&args.StoreInterval, "store-interval", probe.DefaultStoreInterval, "Reply records to retain in the sink (-1 = all)")
	flag.IntVar(&args.StatisticsInterval, "statistics-interval", probe.DefaultStatisticsInterval, "Samples used for statistics (-1 = all)")
	flag.DurationVar(&args.InitialDelay, "initial-delay", probe.DefaultInitialDelay, "Delay before the first echo request")
	flag.IntVar(&args.TTL, "ttl", probe.DefaultTTL, "IP time to live")
	flag.StringVarP(&args.Source, "source", "S", "", "Source IPv4 address to bind")
	flag.StringVarP(&args.Interface, "interface", "I", "", "Network interface to bind")
	flag.DurationVar(&args.ResolverTTL, "resolver-ttl", 5*time.Minute, "How long resolved hostnames are cached")

	flag.StringVarP(&args.JsonFile, "json-file", "j", "", "Write JSON events to file")
	flag.BoolVarP(&args.Json, "json", "J", false, "Write JSON events to stdout")
	flag.StringVar(&args.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	flag.StringVarP(&args.Log, "log", "l", "", "Diagnostic log file (empty = stderr)")
	flag.StringVar(&args.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&args.LogFormat, "log-format", "text", "Log format: text or json")
	flag.Parse()

	if showVersion {
		fmt.Println(version.FullVersion())
		os.Exit(0)
	}

	args.Destination = flag.Arg(0)

	sources := 0
	for _, set := range []bool{args.Destination != "", args.ConfigFile != "", len(args.Positional) > 0} {
		if set {
			sources++
		}
	}

	switch {
	case sources == 0:
		return args, errors.New("destination is required")
	case sources > 1:
		return args, errors.New("use only one of DESTINATION, --config and --positional")
	case args.Json && args.JsonFile != "":
		return args, errors.New("cannot use both --json and --json-file")
	case args.LogFormat != "text" && args.LogFormat != "json":
		return args, errors.New("log format must be either 'text' or 'json'")
	case args.Count < probe.UnlimitedReplies:
		return args, errors.New("count must be -1 or greater")
	}

	return args, nil
}
