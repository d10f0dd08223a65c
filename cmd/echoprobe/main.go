package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tkjaer/echoprobe/internal/config"
	"github.com/tkjaer/echoprobe/internal/monitor"
	"github.com/tkjaer/echoprobe/internal/probe"
	"github.com/tkjaer/echoprobe/internal/sink"
	"github.com/tkjaer/echoprobe/internal/version"
	"github.com/tkjaer/echoprobe/pkg/resolve"
)

func main() {
	args, err := config.ParseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logFile, err := config.SetupLogging(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(args); err != nil {
		slog.Error("echoprobe failed", "err", err)
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
}

func run(args config.Args) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgs, err := args.Probes()
	if err != nil {
		return err
	}

	memory := sink.NewMemory()
	sinks := sink.NewManager(memory)
	switch {
	case args.Json:
		out, err := sink.NewJSON("")
		if err != nil {
			return err
		}
		sinks.Register(out)
	case args.JsonFile != "":
		out, err := sink.NewJSON(args.JsonFile)
		if err != nil {
			return fmt.Errorf("open json file: %w", err)
		}
		sinks.Register(out)
	}

	var registry *prometheus.Registry
	if args.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		metrics, err := sink.NewPrometheus(registry)
		if err != nil {
			return err
		}
		sinks.Register(metrics)
	}
	defer sinks.Close()

	poller, err := monitor.NewEpoll()
	if err != nil {
		return err
	}
	defer poller.Close()

	m := monitor.New(poller)
	resolver := resolve.NewResolver(args.ResolverTTL)

	for _, c := range cfgs {
		cfg, err := c.Resolve()
		if err != nil {
			return err
		}
		p, err := probe.New(ctx, cfg, probe.WithSink(sinks), probe.WithResolver(resolver))
		if err != nil {
			// Socket and timer failures only take this probe out
			slog.Error("Probe disabled", "probe", cfg.Name, "err", err)
			_ = p.Close()
			continue
		}
		if err := m.Register(p); err != nil {
			_ = p.Close()
			return err
		}
	}
	if m.Len() == 0 {
		return errors.New("no probe could be started")
	}

	slog.Info("Starting echoprobe", "version", version.FullVersion(), "probes", m.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return m.Run(gctx)
	})
	if registry != nil {
		g.Go(func() error {
			return serveMetrics(gctx, args.MetricsAddr, registry)
		})
	}
	err = g.Wait()

	if !args.Json {
		printSummary(memory, resolver, m.Finished())
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func printSummary(memory *sink.Memory, resolver *resolve.Resolver, probes []*probe.Probe) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, p := range probes {
		dest := p.Config().Destination()
		if addr := p.DestinationAddr(); addr.IsValid() {
			if name, ok := resolver.Reverse(ctx, addr); ok && name != dest {
				dest += " " + name
			}
		}
		fmt.Fprintf(os.Stderr, "--- %s (%s) ---\n", p.Name(), dest)
		stats, ok := memory.Statistics(p.Name())
		if !ok {
			fmt.Fprintf(os.Stderr, "%d packets transmitted, 0 received\n", p.Transmitted())
			continue
		}
		fmt.Fprintf(os.Stderr, "%d packets transmitted, %d received, %d%% packet loss, time %.3fs\n",
			stats.PacketsTransmitted, stats.PacketsReceived, stats.PacketLoss, stats.TotalTime)
		if stats.HasSamples {
			fmt.Fprintf(os.Stderr, "rtt best/avg/worst/jitter = %.3f/%.3f/%.3f/%.3f ms\n",
				stats.Best, stats.Average, stats.Worst, stats.Jitter)
		}
	}
}
