package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/beatwatch/discovery"
	"github.com/ryandielhenn/beatwatch/internal/config"
	"github.com/ryandielhenn/beatwatch/internal/logging"
	"github.com/ryandielhenn/beatwatch/internal/telemetry"
	"github.com/ryandielhenn/beatwatch/pkg/beat"
	"github.com/ryandielhenn/beatwatch/pkg/liveness"
	"github.com/ryandielhenn/beatwatch/pkg/notify"
	"github.com/ryandielhenn/beatwatch/pkg/status"
	"github.com/ryandielhenn/beatwatch/pkg/sweep"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

const usage = `Usage: server [-config file] [-print-config] <listen-port> [<timeout-seconds>]

Listens for UDP heartbeats and reports clients that go silent for longer
than the timeout (default port 9999, timeout 60 seconds).
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(usage)
		os.Exit(0)
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configFile := fs.String("config", "", "path to a TOML config file")
	printConfig := fs.Bool("print-config", false, "print the default config as TOML and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *printConfig {
		data, err := config.Example()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		stdout.Write(data)
		return 0
	}

	cfg, err := config.LoadServer(*configFile, fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprint(stderr, usage)
			return 2
		}
		return 1
	}

	logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Bind first: a port that cannot be bound is fatal.
	table := liveness.New()
	recv, err := beat.Listen(beat.ReceiverConfig{
		Port:        cfg.Port,
		IncludePort: cfg.IdentityIncludePort,
	}, table, logger)
	if err != nil {
		logger.Error("bind failed", zap.Error(err))
		fmt.Fprintln(stderr, err)
		return 1
	}

	// 2. Alert channels and report sinks
	notifier := buildNotifier(cfg, logger)
	var sinks []sweep.Sink
	if len(cfg.Etcd.Endpoints) > 0 {
		cli, unregister, err := setupEtcd(cfg, recv, logger)
		if err != nil {
			logger.Warn("etcd unavailable, not publishing client state", zap.Error(err))
		} else {
			defer cli.Close()
			defer unregister()
			sinks = append(sinks, discovery.NewPublisher(cli, cfg.Etcd.Prefix, cfg.Etcd.DialTimeout))
		}
	}

	ev, err := sweep.New(table, sweep.Config{Timeout: cfg.Timeout, Period: cfg.SweepPeriod()}, notifier, logger,
		sweep.WithOutput(stdout), sweep.WithSinks(sinks...))
	if err != nil {
		recv.Close()
		fmt.Fprintln(stderr, err)
		return 1
	}

	// 3. Status endpoints
	var st *status.Server
	if cfg.StatusAddr != "" {
		st = status.NewServer(cfg.StatusAddr, table, cfg.Timeout, logger)
		st.Start()
	}

	// 4. Receiver and evaluator
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recv.Run(ctx); err != nil {
			logger.Error("receiver stopped", zap.Error(err))
			stop()
		}
	}()

	fmt.Fprintln(stdout, "--- Heartbeat server ---")
	fmt.Fprintf(stdout, "Listening on port %d with timeout %d. Ctrl-c to stop\n", recv.Addr().Port, int(cfg.Timeout.Seconds()))
	logger.Info("STARTED",
		zap.Int("port", recv.Addr().Port),
		zap.Duration("timeout", cfg.Timeout),
		zap.String("log_level", cfg.LogLevel),
		zap.String("version", version))

	ev.Run(ctx)

	// Unblock the pending read and wait for the receiver before the socket
	// goes away.
	fmt.Fprintln(stdout, "Exiting...")
	recv.Close()
	wg.Wait()

	if st != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Stop(shutdownCtx); err != nil {
			logger.Warn("status shutdown error", zap.Error(err))
		}
	}
	logger.Info("STOPPED")
	return 0
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	var ns []notify.Notifier
	if cfg.SMTP.Enabled {
		ns = append(ns, notify.NewSMTP(notify.SMTPConfig{
			Addr: cfg.SMTP.Addr(),
			From: cfg.SMTP.From,
			To:   []string{cfg.SMTP.To},
		}))
	}
	if cfg.Discord.Enabled() {
		d, err := notify.NewDiscord(cfg.Discord.Token, cfg.Discord.ChannelID)
		if err != nil {
			logger.Warn("discord notifier disabled", zap.Error(err))
		} else {
			ns = append(ns, d)
		}
	}
	switch len(ns) {
	case 0:
		logger.Warn("no alert channel configured; dead clients are only logged")
		return notify.Nop
	case 1:
		return ns[0]
	default:
		return notify.NewMulti(len(ns), ns...)
	}
}

func setupEtcd(cfg *config.Config, recv *beat.Receiver, logger *zap.Logger) (*clientv3.Client, func(), error) {
	logger.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, nil, err
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "beatwatch"
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)
	defer cancel()

	// Registration is informational; publishing still works without it.
	leaseID, stopKeepAlive, err := discovery.RegisterServer(ctx, cli, host, recv.Addr().String(), 10)
	if err != nil {
		logger.Warn("register server in etcd failed", zap.Error(err))
		return cli, func() {}, nil
	}
	return cli, func() {
		stopKeepAlive()
		revokeCtx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)
		defer cancel()
		_, _ = cli.Revoke(revokeCtx, leaseID)
	}, nil
}
