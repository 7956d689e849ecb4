package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryandielhenn/beatwatch/internal/config"
	"github.com/ryandielhenn/beatwatch/internal/logging"
	"github.com/ryandielhenn/beatwatch/pkg/beat"
)

const usage = `Usage: client [-config file] <server-host> <server-port> [<interval-seconds>]

Sends a UDP heartbeat to the server every interval (default 20 seconds).
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(usage)
		os.Exit(0)
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configFile := fs.String("config", "", "path to a TOML config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadClient(*configFile, fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprint(stderr, usage)
			return 2
		}
		return 1
	}

	// The client logs to stderr only.
	logger, err := logging.New("", cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()

	server := net.JoinHostPort(cfg.Client.Server, strconv.Itoa(cfg.Client.Port))
	s, err := beat.NewSender(beat.SenderConfig{
		Server:   server,
		Interval: cfg.Client.Interval,
		Payload:  cfg.Client.Payload,
	}, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(stdout, "--- Heartbeat client ---")
	fmt.Fprintf(stdout, "Sending heartbeat every %s to server %s\n", cfg.Client.Interval, server)
	if err := s.Run(ctx); err != nil {
		logger.Error("sender stopped", zap.Error(err))
		return 1
	}
	return 0
}
