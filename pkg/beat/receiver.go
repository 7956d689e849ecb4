// Package beat receives heartbeat datagrams for the server and sends them
// for the client.
package beat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/beatwatch/internal/telemetry"
)

const (
	// MaxPayload is how many bytes of a beat are read. Longer datagrams are
	// truncated by the socket and still count as one beat.
	MaxPayload = 8

	DefaultPollInterval = 500 * time.Millisecond
)

// Updater records a beat for an identity. *liveness.Table satisfies it.
type Updater interface {
	Update(id string)
}

// BindError reports that the listening socket could not be opened. It is
// fatal and never retried.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind udp port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

type ReceiverConfig struct {
	Host string // bind host; empty binds all interfaces
	Port int

	// IncludePort keys clients by host:port instead of host.
	IncludePort bool

	// PollInterval bounds each blocking read so cancellation is observed
	// promptly. Zero means DefaultPollInterval.
	PollInterval time.Duration
}

// Receiver owns the bound UDP socket and turns every datagram into an
// Update of the sender's identity.
type Receiver struct {
	conn        *net.UDPConn
	updater     Updater
	logger      *zap.Logger
	includePort bool
	poll        time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the UDP socket immediately. A failure is returned as a
// *BindError.
func Listen(cfg ReceiverConfig, u Updater, logger *zap.Logger) (*Receiver, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &BindError{Port: cfg.Port, Err: errors.New("port out of range")}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := &net.UDPAddr{Port: cfg.Port}
	if cfg.Host != "" {
		ip := net.ParseIP(cfg.Host)
		if ip == nil {
			return nil, &BindError{Port: cfg.Port, Err: fmt.Errorf("invalid bind host %q", cfg.Host)}
		}
		addr.IP = ip
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &BindError{Port: cfg.Port, Err: err}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Receiver{
		conn:        conn,
		updater:     u,
		logger:      logger.Named("receiver"),
		includePort: cfg.IncludePort,
		poll:        poll,
	}, nil
}

// Addr is the bound local address; useful when listening on port 0.
func (r *Receiver) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run receives beats until ctx is cancelled or the receiver is closed.
// It returns nil on either. Other read errors are logged and skipped.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, MaxPayload)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.poll)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Some platforms report ICMP errors (port unreachable from an
			// earlier send) on the next read. Keep listening.
			r.logger.Debug("read failed", zap.Error(err))
			continue
		}

		id := r.identity(from)
		r.logger.Debug("received beat", zap.String("from", id), zap.Int("bytes", n))
		telemetry.BeatsReceived.Inc()
		r.updater.Update(id)
	}
}

func (r *Receiver) identity(from *net.UDPAddr) string {
	host := from.IP.String()
	if v4 := from.IP.To4(); v4 != nil {
		host = v4.String()
	}
	if r.includePort {
		return net.JoinHostPort(host, strconv.Itoa(from.Port))
	}
	return host
}

// Close closes the socket, unblocking a pending read. Safe to call more
// than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

func (r *Receiver) String() string {
	return fmt.Sprintf("Heartbeat server listening on port %d", r.Addr().Port)
}
