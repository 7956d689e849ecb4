package beat

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const DefaultPayload = "BEAT"

type SenderConfig struct {
	Server   string // host:port of the heartbeat server
	Interval time.Duration
	Payload  string
}

// Sender sends a fixed payload to the server on every interval. There is no
// acknowledgment; a lost datagram is simply a missed beat.
type Sender struct {
	conn     net.Conn
	interval time.Duration
	payload  []byte
	logger   *zap.Logger
}

func NewSender(cfg SenderConfig, logger *zap.Logger) (*Sender, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("send interval must be positive, got %s", cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	payload := cfg.Payload
	if payload == "" {
		payload = DefaultPayload
	}
	conn, err := net.Dial("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Server, err)
	}
	return &Sender{
		conn:     conn,
		interval: cfg.Interval,
		payload:  []byte(payload),
		logger:   logger.Named("sender"),
	}, nil
}

// Run sends one beat immediately and then one per interval until ctx is
// done. Send failures are logged and the loop continues.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.send()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sender) send() {
	if _, err := s.conn.Write(s.payload); err != nil {
		s.logger.Warn("send beat failed", zap.String("server", s.conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	s.logger.Info("sent beat", zap.String("server", s.conn.RemoteAddr().String()))
}

func (s *Sender) Close() error {
	return s.conn.Close()
}
