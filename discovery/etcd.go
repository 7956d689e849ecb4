// Package discovery mirrors the heartbeat server's view into etcd so other
// tooling can watch client liveness, and registers the server itself under a
// leased key.
package discovery

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/beatwatch/internal/jsonx"
	"github.com/ryandielhenn/beatwatch/pkg/liveness"
	"github.com/ryandielhenn/beatwatch/pkg/sweep"
)

const (
	DefaultPrefix = "/heartbeat/clients/"
	ServerPrefix  = "/heartbeat/servers/"

	// etcd rejects transactions above --max-txn-ops (128 by default).
	maxOpsPerTxn = 64
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// RegisterServer puts addr under ServerPrefix+id on a lease of ttl seconds
// and keeps the lease alive until cancel is called. ctx bounds only the
// initial grant and put.
func RegisterServer(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, err
	}
	key := ServerPrefix + id
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		// drain keepalive responses
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Record is the value stored for each client.
type Record struct {
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	SweptAt  time.Time `json:"swept_at"`
}

// Publisher writes every client in a sweep report to Prefix+identity. Keys
// are overwritten on each sweep and never deleted, matching the table.
type Publisher struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
}

var _ sweep.Sink = (*Publisher)(nil)

func NewPublisher(kv clientv3.KV, prefix string, timeout time.Duration) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{kv: kv, prefix: prefix, timeout: timeout}
}

func (p *Publisher) Key(id string) string {
	return p.prefix + id
}

func (p *Publisher) Publish(ctx context.Context, r sweep.Report) error {
	ops := make([]clientv3.Op, 0, len(r.Alive)+len(r.Dead))
	put := func(e liveness.Entry) error {
		val, err := jsonx.Marshal(Record{State: e.State.String(), LastSeen: e.LastSeen, SweptAt: r.At})
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.ID, err)
		}
		ops = append(ops, clientv3.OpPut(p.Key(e.ID), string(val)))
		return nil
	}
	for _, e := range r.StillAlive() {
		if err := put(e); err != nil {
			return err
		}
	}
	for _, d := range r.Dead {
		if err := put(d.Entry); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	for start := 0; start < len(ops); start += maxOpsPerTxn {
		end := min(start+maxOpsPerTxn, len(ops))
		if _, err := p.kv.Txn(ctx).Then(ops[start:end]...).Commit(); err != nil {
			return fmt.Errorf("publish %d client records: %w", end-start, err)
		}
	}
	return nil
}
