package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
)

// TimeLayout is how last-seen times appear in alerts and logs.
const TimeLayout = "2006-01-02 15:04:05"

// Notifier delivers an alert that a client has gone silent.
type Notifier interface {
	Notify(ctx context.Context, id string, lastSeen time.Time) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, id string, lastSeen time.Time) error

func (f Func) Notify(ctx context.Context, id string, lastSeen time.Time) error {
	return f(ctx, id, lastSeen)
}

// Nop discards every alert.
var Nop Notifier = Func(func(context.Context, string, time.Time) error { return nil })

// Subject is the alert headline.
func Subject(id string) string {
	return fmt.Sprintf("Heartbeat ALERT %s is DOWN", id)
}

// Message renders the alert body shared by all notifiers.
func Message(id string, lastSeen, now time.Time) string {
	silent := now.Sub(lastSeen).Truncate(time.Second)
	if silent < 0 {
		silent = 0
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s is DOWN since %s (silent for %s)\n\n/heartbeat server on %s\n",
		id, lastSeen.Format(TimeLayout), durafmt.Parse(silent).LimitFirstN(2).String(), host)
}

// Multi delivers each alert to every notifier concurrently, at most limit
// at a time. The result joins every delivery error.
type Multi struct {
	notifiers []Notifier
	limit     int
}

func NewMulti(limit int, notifiers ...Notifier) *Multi {
	if limit <= 0 {
		limit = 1
	}
	return &Multi{notifiers: notifiers, limit: limit}
}

func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Notify(ctx context.Context, id string, lastSeen time.Time) error {
	errs := make([]error, len(m.notifiers))
	swg := sizedwaitgroup.New(m.limit)
	for i, n := range m.notifiers {
		swg.Add()
		go func(i int, n Notifier) {
			defer swg.Done()
			errs[i] = n.Notify(ctx, id, lastSeen)
		}(i, n)
	}
	swg.Wait()
	return errors.Join(errs...)
}
