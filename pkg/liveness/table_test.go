package liveness

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration, base time.Time) {
	c.mu.Lock()
	c.now = base.Add(offset)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ids(es []DeadEntry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

func TestSweepDead_SingleClientLifecycle(t *testing.T) {
	clk := newFakeClock()
	t0 := clk.Now()
	tbl := New(WithClock(clk.Now))
	const timeout = 5 * time.Second

	tbl.Update("A")

	clk.Set(3*time.Second, t0)
	if got := tbl.SweepDead(timeout); len(got) != 0 {
		t.Fatalf("t=3 SweepDead = %v, want empty", ids(got))
	}

	clk.Set(6*time.Second, t0)
	got := tbl.SweepDead(timeout)
	if len(got) != 1 || got[0].ID != "A" || !got[0].Newly {
		t.Fatalf("t=6 SweepDead = %+v, want [A newly]", got)
	}
	if !got[0].LastSeen.Equal(t0) {
		t.Fatalf("LastSeen = %v, want %v", got[0].LastSeen, t0)
	}

	clk.Set(7*time.Second, t0)
	tbl.Update("A")
	if alive := tbl.SnapshotAlive(); len(alive) != 1 || alive[0].ID != "A" {
		t.Fatalf("after beat SnapshotAlive = %+v, want [A]", alive)
	}

	clk.Set(9*time.Second, t0)
	if got := tbl.SweepDead(timeout); len(got) != 0 {
		t.Fatalf("t=9 SweepDead = %v, want empty", ids(got))
	}
}

func TestSweepDead_TwoClientsStaggered(t *testing.T) {
	clk := newFakeClock()
	t0 := clk.Now()
	tbl := New(WithClock(clk.Now))
	const timeout = 5 * time.Second

	tbl.Update("A")
	clk.Set(2*time.Second, t0)
	tbl.Update("B")

	clk.Set(6*time.Second, t0)
	got := tbl.SweepDead(timeout)
	if len(got) != 1 || got[0].ID != "A" || !got[0].Newly {
		t.Fatalf("t=6 SweepDead = %+v, want [A newly]", got)
	}

	clk.Set(8*time.Second, t0)
	got = tbl.SweepDead(timeout)
	if len(got) != 2 {
		t.Fatalf("t=8 SweepDead = %v, want [A B]", ids(got))
	}
	if got[0].ID != "A" || got[0].Newly {
		t.Fatalf("A = %+v, want previously reported", got[0])
	}
	if got[1].ID != "B" || !got[1].Newly {
		t.Fatalf("B = %+v, want newly dead", got[1])
	}
}

func TestSweepDead_ReportsNewlyOnce(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("x")
	clk.Advance(time.Minute)

	newly := 0
	for i := 0; i < 5; i++ {
		for _, d := range tbl.SweepDead(10 * time.Second) {
			if d.Newly {
				newly++
			}
			if d.State != StateDead {
				t.Fatalf("swept entry state = %v, want dead", d.State)
			}
		}
	}
	if newly != 1 {
		t.Fatalf("newly dead reported %d times, want 1", newly)
	}
}

func TestSweepDead_ThresholdIsStrict(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("edge")
	clk.Advance(5 * time.Second) // lastSeen == now - timeout

	if got := tbl.SweepDead(5 * time.Second); len(got) != 0 {
		t.Fatalf("entry exactly at threshold reported dead: %v", ids(got))
	}

	clk.Advance(time.Nanosecond)
	if got := tbl.SweepDead(5 * time.Second); len(got) != 1 {
		t.Fatalf("entry past threshold not reported: %v", ids(got))
	}
}

func TestSweepDead_EmptyTable(t *testing.T) {
	tbl := New()
	got := tbl.SweepDead(time.Second)
	if got == nil || len(got) != 0 {
		t.Fatalf("SweepDead on empty table = %#v, want empty non-nil slice", got)
	}
	if alive := tbl.SnapshotAlive(); len(alive) != 0 {
		t.Fatalf("SnapshotAlive on empty table = %v", alive)
	}
}

func TestFrequentBeatsNeverDead(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))
	const timeout = 5 * time.Second

	for i := 0; i < 50; i++ {
		tbl.Update("steady")
		clk.Advance(4 * time.Second)
		if got := tbl.SweepDead(timeout); len(got) != 0 {
			t.Fatalf("client beating within timeout reported dead: %v", ids(got))
		}
	}
}

func TestSnapshotAliveExcludesDead(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("old")
	clk.Advance(10 * time.Second)
	tbl.Update("fresh")
	tbl.SweepDead(5 * time.Second)

	alive := tbl.SnapshotAlive()
	if len(alive) != 1 || alive[0].ID != "fresh" {
		t.Fatalf("SnapshotAlive = %+v, want [fresh]", alive)
	}
	for _, e := range alive {
		if e.State != StateAlive {
			t.Fatalf("SnapshotAlive returned %s in state %v", e.ID, e.State)
		}
	}

	all := tbl.SnapshotAll()
	if len(all) != 2 {
		t.Fatalf("SnapshotAll len = %d, want 2", len(all))
	}
	if all[0].ID != "fresh" || all[0].State != StateAlive {
		t.Fatalf("all[0] = %+v", all[0])
	}
	if all[1].ID != "old" || all[1].State != StateDead {
		t.Fatalf("all[1] = %+v", all[1])
	}
}

func TestSnapshotsHaveNoSideEffects(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("a")
	clk.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		tbl.SnapshotAll()
		tbl.SnapshotAlive()
	}

	// Snapshots must not have flipped the flag: the first sweep still sees
	// a newly dead entry.
	got := tbl.SweepDead(time.Second)
	if len(got) != 1 || !got[0].Newly {
		t.Fatalf("SweepDead after snapshots = %+v, want [a newly]", got)
	}

	// Mutating a returned snapshot must not reach the table.
	all := tbl.SnapshotAll()
	all[0].State = StateAlive
	all[0].ID = "mutated"
	if again := tbl.SnapshotAll(); again[0].ID != "a" || again[0].State != StateDead {
		t.Fatalf("SnapshotAll returned a reference, not a copy: %+v", again)
	}
}

func TestUpdateOnDeadEntryResetsSilently(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("a")
	clk.Advance(time.Minute)
	tbl.SweepDead(time.Second)

	clk.Advance(time.Second)
	tbl.Update("a")

	all := tbl.SnapshotAll()
	if len(all) != 1 || all[0].State != StateAlive || !all[0].LastSeen.Equal(clk.Now()) {
		t.Fatalf("after beat = %+v, want alive at %v", all, clk.Now())
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}

	// Going silent again starts a new episode and alerts again.
	clk.Advance(time.Minute)
	got := tbl.SweepDead(time.Second)
	if len(got) != 1 || !got[0].Newly {
		t.Fatalf("second episode SweepDead = %+v, want [a newly]", got)
	}
}

func TestUpdateNeverMovesLastSeenBackwards(t *testing.T) {
	clk := newFakeClock()
	tbl := New(WithClock(clk.Now))

	tbl.Update("a")
	first := clk.Now()
	clk.Advance(-3 * time.Second)
	tbl.Update("a")

	if got := tbl.SnapshotAll()[0].LastSeen; !got.Equal(first) {
		t.Fatalf("LastSeen = %v, want %v", got, first)
	}
}

func TestConcurrentUpdateAndSweep_NoRaces(t *testing.T) {
	tbl := New()

	var wg sync.WaitGroup
	var stop atomic.Bool
	const G = 16
	const N = 1000

	for gid := 0; gid < G; gid++ {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < N; i++ {
				tbl.Update(fmt.Sprintf("10.0.%d.%d", gid, i%32))
			}
		}(gid)
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			for _, e := range tbl.SnapshotAll() {
				if e.LastSeen.IsZero() {
					errCh <- fmt.Errorf("entry %s observed without a timestamp", e.ID)
					return
				}
			}
			tbl.SweepDead(time.Hour)
		}
	}()

	// Let the writers finish, then stop the reader.
	for tbl.Len() < G*32 {
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatal(err)
	}
	if got := tbl.Len(); got != G*32 {
		t.Fatalf("Len = %d, want %d", got, G*32)
	}
}

func TestStateString(t *testing.T) {
	if StateAlive.String() != "alive" || StateDead.String() != "dead" {
		t.Fatalf("unexpected State strings: %q %q", StateAlive, StateDead)
	}
}
