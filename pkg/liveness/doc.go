// Package liveness holds the table of heartbeat clients for beatwatch. Each
// client identity maps to the time of its last beat and an alive/dead flag.
// The table is the only shared mutable state in the server: the beat
// receiver writes to it and the sweep evaluator reads and transitions it.
//
// Typical usage:
//
//	t := liveness.New()
//	t.Update("10.0.0.7")
//	for _, d := range t.SweepDead(60 * time.Second) {
//		if d.Newly {
//			// alert once
//		}
//	}
//
// An entry is created by its first beat and never removed. A sweep marks a
// stale alive entry dead exactly once; the next beat for that identity
// makes it alive again.
package liveness
