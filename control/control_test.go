// File: control/control_test.go
// Author: momentics <momentics@gmail.com>
package control_test

import (
	"testing"
	"time"

	"github.com/momentics/corereactor/control"
)

func TestConfigStoreSnapshotIsIndependentCopy(t *testing.T) {
	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{"inactivity_timeout_ms": 500})

	snap := cs.GetSnapshot()
	snap["inactivity_timeout_ms"] = 0
	if v := cs.GetSnapshot()["inactivity_timeout_ms"]; v != 500 {
		t.Fatalf("GetSnapshot returned a live map, mutation leaked: %v", v)
	}
}

func TestConfigStoreOnReloadFiresOnSetConfig(t *testing.T) {
	cs := control.NewConfigStore()
	done := make(chan struct{})
	cs.OnReload(func() { close(done) })

	cs.SetConfig(map[string]any{"k": "v"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnReload listener did not fire within timeout")
	}
}

func TestDebugProbesDumpStateCallsEachProbe(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("a", func() any { return 1 })
	dp.RegisterProbe("b", func() any { return "two" })

	state := dp.DumpState()
	if state["a"] != 1 || state["b"] != "two" {
		t.Fatalf("unexpected DumpState: %v", state)
	}
}

func TestDebugProbesNamesSorted(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("z.last", func() any { return nil })
	dp.RegisterProbe("a.first", func() any { return nil })

	names := dp.Names()
	if len(names) != 2 || names[0] != "a.first" || names[1] != "z.last" {
		t.Fatalf("Names() = %v, want sorted [a.first z.last]", names)
	}
}

func TestMetricsRegistrySetAndSnapshot(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Set("conn.pending_write", 1024)
	if got := mr.GetSnapshot()["conn.pending_write"]; got != 1024 {
		t.Fatalf("Set/GetSnapshot roundtrip failed: %v", got)
	}
}

func TestMetricsRegistryIncAccumulates(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Inc("eventloop.timers_fired_total", 3)
	if got := mr.Inc("eventloop.timers_fired_total", 2); got != 5 {
		t.Fatalf("Inc accumulated to %d, want 5", got)
	}
	if got := mr.GetSnapshot()["eventloop.timers_fired_total"]; got != int64(5) {
		t.Fatalf("GetSnapshot counter = %v, want int64(5)", got)
	}
	if mr.LastUpdated().IsZero() {
		t.Fatalf("LastUpdated still zero after Inc")
	}
}
