package metrics

import "testing"

func TestCounters(t *testing.T) {
	m := New()

	m.RecordGet(true)
	m.RecordGet(true)
	m.RecordGet(false)

	if m.CmdGet() != 3 || m.GetHits() != 2 || m.GetMisses() != 1 {
		t.Fatalf("get counters = %d/%d/%d", m.CmdGet(), m.GetHits(), m.GetMisses())
	}

	m.RecordSet(true)
	m.RecordSet(false)

	if m.CmdSet() != 2 {
		t.Fatalf("cmd_set = %d, want 2", m.CmdSet())
	}
	if m.TotalItems() != 1 {
		t.Fatalf("total_items = %d, want 1 (failed conditional writes do not count)", m.TotalItems())
	}

	m.RecordStreamAbort()
	if m.StreamingAborts() != 1 {
		t.Fatalf("streaming_aborts = %d, want 1", m.StreamingAborts())
	}
}

func TestConnectionCounters(t *testing.T) {
	m := New()

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	if m.CurrConnections() != 1 {
		t.Fatalf("curr_connections = %d, want 1", m.CurrConnections())
	}
	if m.TotalConnections() != 2 {
		t.Fatalf("total_connections = %d, want 2", m.TotalConnections())
	}
}
