package stream

import "testing"

func TestTableRegisterUnregister(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Register(5, Callbacks{})
	if tbl.State(5) != StateIdle {
		t.Fatalf("expected StateIdle, got %v", tbl.State(5))
	}
	tbl.SetState(5, StateOpen)
	if tbl.State(5) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", tbl.State(5))
	}
	tbl.Unregister(5)
	if tbl.State(5) != StateClosed {
		t.Fatalf("expected StateClosed after unregister, got %v", tbl.State(5))
	}
}

func TestTableSetStateUnknownStreamIsNoop(t *testing.T) {
	tbl := NewTable(nil)
	tbl.SetState(99, StateOpen) // should not panic
	if tbl.State(99) != StateClosed {
		t.Fatalf("expected StateClosed for unregistered stream, got %v", tbl.State(99))
	}
}

func TestTableCallbacksDispatchedDirectly(t *testing.T) {
	var gotData []byte
	var connected bool
	var endReason uint8
	var ended bool

	tbl := NewTable(nil)
	tbl.Register(1, Callbacks{
		OnData:      func(d []byte) { gotData = d },
		OnConnected: func() { connected = true },
		OnEnd:       func(r uint8) { endReason = r; ended = true },
	})

	e := tbl.streams[1]
	e.cb.OnConnected()
	e.cb.OnData([]byte("hi"))
	e.cb.OnEnd(6)

	if !connected {
		t.Fatal("expected OnConnected to fire")
	}
	if string(gotData) != "hi" {
		t.Fatalf("expected data %q, got %q", "hi", gotData)
	}
	if !ended || endReason != 6 {
		t.Fatalf("expected OnEnd(6), got ended=%v reason=%d", ended, endReason)
	}
}
