package tunnel

import (
	"testing"
	"time"
)

func TestPendingTableCompleteDelivers(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch := pt.Insert("req1")

	pt.Complete("req1", &HTTPResponsePayload{RequestID: "req1", Status: 200})

	select {
	case reply := <-ch:
		if reply.Status != 200 {
			t.Errorf("got status %d, want 200", reply.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	if pt.Len() != 0 {
		t.Errorf("expected table to be empty after Complete, got len %d", pt.Len())
	}
}

func TestPendingTableTimeout(t *testing.T) {
	pt := NewPendingTable(20 * time.Millisecond)
	ch := pt.Insert("req1")

	select {
	case reply := <-ch:
		if reply.Status != 504 {
			t.Errorf("got status %d, want 504 on timeout", reply.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the timeout reply")
	}
}

func TestPendingTableLateReplyIsDropped(t *testing.T) {
	pt := NewPendingTable(20 * time.Millisecond)
	ch := pt.Insert("req1")

	<-ch // consume the timeout delivery

	// A late reply arriving after the entry is already gone must be a no-op,
	// not a panic or a second delivery.
	pt.Complete("req1", &HTTPResponsePayload{RequestID: "req1", Status: 200})

	select {
	case reply, ok := <-ch:
		t.Fatalf("unexpected second delivery on closed entry: %+v, ok=%v", reply, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPendingTableDuplicateInsertPanics(t *testing.T) {
	pt := NewPendingTable(time.Second)
	pt.Insert("dup")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate Insert")
		}
	}()
	pt.Insert("dup")
}

func TestPendingTableDrain(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch1 := pt.Insert("req1")
	ch2 := pt.Insert("req2")

	pt.Drain("session closed")

	for _, ch := range []<-chan *HTTPResponsePayload{ch1, ch2} {
		select {
		case reply := <-ch:
			if reply.Status != 502 || reply.Error != "session closed" {
				t.Errorf("unexpected drained reply: %+v", reply)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for drained reply")
		}
	}

	if pt.Len() != 0 {
		t.Errorf("expected empty table after Drain, got %d", pt.Len())
	}
}
