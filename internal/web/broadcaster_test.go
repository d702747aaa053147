package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cjeanneret/GoGuide/internal/logic/guide"
)

func receive(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_LogLineReachesEverySubscriber(t *testing.T) {
	b := NewStatusBroadcaster()
	b.now = func() time.Time { return time.Date(2026, 10, 18, 22, 0, 0, 0, time.UTC) }
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Broadcast("error", "lost connection")

	for i, ch := range []<-chan string{ch1, ch2} {
		evt := receive(t, ch)
		if evt.Msg != "lost connection" || evt.Level != "error" {
			t.Errorf("subscriber %d: %+v", i, evt)
		}
		if evt.Time != "2026-10-18T22:00:00Z" {
			t.Errorf("subscriber %d: time = %q", i, evt.Time)
		}
		if evt.Event != "" || evt.Data != nil {
			t.Errorf("subscriber %d: log line carries event fields: %+v", i, evt)
		}
	}
}

func TestBroadcaster_PublishEvent(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(guide.Event{Kind: guide.EventAxisDelta, Name: "axis_delta", RA: 0.4, DEC: -0.2})

	evt := receive(t, ch)
	if evt.Event != "axis_delta" {
		t.Errorf("event = %q, want axis_delta", evt.Event)
	}
	if evt.Data == nil || evt.Data.RA != 0.4 || evt.Data.DEC != -0.2 {
		t.Errorf("data = %+v", evt.Data)
	}
	if evt.Msg != "" {
		t.Errorf("event carries a log message: %q", evt.Msg)
	}
}

func TestBroadcaster_UnsubscribeClosesChannelOnce(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", b.Clients())
	}
	// Broadcasting without subscribers must not panic.
	b.BroadcastMsg("after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 64; i++ {
		b.BroadcastMsg("fill")
	}
	b.BroadcastMsg("overflow")

	if n := len(ch); n != 64 {
		t.Errorf("buffered = %d, want 64", n)
	}
}

func TestBroadcastWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	w := BroadcastWriter(b)

	n, err := w.Write([]byte("  [INFO] Guiding started  \n"))
	if err != nil || n != 27 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if evt := receive(t, ch); evt.Msg != "[INFO] Guiding started" || evt.Level != "info" {
		t.Errorf("event = %+v", evt)
	}

	w.Write([]byte("   \n"))
	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
