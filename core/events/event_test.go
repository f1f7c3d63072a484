package events

import "testing"

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func TestBufferFlushesInOrder(t *testing.T) {
	buffer := &Buffer{}
	buffer.Emit(testEvent("a"))
	buffer.Emit(nil)
	buffer.Emit(testEvent("b"))

	recorder := &Recorder{}
	buffer.Flush(recorder)
	got := recorder.Types()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected events %v", got)
	}

	buffer.Flush(recorder)
	if len(recorder.Events()) != 2 {
		t.Fatalf("flush must clear the buffer")
	}
}

func TestBufferReset(t *testing.T) {
	buffer := &Buffer{}
	buffer.Emit(testEvent("dropped"))
	buffer.Reset()
	recorder := &Recorder{}
	buffer.Flush(recorder)
	if len(recorder.Events()) != 0 {
		t.Fatalf("expected reset to discard events")
	}
	buffer.Flush(nil)
}

func TestFanout(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	Fanout{first, nil, second}.Emit(testEvent("x"))
	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("fanout did not reach every emitter")
	}
}

func TestBrokerDeliversAndDrops(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe(1)
	if broker.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", broker.Subscribers())
	}

	broker.Emit(testEvent("one"))
	broker.Emit(testEvent("two"))
	if got := (<-ch).EventType(); got != "one" {
		t.Fatalf("unexpected event %s", got)
	}
	if broker.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", broker.Dropped())
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	if broker.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
	broker.Emit(testEvent("three"))
}
