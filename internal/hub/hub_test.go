package hub

import (
	"testing"

	"adsync/internal/model"
)

type testWriter struct {
	writes int
	fail   bool
}

func (w *testWriter) Write(message []byte) error {
	w.writes++
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error { return nil }

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func TestHub_RegisterPublishUnregister(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	s1 := &Subscriber{UserID: "u", Writer: w1}

	h.Register(s1)
	h.Publish("u", model.StreamEvent{Type: model.EventConnected})
	if w1.writes != 1 {
		t.Fatalf("expected 1 write, got %d", w1.writes)
	}

	h.Unregister(s1)
	h.Publish("u", model.StreamEvent{Type: model.EventConnected})
	if w1.writes != 1 {
		t.Fatalf("expected no more writes, got %d", w1.writes)
	}
}

func TestHub_PublishAll(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	w2 := &testWriter{}
	h.Register(&Subscriber{UserID: "u1", Writer: w1})
	h.Register(&Subscriber{UserID: "u2", Writer: w2})

	h.PublishAll(model.StreamEvent{Type: model.EventSyncStarted})
	if w1.writes != 1 || w2.writes != 1 {
		t.Fatalf("expected both subscribers written, got %d and %d", w1.writes, w2.writes)
	}
}

func TestHub_RemovesFailedSubscribers(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	s1 := &Subscriber{UserID: "u", Writer: w1}
	h.Register(s1)

	h.Publish("u", model.StreamEvent{Type: model.EventConnected})
	h.Publish("u", model.StreamEvent{Type: model.EventConnected})
	if w1.writes != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", w1.writes)
	}
}
