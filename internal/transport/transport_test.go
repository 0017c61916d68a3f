package transport

import "testing"

type recordingHandler struct {
	texts   []string
	binaries [][]byte
}

func (r *recordingHandler) OnText(s string)  { r.texts = append(r.texts, s) }
func (r *recordingHandler) OnBinary(b []byte) { r.binaries = append(r.binaries, b) }

func TestBaseBuffersTextBeforeHandlerAttaches(t *testing.T) {
	var b base
	b.deliverText("server-info-1")
	b.deliverText("server-info-2")

	h := &recordingHandler{}
	b.SetHandler(h)
	if len(h.texts) != 0 {
		t.Fatalf("handler should not receive anything until Drain is called, got %v", h.texts)
	}

	b.DrainBufferedMessages()
	if len(h.texts) != 2 || h.texts[0] != "server-info-1" || h.texts[1] != "server-info-2" {
		t.Fatalf("drained texts = %v, want in-order buffered messages", h.texts)
	}

	// A second drain with nothing new buffered should be a no-op.
	b.DrainBufferedMessages()
	if len(h.texts) != 2 {
		t.Fatalf("second drain delivered extra messages: %v", h.texts)
	}
}

func TestBaseDeliversDirectlyOnceHandlerAttached(t *testing.T) {
	var b base
	h := &recordingHandler{}
	b.SetHandler(h)

	b.deliverText("hello")
	b.deliverBinary([]byte{1, 2, 3})

	if len(h.texts) != 1 || h.texts[0] != "hello" {
		t.Fatalf("texts = %v, want [hello]", h.texts)
	}
	if len(h.binaries) != 1 {
		t.Fatalf("binaries = %v, want one entry", h.binaries)
	}
}

func TestCASStateTransition(t *testing.T) {
	var b base
	b.setState(Disconnected)
	if !b.casState(Disconnected, Connecting) {
		t.Fatal("expected CAS from Disconnected to Connecting to succeed")
	}
	if b.casState(Disconnected, Connecting) {
		t.Fatal("a second concurrent CAS from the same starting state must fail")
	}
	if b.State() != Connecting {
		t.Fatalf("state = %v, want Connecting", b.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Open:         "open",
		Closing:      "closing",
		Closed:       "closed",
		Failed:       "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
