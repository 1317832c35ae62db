package events

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	pherrors "github.com/wippyai/wasm-plugin-host/errors"
)

func collect(buf int) (Handler, chan Event) {
	ch := make(chan Event, buf)
	return func(ev Event) { ch <- ev }, ch
}

func receive(t *testing.T, ch chan Event, n int) []Event {
	t.Helper()
	var out []Event
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func quiet(t *testing.T, ch chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func types(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"SERVERSTATISTICS", true},
		{"VESSEL_INFO", true},
		{"nmea0183", true},
		{"canboatjs:unparsed:data", true},
		{"PLUGIN_anchor_drag", true},
		{"serverstatistics", false},
		{"PropertyValues", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAllowed(tt.typ); got != tt.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
	all := AllowedTypes()
	if len(all) != 14 || all[0] != "SERVERSTATISTICS" {
		t.Errorf("AllowedTypes = %v", all)
	}
	all[0] = "changed"
	if AllowedTypes()[0] != "SERVERSTATISTICS" {
		t.Error("AllowedTypes shares its backing array")
	}
}

func TestPluginEvent(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ev, err := PluginEvent("anchor", "drag", json.RawMessage(`{"distance":42}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "PLUGIN_drag" || ev.From != "anchor" || ev.Timestamp != now.UnixMilli() {
		t.Errorf("event = %+v", ev)
	}
	if ev, _ := PluginEvent("anchor", "PLUGIN_drag", json.RawMessage(`1`), now); ev.Type != "PLUGIN_drag" {
		t.Errorf("prefix doubled: %s", ev.Type)
	}
	for _, data := range []string{"", "{broken"} {
		_, err := PluginEvent("anchor", "drag", json.RawMessage(data), now)
		var perr *pherrors.Error
		if !errors.As(err, &perr) || perr.Kind != pherrors.KindInvalidInput {
			t.Errorf("data %q: %v", data, err)
		}
	}
	if _, err := PluginEvent("anchor", "", json.RawMessage(`{}`), now); err == nil {
		t.Error("empty type accepted")
	}
}

func TestEventJSON(t *testing.T) {
	got := Event{Type: "nmea0183", Timestamp: 5}.JSON()
	if got != `{"type":"nmea0183","data":null,"timestamp":5}` {
		t.Errorf("JSON = %s", got)
	}
	got = Event{Type: "PLUGIN_x", From: "p", Data: json.RawMessage(`[1]`), Timestamp: 5}.JSON()
	if got != `{"type":"PLUGIN_x","from":"p","data":[1],"timestamp":5}` {
		t.Errorf("JSON = %s", got)
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	r := NewRouter()
	defer r.Close()

	got := r.Subscribe("p", []string{"VESSEL_INFO", "PropertyValues", "PLUGIN_tide"})
	if want := []string{"VESSEL_INFO", "PLUGIN_tide"}; !reflect.DeepEqual(got, want) {
		t.Errorf("accepted = %v, want %v", got, want)
	}
	if all := r.Subscribe("q", nil); !reflect.DeepEqual(all, AllowedTypes()) {
		t.Errorf("empty list = %v", all)
	}
	if none := r.Subscribe("z", []string{"PropertyValues"}); len(none) != 0 {
		t.Errorf("disallowed only = %v", none)
	}
	if got, ok := r.Types("p"); !ok || len(got) != 2 {
		t.Errorf("Types(p) = %v, %v", got, ok)
	}
	if !reflect.DeepEqual(r.Subscribers(), []string{"p", "q", "z"}) {
		t.Errorf("subscribers = %v", r.Subscribers())
	}
}

func TestRoute(t *testing.T) {
	r := NewRouter()
	defer r.Close()

	h1, got1 := collect(8)
	h2, got2 := collect(8)
	r.Subscribe("vessel", []string{"VESSEL_INFO"})
	r.Attach("vessel", h1)
	r.Attach("everything", h2)

	if n := r.Route(Event{Type: "VESSEL_INFO", Timestamp: 1}); n != 2 {
		t.Errorf("route VESSEL_INFO = %d, want 2", n)
	}
	if n := r.Route(Event{Type: "SERVERSTATISTICS"}); n != 1 {
		t.Errorf("route SERVERSTATISTICS = %d, want 1", n)
	}
	if n := r.Route(Event{Type: "PropertyValues"}); n != 0 {
		t.Errorf("disallowed type routed to %d", n)
	}
	// Subscribing to everything does not include plugin events.
	if n := r.Route(Event{Type: "PLUGIN_x"}); n != 0 {
		t.Errorf("plugin event routed to %d", n)
	}

	if ev := receive(t, got1, 1)[0]; ev.Type != "VESSEL_INFO" || ev.Timestamp != 1 {
		t.Errorf("vessel got %+v", ev)
	}
	quiet(t, got1)
	evs := receive(t, got2, 2)
	if !reflect.DeepEqual(types(evs), []string{"VESSEL_INFO", "SERVERSTATISTICS"}) {
		t.Errorf("everything got %v", types(evs))
	}
	if evs[1].Timestamp == 0 {
		t.Error("missing timestamp not filled")
	}
}

func TestRouteBeforeAttach(t *testing.T) {
	r := NewRouter()
	defer r.Close()

	r.Subscribe("early", []string{"nmea0183"})
	if n := r.Route(Event{Type: "nmea0183"}); n != 0 {
		t.Errorf("delivered %d without a handler", n)
	}
	h, got := collect(4)
	if replayed := r.Attach("early", h); replayed != 0 {
		t.Errorf("replayed %d", replayed)
	}
	// Types chosen before the handler was attached are kept.
	r.Route(Event{Type: "SERVERSTATISTICS"})
	r.Route(Event{Type: "nmea0183"})
	if ev := receive(t, got, 1)[0]; ev.Type != "nmea0183" {
		t.Errorf("got %s", ev.Type)
	}
	quiet(t, got)
}

func TestBufferingAndReplay(t *testing.T) {
	r := NewRouter()
	defer r.Close()

	r.Subscribe("reloading", []string{"nmea0183"})
	r.StartBuffering("reloading")
	r.Unsubscribe("reloading")

	for i := 0; i < MaxBuffered+5; i++ {
		r.Route(Event{Type: "nmea0183", Timestamp: int64(i + 1)})
	}
	r.Route(Event{Type: "SERVERSTATISTICS", Timestamp: 1000})
	if st := r.Stats(); st.Buffering != 1 || st.Buffered != MaxBuffered {
		t.Fatalf("stats = %+v", st)
	}

	r.Subscribe("reloading", []string{"nmea0183"})
	h, got := collect(MaxBuffered)
	if replayed := r.Attach("reloading", h); replayed != MaxBuffered-1 {
		t.Errorf("replayed %d, want %d", replayed, MaxBuffered-1)
	}
	evs := receive(t, got, MaxBuffered-1)
	// Only the latest MaxBuffered events were kept; the server event is not
	// replayed to an nmea0183 subscription.
	if evs[0].Timestamp != 7 || evs[len(evs)-1].Timestamp != MaxBuffered+5 {
		t.Errorf("replayed range %d..%d", evs[0].Timestamp, evs[len(evs)-1].Timestamp)
	}
	if st := r.Stats(); st.Buffering != 0 {
		t.Errorf("still buffering: %+v", st)
	}
}

func TestStopBuffering(t *testing.T) {
	r := NewRouter()
	defer r.Close()
	r.StartBuffering("p")
	r.Route(Event{Type: "VESSEL_INFO"})
	if got := r.StopBuffering("p"); len(got) != 1 {
		t.Errorf("buffered %d", len(got))
	}
	if got := r.StopBuffering("p"); got != nil {
		t.Errorf("second stop returned %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRouter()
	defer r.Close()
	h, got := collect(4)
	r.Attach("gone", h)
	r.Unsubscribe("gone")
	r.Unsubscribe("gone")
	if n := r.Route(Event{Type: "VESSEL_INFO"}); n != 0 {
		t.Errorf("routed to %d after unsubscribe", n)
	}
	quiet(t, got)
	if _, ok := r.Types("gone"); ok {
		t.Error("subscription still listed")
	}
}

func TestHandlerPanicKeepsMailbox(t *testing.T) {
	r := NewRouter()
	defer r.Close()
	got := make(chan Event, 4)
	r.Attach("flaky", func(ev Event) {
		if ev.Timestamp == 1 {
			panic("bad event")
		}
		got <- ev
	})
	r.Route(Event{Type: "VESSEL_INFO", Timestamp: 1})
	r.Route(Event{Type: "VESSEL_INFO", Timestamp: 2})
	if ev := receive(t, got, 1)[0]; ev.Timestamp != 2 {
		t.Errorf("got %+v", ev)
	}
}

func TestMailboxFull(t *testing.T) {
	r := NewRouter()
	defer r.Close()
	block := make(chan struct{})
	defer close(block)
	r.Attach("slow", func(Event) { <-block })

	queued := 0
	for i := 0; i < MailboxSize+10; i++ {
		queued += r.Route(Event{Type: "VESSEL_INFO", Timestamp: int64(i + 1)})
	}
	// One event is held by the blocked handler; the rest fill the mailbox.
	if queued < MailboxSize || queued > MailboxSize+1 {
		t.Errorf("queued %d", queued)
	}
}
