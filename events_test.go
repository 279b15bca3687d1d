package firechat

import (
	"context"
	"reflect"
	"testing"

	"firechat/store/memstore"
)

func TestEventBusOrder(t *testing.T) {
	bus := newEventBus()
	var calls []string
	bus.on("test", func(any) { calls = append(calls, "first") })
	bus.on("test", func(any) { calls = append(calls, "second") })
	bus.on("test", func(any) { calls = append(calls, "third") })

	bus.emit("test", nil)
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("handler order = %v, want %v", calls, want)
	}
}

func TestEventBusPayload(t *testing.T) {
	bus := newEventBus()
	var got any
	bus.on("test", func(payload any) { got = payload })

	bus.emit("test", MessageEvent{RoomID: "r1"})
	ev, ok := got.(MessageEvent)
	if !ok || ev.RoomID != "r1" {
		t.Errorf("payload = %v", got)
	}
}

func TestEventBusNoHandlers(t *testing.T) {
	bus := newEventBus()
	// Emitting without handlers must not panic.
	bus.emit("nobody-listens", nil)
}

func TestOnChains(t *testing.T) {
	s := New(context.Background(), memstore.New(), NewStaticAuth("u1", "alice"), Options{Logger: discardLogger()})
	defer s.Close()

	var fired int
	ret := s.On(EventRoomEnter, func(any) { fired++ }).On(EventRoomExit, func(any) { fired++ })
	if ret != s {
		t.Error("On() did not return the session")
	}
	s.events.emit(EventRoomEnter, nil)
	s.events.emit(EventRoomExit, nil)
	if fired != 2 {
		t.Errorf("handlers fired = %d, want 2", fired)
	}
}
