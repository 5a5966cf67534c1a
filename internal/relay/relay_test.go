package relay

import (
	"encoding/json"
	"testing"
	"time"

	"roomchat/internal/hub"
	"roomchat/pkg/domain"
)

func encodeEnvelope(t *testing.T, origin, topic string, ev hub.Event) []byte {
	t.Helper()
	body, err := json.Marshal(envelope{Origin: origin, Topic: topic, Event: ev})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return body
}

func TestDeliverSkipsOwnEvents(t *testing.T) {
	r := &Relay{instanceID: "self"}
	h := hub.New()
	sub := h.Subscribe(hub.TopicDirectory)
	defer sub.Close()

	own := hub.Event{Type: hub.EventRoomCreated, Room: &domain.Room{ID: "r-own"}}
	r.deliver(encodeEnvelope(t, "self", hub.TopicDirectory, own), h)

	foreign := hub.Event{Type: hub.EventRoomCreated, Room: &domain.Room{ID: "r-foreign"}}
	r.deliver(encodeEnvelope(t, "other-node", hub.TopicDirectory, foreign), h)

	select {
	case ev := <-sub.Events():
		if ev.Room == nil || ev.Room.ID != "r-foreign" {
			t.Fatalf("own event leaked back into the hub: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("foreign event not delivered")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestDeliverRoutesByTopic(t *testing.T) {
	r := &Relay{instanceID: "self"}
	h := hub.New()
	roomSub := h.Subscribe(hub.RoomTopic("r1"))
	defer roomSub.Close()
	dirSub := h.Subscribe(hub.TopicDirectory)
	defer dirSub.Close()

	msg := hub.Event{Type: hub.EventMessage, Message: &domain.Message{ID: "m1", RoomID: "r1"}}
	r.deliver(encodeEnvelope(t, "other-node", hub.RoomTopic("r1"), msg), h)

	select {
	case ev := <-roomSub.Events():
		if ev.Message == nil || ev.Message.ID != "m1" {
			t.Fatalf("unexpected room event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("room event not delivered")
	}
	select {
	case ev := <-dirSub.Events():
		t.Fatalf("message event crossed topics: %+v", ev)
	default:
	}
}

func TestDeliverDropsMalformedPayload(t *testing.T) {
	r := &Relay{instanceID: "self"}
	h := hub.New()
	sub := h.Subscribe(hub.TopicDirectory)
	defer sub.Close()

	r.deliver([]byte("{not json"), h)

	select {
	case ev := <-sub.Events():
		t.Fatalf("malformed payload produced an event: %+v", ev)
	default:
	}
}
