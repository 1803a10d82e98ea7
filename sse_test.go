package mcpforge

import "testing"

func TestSSEHubBroadcastAssignsMonotonicIDs(t *testing.T) {
	hub := NewSSEHub(10)
	ev1 := hub.Broadcast("update", "one", "")
	ev2 := hub.Broadcast("update", "two", "")
	ev3 := hub.Broadcast("update", "three", "")

	if ev1.ID != 1 || ev2.ID != 2 || ev3.ID != 3 {
		t.Fatalf("expected strictly increasing ids 1,2,3; got %d,%d,%d", ev1.ID, ev2.ID, ev3.ID)
	}
}

func TestSSEHubReplaySinceReturnsEventsInOrder(t *testing.T) {
	hub := NewSSEHub(10)
	hub.Broadcast("update", "one", "")
	hub.Broadcast("update", "two", "")
	hub.Broadcast("update", "three", "")

	replayed := hub.ReplaySince(1, "")
	if len(replayed) != 2 {
		t.Fatalf("expected 2 events newer than id=1, got %d", len(replayed))
	}
	if replayed[0].ID != 2 || replayed[1].ID != 3 {
		t.Fatalf("expected replay in ascending id order, got %d,%d", replayed[0].ID, replayed[1].ID)
	}
}

func TestSSEHubReplayRespectsFilter(t *testing.T) {
	hub := NewSSEHub(10)
	hub.Broadcast("a", "one", "")
	hub.Broadcast("b", "two", "")
	hub.Broadcast("a", "three", "")

	replayed := hub.ReplaySince(0, "a")
	if len(replayed) != 2 {
		t.Fatalf("expected 2 events matching filter 'a', got %d", len(replayed))
	}
	for _, ev := range replayed {
		if ev.EventType != "a" {
			t.Fatalf("unexpected event type in filtered replay: %s", ev.EventType)
		}
	}
}

func TestSSEHubRingEvictsOldestOnOverflow(t *testing.T) {
	hub := NewSSEHub(2)
	hub.Broadcast("t", "one", "")
	hub.Broadcast("t", "two", "")
	hub.Broadcast("t", "three", "")

	replayed := hub.ReplaySince(0, "")
	if len(replayed) != 2 {
		t.Fatalf("expected ring bounded to 2 entries, got %d", len(replayed))
	}
	if replayed[0].ID != 2 || replayed[1].ID != 3 {
		t.Fatalf("expected the oldest entry evicted, got ids %d,%d", replayed[0].ID, replayed[1].ID)
	}
}

func TestSSEHubBroadcastDeliversToAllMatchingSessionsWhenNoTarget(t *testing.T) {
	hub := NewSSEHub(10)
	s1 := hub.NewSession("")
	s2 := hub.NewSession("")
	defer hub.RemoveSession(s1.ID)
	defer hub.RemoveSession(s2.ID)

	hub.Broadcast("update", "payload", "")

	for _, s := range []*SSESession{s1, s2} {
		select {
		case ev := <-s.outbox:
			if ev.Data != "payload" {
				t.Fatalf("unexpected payload: %s", ev.Data)
			}
		default:
			t.Fatalf("expected session %s to receive the untargeted broadcast", s.ID)
		}
	}
}

func TestSSEHubBroadcastTargetedSessionOnlyReachesThatSession(t *testing.T) {
	hub := NewSSEHub(10)
	s1 := hub.NewSession("")
	s2 := hub.NewSession("")
	defer hub.RemoveSession(s1.ID)
	defer hub.RemoveSession(s2.ID)

	hub.Broadcast("update", "payload", s1.ID)

	select {
	case <-s1.outbox:
	default:
		t.Fatal("expected the targeted session to receive the event")
	}
	select {
	case <-s2.outbox:
		t.Fatal("expected the non-targeted session to receive nothing")
	default:
	}
}

func TestSSEHubSessionFilterExcludesNonMatchingEventType(t *testing.T) {
	hub := NewSSEHub(10)
	s := hub.NewSession("wanted")
	defer hub.RemoveSession(s.ID)

	hub.Broadcast("other", "payload", "")
	select {
	case <-s.outbox:
		t.Fatal("expected the filtered session to receive nothing for a non-matching type")
	default:
	}

	hub.Broadcast("wanted", "payload", "")
	select {
	case <-s.outbox:
	default:
		t.Fatal("expected the filtered session to receive the matching event")
	}
}

func TestFormatEventRendersIDTypeAndData(t *testing.T) {
	got := FormatEvent(SSEEvent{ID: 5, EventType: "update", Data: "hi"})
	want := "id: 5\nevent: update\ndata: hi\n\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
