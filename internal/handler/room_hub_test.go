package handler

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"conference-backend/internal/auth"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) eventsOfType(eventType string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func hostIdentity(id int64, name string) auth.Identity {
	return auth.NewAccountIdentity(id, name)
}

func guestIdentity(guestID, name string) auth.Identity {
	return auth.Identity{GuestID: guestID, Nickname: name}
}

func TestAdmitBroadcastsJoinEvents(t *testing.T) {
	hub := NewRoomHub()

	hostConn := &fakeConn{}
	hub.Admit(hostConn, "conn-a", "ABC-123", hostIdentity(1, "Alice"), true)

	if got := hub.Count("ABC-123"); got != 1 {
		t.Fatalf("expected count 1 after host joined, got %d", got)
	}

	guestConn := &fakeConn{}
	hub.Admit(guestConn, "conn-b", "ABC-123", guestIdentity("g-1", "Bob"), false)

	// newcomer gets a snapshot listing only the host
	snapshots := guestConn.eventsOfType("room-participants")
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 room-participants event, got %d", len(snapshots))
	}
	var listed []ParticipantInfo
	if err := json.Unmarshal(snapshots[0].Payload, &listed); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(listed) != 1 || listed[0].ConnectionID != "conn-a" {
		t.Fatalf("expected snapshot with only conn-a, got %+v", listed)
	}

	// host hears about the newcomer
	joins := hostConn.eventsOfType("user-joined")
	if len(joins) != 1 {
		t.Fatalf("expected 1 user-joined at host, got %d", len(joins))
	}
	var joined ParticipantInfo
	if err := json.Unmarshal(joins[0].Payload, &joined); err != nil {
		t.Fatalf("unmarshal user-joined: %v", err)
	}
	if joined.ConnectionID != "conn-b" || joined.DisplayName != "Bob" {
		t.Fatalf("unexpected user-joined payload: %+v", joined)
	}

	// both see the updated count
	for name, conn := range map[string]*fakeConn{"host": hostConn, "guest": guestConn} {
		counts := conn.eventsOfType("participant-count")
		if len(counts) == 0 {
			t.Fatalf("%s received no participant-count events", name)
		}
		var last countPayload
		if err := json.Unmarshal(counts[len(counts)-1].Payload, &last); err != nil {
			t.Fatalf("unmarshal count: %v", err)
		}
		if last.Count != 2 {
			t.Fatalf("%s saw count %d, want 2", name, last.Count)
		}
	}
}

func TestCountTracksMembership(t *testing.T) {
	hub := NewRoomHub()

	for i, id := range []string{"c1", "c2", "c3"} {
		hub.Admit(&fakeConn{}, id, "room", guestIdentity(id, id), i == 0)
		if got := hub.Count("room"); got != i+1 {
			t.Fatalf("after admitting %d connections count is %d", i+1, got)
		}
	}

	hub.Remove("c2", "room")
	if got := hub.Count("room"); got != 2 {
		t.Fatalf("count after removal = %d, want 2", got)
	}
}

func TestSingleRoomMembership(t *testing.T) {
	hub := NewRoomHub()
	conn := &fakeConn{}

	hub.Admit(conn, "c1", "room-x", guestIdentity("g1", "Ann"), false)
	hub.Admit(conn, "c1", "room-y", guestIdentity("g1", "Ann"), false)

	if code, ok := hub.RoomOf("c1"); !ok || code != "room-y" {
		t.Fatalf("RoomOf = %q, %v; want room-y, true", code, ok)
	}
	if hub.GetRoom("room-x") != nil {
		t.Fatal("room-x should have been deleted once empty")
	}
	if got := hub.Count("room-y"); got != 1 {
		t.Fatalf("room-y count = %d, want 1", got)
	}
}

func TestReadmitKeepsMembershipStable(t *testing.T) {
	hub := NewRoomHub()

	hostConn := &fakeConn{}
	hub.Admit(hostConn, "c-host", "room", hostIdentity(1, "Alice"), true)

	conn := &fakeConn{}
	hub.Admit(conn, "c1", "room", guestIdentity("g1", "Bob"), false)
	hub.Admit(conn, "c1", "room", guestIdentity("g1", "Bob"), false)

	if got := hub.Count("room"); got != 2 {
		t.Fatalf("count after re-admit = %d, want 2", got)
	}
	if joins := hostConn.eventsOfType("user-joined"); len(joins) != 1 {
		t.Fatalf("host saw %d user-joined events, want 1", len(joins))
	}
	// the re-admit still re-sends the snapshot
	if snaps := conn.eventsOfType("room-participants"); len(snaps) != 2 {
		t.Fatalf("re-admitted connection has %d snapshots, want 2", len(snaps))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	hub := NewRoomHub()
	hub.Admit(&fakeConn{}, "c1", "room", guestIdentity("g1", "Ann"), false)
	hub.Admit(&fakeConn{}, "c2", "room", guestIdentity("g2", "Ben"), false)

	if !hub.Remove("c1", "room") {
		t.Fatal("first remove should report true")
	}
	if hub.Remove("c1", "room") {
		t.Fatal("second remove of the same connection should report false")
	}
	if got := hub.Count("room"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestEmptyRoomDeletedThenRecreatedFresh(t *testing.T) {
	hub := NewRoomHub()

	hub.Admit(&fakeConn{}, "c1", "room", guestIdentity("g1", "Ann"), false)
	hub.Remove("c1", "room")

	if hub.GetRoom("room") != nil {
		t.Fatal("empty room should be deleted")
	}

	conn := &fakeConn{}
	hub.Admit(conn, "c2", "room", guestIdentity("g2", "Ben"), false)

	snaps := conn.eventsOfType("room-participants")
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	var listed []ParticipantInfo
	if err := json.Unmarshal(snaps[0].Payload, &listed); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("recreated room should hold no prior members, snapshot: %+v", listed)
	}
}

func TestForceRemoveByNonHostIsNoOp(t *testing.T) {
	hub := NewRoomHub()
	hub.Admit(&fakeConn{}, "c-host", "room", hostIdentity(1, "Alice"), true)
	targetConn := &fakeConn{}
	hub.Admit(targetConn, "c-target", "room", guestIdentity("g1", "Bob"), false)
	hub.Admit(&fakeConn{}, "c-other", "room", guestIdentity("g2", "Cho"), false)

	if hub.ForceRemove("c-other", "c-target", "room") {
		t.Fatal("force-remove by non-host should report false")
	}
	if got := hub.Count("room"); got != 3 {
		t.Fatalf("membership changed: count = %d, want 3", got)
	}
	if notices := targetConn.eventsOfType("removed-by-host"); len(notices) != 0 {
		t.Fatalf("target received %d removed-by-host notices, want 0", len(notices))
	}
}

func TestForceRemoveByHost(t *testing.T) {
	hub := NewRoomHub()
	hostConn := &fakeConn{}
	hub.Admit(hostConn, "c-host", "room", hostIdentity(1, "Alice"), true)
	targetConn := &fakeConn{}
	hub.Admit(targetConn, "c-target", "room", guestIdentity("g1", "Bob"), false)

	if !hub.ForceRemove("c-host", "c-target", "room") {
		t.Fatal("host force-remove should succeed")
	}
	if notices := targetConn.eventsOfType("removed-by-host"); len(notices) != 1 {
		t.Fatalf("target received %d removed-by-host notices, want 1", len(notices))
	}
	if hub.Participant("room", "c-target") != nil {
		t.Fatal("target should be gone from the room")
	}
	if lefts := hostConn.eventsOfType("user-left"); len(lefts) != 1 {
		t.Fatalf("host saw %d user-left events, want 1", len(lefts))
	}
}

func TestSendToMissingTarget(t *testing.T) {
	hub := NewRoomHub()
	hub.Admit(&fakeConn{}, "c1", "room", guestIdentity("g1", "Ann"), false)

	found, err := hub.SendTo("room", "nobody", "offer", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("missing target should report found=false")
	}
}

func TestBroadcastSurvivesFailedWrites(t *testing.T) {
	hub := NewRoomHub()
	broken := &fakeConn{fail: true}
	healthy := &fakeConn{}
	hub.Admit(broken, "c-broken", "room", guestIdentity("g1", "Ann"), false)
	hub.Admit(healthy, "c-ok", "room", guestIdentity("g2", "Ben"), false)

	err := hub.Broadcast("room", "chat-message", map[string]string{"text": "hi"})
	if err == nil {
		t.Fatal("expected an error aggregating the failed write")
	}
	if got := hub.Count("room"); got != 2 {
		t.Fatalf("broadcast failure must not change membership, count = %d", got)
	}
	if msgs := healthy.eventsOfType("chat-message"); len(msgs) != 1 {
		t.Fatalf("healthy connection received %d chat messages, want 1", len(msgs))
	}
}

func TestHostOf(t *testing.T) {
	hub := NewRoomHub()
	hub.Admit(&fakeConn{}, "c1", "room", guestIdentity("g1", "Ann"), false)

	if hub.HostOf("room") != nil {
		t.Fatal("room without host should report nil")
	}

	hub.Admit(&fakeConn{}, "c-host", "room", hostIdentity(7, "Alice"), true)
	host := hub.HostOf("room")
	if host == nil || host.ConnectionID != "c-host" {
		t.Fatalf("HostOf = %+v, want c-host", host)
	}
}
