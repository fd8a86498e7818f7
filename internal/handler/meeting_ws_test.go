package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"conference-backend/internal/auth"
	"conference-backend/internal/cache"
	"conference-backend/internal/engagement"
	"conference-backend/internal/model"
)

type memEngagementStore struct {
	counters map[string]*cache.EngagementCounters
	err      error
}

func newMemEngagementStore() *memEngagementStore {
	return &memEngagementStore{counters: make(map[string]*cache.EngagementCounters)}
}

func (s *memEngagementStore) IncrementEngagement(ctx context.Context, meetingCode, memberKey string, speaking, camera, chat int64) error {
	if s.err != nil {
		return s.err
	}
	key := meetingCode + "/" + memberKey
	rec, ok := s.counters[key]
	if !ok {
		rec = &cache.EngagementCounters{MemberKey: memberKey}
		s.counters[key] = rec
	}
	rec.SpeakingTime += speaking
	rec.CameraOnTime += camera
	rec.ChatMessages += chat
	return nil
}

func (s *memEngagementStore) ListEngagement(ctx context.Context, meetingCode string) ([]cache.EngagementCounters, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []cache.EngagementCounters
	for key, rec := range s.counters {
		if strings.HasPrefix(key, meetingCode+"/") {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func newTestWSHandler(store *fakeMeetingStore, eng engagement.Store) *MeetingWSHandler {
	hub := NewRoomHub()
	gatekeeper := NewGatekeeper(store, testJoinTokens())
	return NewMeetingWSHandler(hub, gatekeeper, store, engagement.NewAggregator(eng), nil, nil)
}

func newTestSession(id string, identity auth.Identity) (*wsSession, *fakeConn) {
	conn := &fakeConn{}
	return &wsSession{id: id, identity: identity, conn: conn}, conn
}

func dispatchEvent(h *MeetingWSHandler, s *wsSession, eventType string, payload any) {
	data, _ := json.Marshal(payload)
	h.dispatch(s, &Event{Type: eventType, Payload: data})
}

func inProgressMeeting(id int64, code string, hostID int64) *MeetingState {
	return &MeetingState{ID: id, Code: code, Status: model.MeetingStatusInProgress.String(), HostAccountID: hostID}
}

func TestJoinRoomApproved(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	session, conn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, session, "join-room", joinRoomPayload{MeetingCode: "m1"})

	approvals := conn.eventsOfType("join-approved")
	if len(approvals) != 1 {
		t.Fatalf("expected 1 join-approved, got %d", len(approvals))
	}
	var result joinResultPayload
	if err := json.Unmarshal(approvals[0].Payload, &result); err != nil {
		t.Fatalf("unmarshal join-approved: %v", err)
	}
	if !result.IsHost || result.MeetingCode != "m1" {
		t.Fatalf("unexpected approval payload: %+v", result)
	}
	if h.hub.Participant("m1", "c-host") == nil {
		t.Fatal("connection should be in the room after approval")
	}
}

func TestJoinRoomRejected(t *testing.T) {
	store := newFakeMeetingStore()
	h := newTestWSHandler(store, newMemEngagementStore())

	session, conn := newTestSession("c1", guestIdentity("g1", "Ann"))
	dispatchEvent(h, session, "join-room", joinRoomPayload{MeetingCode: "missing"})

	rejections := conn.eventsOfType("join-rejected")
	if len(rejections) != 1 {
		t.Fatalf("expected 1 join-rejected, got %d", len(rejections))
	}
	var result joinResultPayload
	if err := json.Unmarshal(rejections[0].Payload, &result); err != nil {
		t.Fatalf("unmarshal join-rejected: %v", err)
	}
	if result.Reason != "meeting not found" {
		t.Fatalf("reason = %q", result.Reason)
	}
	if _, inRoom := h.hub.RoomOf("c1"); inRoom {
		t.Fatal("rejected connection must not be in any room")
	}
}

func TestWaitingRoomApproval(t *testing.T) {
	store := newFakeMeetingStore()
	meeting := inProgressMeeting(1, "m1", 7)
	meeting.WaitingRoomEnabled = true
	store.meetings["m1"] = meeting
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	guestSession, guestConn := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	if len(guestConn.eventsOfType("join-waiting-room")) != 1 {
		t.Fatal("guest should be told they are waiting")
	}
	requests := hostConn.eventsOfType("waiting-room-request")
	if len(requests) != 1 {
		t.Fatalf("host received %d waiting-room-request events, want 1", len(requests))
	}
	var req waitingRequestPayload
	if err := json.Unmarshal(requests[0].Payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.ConnectionID != "c-guest" || req.DisplayName != "Bob" {
		t.Fatalf("unexpected request payload: %+v", req)
	}

	dispatchEvent(h, hostSession, "approve-waiting", waitingDecisionPayload{MeetingCode: "m1", ConnectionID: "c-guest"})

	if len(guestConn.eventsOfType("join-approved")) != 1 {
		t.Fatal("approved guest should receive join-approved")
	}
	if h.hub.Participant("m1", "c-guest") == nil {
		t.Fatal("approved guest should be in the room")
	}
	if store.waitingEntries["c-guest"] != model.WaitingApproved {
		t.Fatalf("entry status = %v, want approved", store.waitingEntries["c-guest"])
	}
}

func TestRejoinWhileWaitingDoesNotRequeue(t *testing.T) {
	store := newFakeMeetingStore()
	meeting := inProgressMeeting(1, "m1", 7)
	meeting.WaitingRoomEnabled = true
	store.meetings["m1"] = meeting
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	guestSession, guestConn := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	if store.nextEntryID != 1 {
		t.Fatalf("waiting entries created = %d, want 1", store.nextEntryID)
	}
	if got := len(guestConn.eventsOfType("join-waiting-room")); got != 2 {
		t.Fatalf("guest received %d join-waiting-room acks, want 2", got)
	}
	if got := len(hostConn.eventsOfType("waiting-room-request")); got != 1 {
		t.Fatalf("host received %d waiting-room-request events, want 1", got)
	}
}

func TestWaitingRoomRejection(t *testing.T) {
	store := newFakeMeetingStore()
	meeting := inProgressMeeting(1, "m1", 7)
	meeting.WaitingRoomEnabled = true
	store.meetings["m1"] = meeting
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, _ := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	guestSession, guestConn := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, hostSession, "reject-waiting", waitingDecisionPayload{MeetingCode: "m1", ConnectionID: "c-guest"})

	if len(guestConn.eventsOfType("join-rejected")) != 1 {
		t.Fatal("rejected guest should receive join-rejected")
	}
	if h.hub.Participant("m1", "c-guest") != nil {
		t.Fatal("rejected guest must not be in the room")
	}
}

func TestWaitingDecisionFromNonHostIgnored(t *testing.T) {
	store := newFakeMeetingStore()
	meeting := inProgressMeeting(1, "m1", 7)
	meeting.WaitingRoomEnabled = true
	store.meetings["m1"] = meeting
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, _ := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	guestSession, guestConn := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	// a waiting guest cannot self-approve
	dispatchEvent(h, guestSession, "approve-waiting", waitingDecisionPayload{MeetingCode: "m1", ConnectionID: "c-guest"})

	if len(guestConn.eventsOfType("join-approved")) != 0 {
		t.Fatal("self-approval must not admit the guest")
	}
	if store.waitingEntries["c-guest"] != model.WaitingPending {
		t.Fatalf("entry status = %v, want still pending", store.waitingEntries["c-guest"])
	}
}

func TestSignalRelay(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	callerSession, callerConn := newTestSession("c-a", hostIdentity(7, "Alice"))
	dispatchEvent(h, callerSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	calleeSession, calleeConn := newTestSession("c-b", guestIdentity("g1", "Bob"))
	dispatchEvent(h, calleeSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	sdp := json.RawMessage(`{"sdp":"v=0..."}`)
	dispatchEvent(h, callerSession, "offer", signalPayload{TargetConnectionID: "c-b", Payload: sdp})

	offers := calleeConn.eventsOfType("offer")
	if len(offers) != 1 {
		t.Fatalf("callee received %d offers, want 1", len(offers))
	}
	var fwd signalForward
	if err := json.Unmarshal(offers[0].Payload, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded offer: %v", err)
	}
	if fwd.FromConnectionID != "c-a" || fwd.DisplayName != "Alice" {
		t.Fatalf("unexpected forward metadata: %+v", fwd)
	}
	if string(fwd.Payload) != string(sdp) {
		t.Fatalf("payload altered in transit: %s", fwd.Payload)
	}

	// answers and candidates carry no display name
	dispatchEvent(h, calleeSession, "answer", signalPayload{TargetConnectionID: "c-a", Payload: sdp})
	answers := callerConn.eventsOfType("answer")
	if len(answers) != 1 {
		t.Fatalf("caller received %d answers, want 1", len(answers))
	}
	fwd = signalForward{}
	if err := json.Unmarshal(answers[0].Payload, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded answer: %v", err)
	}
	if fwd.DisplayName != "" {
		t.Fatalf("answer should not carry a display name, got %q", fwd.DisplayName)
	}
}

func TestSignalToUnknownTargetDroppedSilently(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	session, conn := newTestSession("c-a", hostIdentity(7, "Alice"))
	dispatchEvent(h, session, "join-room", joinRoomPayload{MeetingCode: "m1"})
	before := len(conn.eventsOfType("error"))

	dispatchEvent(h, session, "ice-candidate", signalPayload{TargetConnectionID: "gone", Payload: json.RawMessage(`{}`)})

	if after := len(conn.eventsOfType("error")); after != before {
		t.Fatal("sender must not be told about a missing signaling target")
	}
}

func TestChatMessageBroadcastAndPersist(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	eng := newMemEngagementStore()
	h := newTestWSHandler(store, eng)

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	guestSession, guestConn := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, guestSession, "chat-message", chatInPayload{MeetingCode: "m1", Text: "hello"})

	for name, conn := range map[string]*fakeConn{"host": hostConn, "guest": guestConn} {
		msgs := conn.eventsOfType("chat-message")
		if len(msgs) != 1 {
			t.Fatalf("%s received %d chat messages, want 1", name, len(msgs))
		}
		var out chatOutPayload
		if err := json.Unmarshal(msgs[0].Payload, &out); err != nil {
			t.Fatalf("unmarshal chat: %v", err)
		}
		if out.Text != "hello" || out.DisplayName != "Bob" {
			t.Fatalf("%s saw chat payload %+v", name, out)
		}
	}

	if len(store.chatLogs) != 1 || store.chatLogs[0].Message != "hello" {
		t.Fatalf("chat log not persisted: %+v", store.chatLogs)
	}
	rec := eng.counters["m1/g:g1"]
	if rec == nil || rec.ChatMessages != 1 {
		t.Fatalf("chat counter = %+v, want 1", rec)
	}
}

func TestChatMessageTruncated(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	session, _ := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, session, "join-room", joinRoomPayload{MeetingCode: "m1"})

	long := strings.Repeat("a", maxChatLength+50)
	dispatchEvent(h, session, "chat-message", chatInPayload{MeetingCode: "m1", Text: long})

	if len(store.chatLogs) != 1 {
		t.Fatalf("expected 1 chat log, got %d", len(store.chatLogs))
	}
	if got := len(store.chatLogs[0].Message); got != maxChatLength {
		t.Fatalf("persisted message length = %d, want %d", got, maxChatLength)
	}
}

func TestChatPersistFailureDropsBroadcast(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	store.chatErr = errors.New("db down")
	dispatchEvent(h, hostSession, "chat-message", chatInPayload{MeetingCode: "m1", Text: "hello"})

	if msgs := hostConn.eventsOfType("chat-message"); len(msgs) != 0 {
		t.Fatalf("chat broadcast on persistence failure: %d messages", len(msgs))
	}
}

func TestEngagementUpdateBroadcastsScores(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	guestSession, _ := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, guestSession, "engagement-update", engagementInPayload{MeetingCode: "m1", SpeakingTimeDelta: 30})

	updates := hostConn.eventsOfType("engagement-scores-update")
	if len(updates) != 1 {
		t.Fatalf("host received %d score updates, want 1", len(updates))
	}
	var body struct {
		Scores []scoreView `json:"scores"`
	}
	if err := json.Unmarshal(updates[0].Payload, &body); err != nil {
		t.Fatalf("unmarshal scores: %v", err)
	}
	if len(body.Scores) != 1 {
		t.Fatalf("expected 1 score, got %d", len(body.Scores))
	}
	if body.Scores[0].DisplayName != "Bob" || body.Scores[0].Score != 100 {
		t.Fatalf("unexpected score view: %+v", body.Scores[0])
	}
}

func TestEngagementScoresHideDepartedMemberKey(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	guestSession, _ := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, guestSession, "engagement-update", engagementInPayload{MeetingCode: "m1", SpeakingTimeDelta: 30})
	dispatchEvent(h, guestSession, "leave-room", meetingCodePayload{MeetingCode: "m1"})

	dispatchEvent(h, hostSession, "engagement-update", engagementInPayload{MeetingCode: "m1", SpeakingTimeDelta: 10})

	updates := hostConn.eventsOfType("engagement-scores-update")
	if len(updates) != 2 {
		t.Fatalf("host received %d score updates, want 2", len(updates))
	}
	var body struct {
		Scores []scoreView `json:"scores"`
	}
	if err := json.Unmarshal(updates[1].Payload, &body); err != nil {
		t.Fatalf("unmarshal scores: %v", err)
	}
	if len(body.Scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(body.Scores))
	}
	for _, s := range body.Scores {
		if strings.HasPrefix(s.DisplayName, "u:") || strings.HasPrefix(s.DisplayName, "g:") {
			t.Fatalf("raw member key leaked as display name: %q", s.DisplayName)
		}
	}
	var departed *scoreView
	for i := range body.Scores {
		if body.Scores[i].SpeakingTime == 30 {
			departed = &body.Scores[i]
		}
	}
	if departed == nil {
		t.Fatal("departed member's counters should still be reported")
	}
	if departed.DisplayName != "(left)" || departed.ConnectionID != "" {
		t.Fatalf("unexpected departed view: %+v", departed)
	}
}

func TestEngagementStoreFailureSuppressesBroadcast(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	eng := newMemEngagementStore()
	h := newTestWSHandler(store, eng)

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	eng.err = errors.New("redis down")
	dispatchEvent(h, hostSession, "engagement-update", engagementInPayload{MeetingCode: "m1", SpeakingTimeDelta: 10})

	if updates := hostConn.eventsOfType("engagement-scores-update"); len(updates) != 0 {
		t.Fatalf("score broadcast on store failure: %d updates", len(updates))
	}
}

func TestEndMeetingHostOnly(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	guestSession, _ := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, guestSession, "end-meeting", meetingCodePayload{MeetingCode: "m1"})
	if store.ended[1] {
		t.Fatal("guest must not be able to end the meeting")
	}

	dispatchEvent(h, hostSession, "end-meeting", meetingCodePayload{MeetingCode: "m1"})
	if !store.ended[1] {
		t.Fatal("host end-meeting should flip the meeting to ended")
	}
	if notices := hostConn.eventsOfType("meeting-ended"); len(notices) != 1 {
		t.Fatalf("host saw %d meeting-ended events, want 1", len(notices))
	}

	// a second end is a no-op
	dispatchEvent(h, hostSession, "end-meeting", meetingCodePayload{MeetingCode: "m1"})
	if notices := hostConn.eventsOfType("meeting-ended"); len(notices) != 1 {
		t.Fatalf("double end rebroadcast meeting-ended: %d events", len(notices))
	}
}

func TestLeaveRoomRecordsDeparture(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	h := newTestWSHandler(store, newMemEngagementStore())

	hostSession, hostConn := newTestSession("c-host", hostIdentity(7, "Alice"))
	dispatchEvent(h, hostSession, "join-room", joinRoomPayload{MeetingCode: "m1"})
	guestSession, _ := newTestSession("c-guest", guestIdentity("g1", "Bob"))
	dispatchEvent(h, guestSession, "join-room", joinRoomPayload{MeetingCode: "m1"})

	dispatchEvent(h, guestSession, "leave-room", meetingCodePayload{MeetingCode: "m1"})

	if h.hub.Participant("m1", "c-guest") != nil {
		t.Fatal("guest should be out of the room after leaving")
	}
	if lefts := hostConn.eventsOfType("user-left"); len(lefts) != 1 {
		t.Fatalf("host saw %d user-left events, want 1", len(lefts))
	}
}
