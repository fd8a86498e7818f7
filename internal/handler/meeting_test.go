package handler

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"conference-backend/internal/auth"
)

func newMeetingTestApp(store *fakeMeetingStore, hub *RoomHub, userID int64) *fiber.App {
	h := NewMeetingHandler(nil, testJoinTokens(), hub, store, nil)
	app := fiber.New()
	app.Post("/api/meetings/:code/end", func(c *fiber.Ctx) error {
		c.Locals("claims", &auth.Claims{UserID: userID, Nickname: "Alice"})
		return h.EndMeeting(c)
	})
	return app
}

func postEnd(t *testing.T, app *fiber.App, code string) (int, map[string]string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/meetings/"+code+"/end", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var body map[string]string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("unmarshal response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, body
}

func TestEndMeetingHTTPGuardedAndBroadcastOnce(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	hub := NewRoomHub()
	conn := &fakeConn{}
	hub.Admit(conn, "c-host", "m1", hostIdentity(7, "Alice"), true)
	app := newMeetingTestApp(store, hub, 7)

	status, body := postEnd(t, app, "m1")
	if status != fiber.StatusOK || body["message"] != "meeting ended" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if !store.ended[1] {
		t.Fatal("meeting should be flipped to ended in the store")
	}
	if len(conn.eventsOfType("meeting-ended")) != 1 {
		t.Fatal("participants should be told the meeting ended")
	}

	status, body = postEnd(t, app, "m1")
	if status != fiber.StatusOK || body["message"] != "meeting already ended" {
		t.Fatalf("second end: status = %d, body = %v", status, body)
	}
	if len(conn.eventsOfType("meeting-ended")) != 1 {
		t.Fatal("a repeated end must not rebroadcast meeting-ended")
	}
}

func TestEndMeetingHTTPNonHostForbidden(t *testing.T) {
	store := newFakeMeetingStore()
	store.meetings["m1"] = inProgressMeeting(1, "m1", 7)
	app := newMeetingTestApp(store, NewRoomHub(), 8)

	status, _ := postEnd(t, app, "m1")
	if status != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if store.ended[1] {
		t.Fatal("non-host must not end the meeting")
	}
}

func TestEndMeetingHTTPUnknownCode(t *testing.T) {
	app := newMeetingTestApp(newFakeMeetingStore(), NewRoomHub(), 7)

	status, _ := postEnd(t, app, "missing")
	if status != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}
