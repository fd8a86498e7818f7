package handler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"conference-backend/internal/auth"
	"conference-backend/internal/cache"
	"conference-backend/internal/engagement"
	"conference-backend/internal/model"
)

const maxChatLength = 500

// MeetingWSHandler drives the meeting websocket: join gatekeeping,
// signaling relay, room broadcasts and engagement updates.
type MeetingWSHandler struct {
	hub         *RoomHub
	gatekeeper  *Gatekeeper
	store       MeetingStore
	aggregator  *engagement.Aggregator
	transcripts *cache.RedisClient
	summaries   *SummaryService

	// connections suspended in a waiting room, keyed by connection id
	waiting   map[string]*wsSession
	waitingMu sync.Mutex
}

// NewMeetingWSHandler creates a MeetingWSHandler. transcripts may be nil
// when Redis is not configured; transcript chunks are then discarded.
func NewMeetingWSHandler(hub *RoomHub, gatekeeper *Gatekeeper, store MeetingStore, aggregator *engagement.Aggregator, transcripts *cache.RedisClient, summaries *SummaryService) *MeetingWSHandler {
	return &MeetingWSHandler{
		hub:         hub,
		gatekeeper:  gatekeeper,
		store:       store,
		aggregator:  aggregator,
		transcripts: transcripts,
		summaries:   summaries,
		waiting:     make(map[string]*wsSession),
	}
}

// safeConn serializes writes to the underlying websocket connection so the
// session goroutine and room broadcasts never interleave frames.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *safeConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// wsSession per-connection state
type wsSession struct {
	id       string
	identity auth.Identity
	conn     wsConn

	mu          sync.Mutex
	meetingID   int64
	meetingCode string
}

func (s *wsSession) send(eventType string, payload any) error {
	data, err := marshalEvent(eventType, payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(textMessage, data)
}

func (s *wsSession) setMeeting(id int64, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetingID = id
	s.meetingCode = code
}

func (s *wsSession) meeting() (int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingID, s.meetingCode
}

// HandleWebSocket runs one connection's event loop until disconnect
func (h *MeetingWSHandler) HandleWebSocket(c *websocket.Conn) {
	connectionID, ok1 := c.Locals("connectionID").(string)
	identity, ok2 := c.Locals("identity").(auth.Identity)
	if !ok1 || !ok2 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	session := &wsSession{
		id:       connectionID,
		identity: identity,
		conn:     &safeConn{conn: c},
	}

	log.Printf("[WS] Connected: %s (%s)", connectionID, identity.Nickname)

	defer func() {
		h.handleDisconnect(session)
		c.Close()
		log.Printf("[WS] Disconnected: %s", connectionID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var event Event
		if err := json.Unmarshal(msgBytes, &event); err != nil {
			continue
		}

		h.dispatch(session, &event)
	}
}

func (h *MeetingWSHandler) dispatch(session *wsSession, event *Event) {
	switch event.Type {
	case "join-room":
		h.handleJoin(session, event.Payload)
	case "offer", "answer", "ice-candidate":
		h.handleSignal(session, event.Type, event.Payload)
	case "chat-message":
		h.handleChat(session, event.Payload)
	case "raise-hand", "toggle-audio", "toggle-video", "speaking":
		h.handleFlag(session, event.Type, event.Payload)
	case "engagement-update":
		h.handleEngagement(session, event.Payload)
	case "transcript-chunk":
		h.handleTranscript(session, event.Payload)
	case "approve-waiting":
		h.handleWaitingDecision(session, event.Payload, true)
	case "reject-waiting":
		h.handleWaitingDecision(session, event.Payload, false)
	case "remove-participant":
		h.handleForceRemove(session, event.Payload)
	case "end-meeting":
		h.handleEnd(session, event.Payload)
	case "leave-room":
		h.handleLeave(session, event.Payload)
	}
}

// ---------------------------------------------------------------------------
// Join / waiting room
// ---------------------------------------------------------------------------

type joinRoomPayload struct {
	MeetingCode string `json:"meetingCode"`
	JoinToken   string `json:"joinToken,omitempty"`
}

type joinResultPayload struct {
	MeetingCode  string `json:"meetingCode"`
	ConnectionID string `json:"connectionId,omitempty"`
	IsHost       bool   `json:"isHost,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type waitingRequestPayload struct {
	MeetingCode  string `json:"meetingCode"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

func (h *MeetingWSHandler) handleJoin(session *wsSession, raw json.RawMessage) {
	var payload joinRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.MeetingCode == "" {
		h.logSendErr(session, session.send("join-rejected", joinResultPayload{Reason: "invalid join request"}))
		return
	}

	h.waitingMu.Lock()
	_, alreadyWaiting := h.waiting[session.id]
	h.waitingMu.Unlock()
	if alreadyWaiting {
		// still queued; re-acknowledge instead of stacking a second entry
		h.logSendErr(session, session.send("join-waiting-room", joinResultPayload{MeetingCode: payload.MeetingCode}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	decision := h.gatekeeper.Decide(ctx, payload.MeetingCode, payload.JoinToken, session.id, session.identity)

	switch decision.Outcome {
	case OutcomeReject:
		h.logSendErr(session, session.send("join-rejected", joinResultPayload{
			MeetingCode: payload.MeetingCode,
			Reason:      decision.Reason,
		}))

	case OutcomeWait:
		session.setMeeting(decision.Meeting.ID, decision.Meeting.Code)

		h.waitingMu.Lock()
		h.waiting[session.id] = session
		h.waitingMu.Unlock()

		h.logSendErr(session, session.send("join-waiting-room", joinResultPayload{MeetingCode: payload.MeetingCode}))

		if host := h.hub.HostOf(payload.MeetingCode); host != nil {
			if err := host.Send("waiting-room-request", waitingRequestPayload{
				MeetingCode:  payload.MeetingCode,
				ConnectionID: session.id,
				DisplayName:  session.identity.Nickname,
			}); err != nil {
				log.Printf("[Room %s] waiting-room-request to host: %v", payload.MeetingCode, err)
			}
		}

	case OutcomeAdmit:
		h.admit(ctx, session, decision.Meeting, decision.IsHost)
	}
}

// admit finalizes an admission: approval event, registry insert and the
// durable attendance row.
func (h *MeetingWSHandler) admit(ctx context.Context, session *wsSession, meeting *MeetingState, isHost bool) {
	role := model.RoleGuest
	if isHost {
		role = model.RoleHost
	}
	session.setMeeting(meeting.ID, meeting.Code)

	h.logSendErr(session, session.send("join-approved", joinResultPayload{
		MeetingCode:  meeting.Code,
		ConnectionID: session.id,
		IsHost:       isHost,
	}))

	h.hub.Admit(session.conn, session.id, meeting.Code, session.identity, isHost)

	if err := h.store.RecordJoin(ctx, meeting.ID, session.identity.AccountID, session.identity.Nickname, role); err != nil {
		log.Printf("[Room %s] Failed to record attendance for %s: %v", meeting.Code, session.id, err)
	}
}

type waitingDecisionPayload struct {
	MeetingCode  string `json:"meetingCode"`
	ConnectionID string `json:"connectionId"`
}

func (h *MeetingWSHandler) handleWaitingDecision(session *wsSession, raw json.RawMessage, approve bool) {
	var payload waitingDecisionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	acting := h.hub.Participant(payload.MeetingCode, session.id)
	if acting == nil || !acting.IsHost {
		log.Printf("[Room %s] Ignored waiting-room decision from non-host %s", payload.MeetingCode, session.id)
		return
	}

	meetingID, _ := session.meeting()
	status := model.WaitingRejected
	if approve {
		status = model.WaitingApproved
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := h.store.ResolveWaitingEntry(ctx, meetingID, payload.ConnectionID, status)
	if err != nil {
		log.Printf("[Room %s] Failed to resolve waiting entry %s: %v", payload.MeetingCode, payload.ConnectionID, err)
		return
	}
	if entry == nil {
		return // nothing pending for that connection
	}

	h.waitingMu.Lock()
	guest := h.waiting[payload.ConnectionID]
	delete(h.waiting, payload.ConnectionID)
	h.waitingMu.Unlock()

	if guest == nil {
		return // guest gave up waiting
	}

	if approve {
		h.admit(ctx, guest, &MeetingState{ID: meetingID, Code: payload.MeetingCode}, false)
	} else {
		h.logSendErr(guest, guest.send("join-rejected", joinResultPayload{
			MeetingCode: payload.MeetingCode,
			Reason:      "the host declined your request to join",
		}))
	}
}

// ---------------------------------------------------------------------------
// Signaling relay
// ---------------------------------------------------------------------------

type signalPayload struct {
	TargetConnectionID string          `json:"targetConnectionId"`
	Payload            json.RawMessage `json:"payload"`
}

type signalForward struct {
	FromConnectionID string          `json:"fromConnectionId"`
	DisplayName      string          `json:"displayName,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// handleSignal forwards a negotiation message to its target untouched.
// Unknown targets are dropped without any response; WebRTC renegotiates
// on its own.
func (h *MeetingWSHandler) handleSignal(session *wsSession, kind string, raw json.RawMessage) {
	var payload signalPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.TargetConnectionID == "" {
		return
	}

	meetingCode, ok := h.hub.RoomOf(session.id)
	if !ok {
		return
	}

	forward := signalForward{
		FromConnectionID: session.id,
		Payload:          payload.Payload,
	}
	if kind == "offer" {
		forward.DisplayName = session.identity.Nickname
	}

	found, err := h.hub.SendTo(meetingCode, payload.TargetConnectionID, kind, forward)
	if err != nil {
		log.Printf("[Room %s] %s relay to %s: %v", meetingCode, kind, payload.TargetConnectionID, err)
	}
	_ = found // missing target: best-effort drop
}

// ---------------------------------------------------------------------------
// Room-scoped events
// ---------------------------------------------------------------------------

type chatInPayload struct {
	MeetingCode string `json:"meetingCode"`
	Text        string `json:"text"`
}

type chatOutPayload struct {
	AccountID   *int64 `json:"accountId,omitempty"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

func (h *MeetingWSHandler) handleChat(session *wsSession, raw json.RawMessage) {
	var payload chatInPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Text == "" {
		return
	}

	if h.hub.Participant(payload.MeetingCode, session.id) == nil {
		return
	}

	if len(payload.Text) > maxChatLength {
		payload.Text = payload.Text[:maxChatLength]
	}

	meetingID, _ := session.meeting()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chatLog, err := h.store.AppendChatMessage(ctx, meetingID, session.identity.AccountID, session.identity.Nickname, payload.Text)
	if err != nil {
		log.Printf("[Room %s] Failed to persist chat from %s: %v", payload.MeetingCode, session.id, err)
		return
	}

	if err := h.aggregator.RecordChatMessage(ctx, payload.MeetingCode, session.identity.Key()); err != nil {
		log.Printf("[Room %s] Chat counter update failed: %v", payload.MeetingCode, err)
	}

	if err := h.hub.Broadcast(payload.MeetingCode, "chat-message", chatOutPayload{
		AccountID:   session.identity.AccountID,
		DisplayName: session.identity.Nickname,
		Text:        payload.Text,
		Timestamp:   chatLog.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		log.Printf("[Room %s] chat-message broadcast: %v", payload.MeetingCode, err)
	}
}

type flagInPayload struct {
	MeetingCode string `json:"meetingCode"`
	Flag        bool   `json:"flag"`
}

type flagOutPayload struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Flag         bool   `json:"flag"`
}

func (h *MeetingWSHandler) handleFlag(session *wsSession, kind string, raw json.RawMessage) {
	var payload flagInPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	if h.hub.Participant(payload.MeetingCode, session.id) == nil {
		return
	}

	if err := h.hub.BroadcastExcept(payload.MeetingCode, session.id, kind, flagOutPayload{
		ConnectionID: session.id,
		DisplayName:  session.identity.Nickname,
		Flag:         payload.Flag,
	}); err != nil {
		log.Printf("[Room %s] %s broadcast: %v", payload.MeetingCode, kind, err)
	}
}

// ---------------------------------------------------------------------------
// Engagement
// ---------------------------------------------------------------------------

type engagementInPayload struct {
	MeetingCode       string `json:"meetingCode"`
	SpeakingTimeDelta int64  `json:"speakingTimeDelta"`
	CameraOnTimeDelta int64  `json:"cameraOnTimeDelta"`
}

type scoreView struct {
	DisplayName  string `json:"displayName"`
	ConnectionID string `json:"connectionId,omitempty"`
	SpeakingTime int64  `json:"speakingTime"`
	CameraOnTime int64  `json:"cameraOnTime"`
	ChatMessages int64  `json:"chatMessages"`
	Score        int    `json:"score"`
}

func (h *MeetingWSHandler) handleEngagement(session *wsSession, raw json.RawMessage) {
	var payload engagementInPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	if h.hub.Participant(payload.MeetingCode, session.id) == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scores, err := h.aggregator.RecordDelta(ctx, payload.MeetingCode, session.identity.Key(), payload.SpeakingTimeDelta, payload.CameraOnTimeDelta)
	if err != nil {
		// advisory analytics: the update is lost, nobody is told
		log.Printf("[Room %s] Engagement update failed: %v", payload.MeetingCode, err)
		return
	}
	if scores == nil {
		return // no engagement store configured
	}

	views := h.resolveScores(payload.MeetingCode, scores)
	if err := h.hub.Broadcast(payload.MeetingCode, "engagement-scores-update", map[string]any{"scores": views}); err != nil {
		log.Printf("[Room %s] engagement-scores-update broadcast: %v", payload.MeetingCode, err)
	}
}

// resolveScores maps member keys back to the display names and connection
// ids of whoever is currently in the room.
func (h *MeetingWSHandler) resolveScores(meetingCode string, scores []engagement.Score) []scoreView {
	room := h.hub.GetRoom(meetingCode)

	byKey := make(map[string]*ParticipantHandle)
	if room != nil {
		room.mu.RLock()
		for _, p := range room.Participants {
			byKey[p.MemberKey] = p
		}
		room.mu.RUnlock()
	}

	views := make([]scoreView, 0, len(scores))
	for _, s := range scores {
		view := scoreView{
			SpeakingTime: s.SpeakingTime,
			CameraOnTime: s.CameraOnTime,
			ChatMessages: s.ChatMessages,
			Score:        s.Score,
		}
		if p, ok := byKey[s.MemberKey]; ok {
			view.DisplayName = p.DisplayName
			view.ConnectionID = p.ConnectionID
		} else {
			// member is no longer in the room; never expose the raw key
			view.DisplayName = "(left)"
		}
		views = append(views, view)
	}
	return views
}

// ---------------------------------------------------------------------------
// Transcripts
// ---------------------------------------------------------------------------

type transcriptInPayload struct {
	MeetingCode string `json:"meetingCode"`
	Text        string `json:"text"`
}

func (h *MeetingWSHandler) handleTranscript(session *wsSession, raw json.RawMessage) {
	if h.transcripts == nil {
		return
	}

	var payload transcriptInPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Text == "" {
		return
	}

	// only admitted participants contribute to the transcript
	if h.hub.Participant(payload.MeetingCode, session.id) == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.transcripts.AddTranscript(ctx, payload.MeetingCode, &cache.TranscriptEntry{
		MeetingCode: payload.MeetingCode,
		SpeakerKey:  session.identity.Key(),
		SpeakerName: session.identity.Nickname,
		Text:        payload.Text,
	}); err != nil {
		log.Printf("[Room %s] Failed to buffer transcript: %v", payload.MeetingCode, err)
	}
}

// ---------------------------------------------------------------------------
// Host actions / lifecycle
// ---------------------------------------------------------------------------

type removeParticipantPayload struct {
	MeetingCode        string `json:"meetingCode"`
	TargetConnectionID string `json:"targetConnectionId"`
}

func (h *MeetingWSHandler) handleForceRemove(session *wsSession, raw json.RawMessage) {
	var payload removeParticipantPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	h.hub.ForceRemove(session.id, payload.TargetConnectionID, payload.MeetingCode)
}

type meetingCodePayload struct {
	MeetingCode string `json:"meetingCode"`
}

func (h *MeetingWSHandler) handleEnd(session *wsSession, raw json.RawMessage) {
	var payload meetingCodePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	acting := h.hub.Participant(payload.MeetingCode, session.id)
	if acting == nil || !acting.IsHost {
		log.Printf("[Room %s] Ignored end-meeting from non-host %s", payload.MeetingCode, session.id)
		return
	}

	meetingID, _ := session.meeting()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ended, err := h.store.EndMeeting(ctx, meetingID)
	if err != nil {
		log.Printf("[Room %s] Failed to end meeting: %v", payload.MeetingCode, err)
		return
	}
	if !ended {
		return // already ended; the pipeline ran once
	}

	if err := h.hub.Broadcast(payload.MeetingCode, "meeting-ended", meetingCodePayload{MeetingCode: payload.MeetingCode}); err != nil {
		log.Printf("[Room %s] meeting-ended broadcast: %v", payload.MeetingCode, err)
	}

	if h.summaries != nil {
		go h.summaries.GenerateAndSave(meetingID, payload.MeetingCode)
	}
}

func (h *MeetingWSHandler) handleLeave(session *wsSession, raw json.RawMessage) {
	var payload meetingCodePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	h.leaveMeeting(session, payload.MeetingCode)
}

func (h *MeetingWSHandler) handleDisconnect(session *wsSession) {
	h.waitingMu.Lock()
	delete(h.waiting, session.id)
	h.waitingMu.Unlock()

	if code, ok := h.hub.RoomOf(session.id); ok {
		h.leaveMeeting(session, code)
	}
}

func (h *MeetingWSHandler) leaveMeeting(session *wsSession, meetingCode string) {
	if !h.hub.Remove(session.id, meetingCode) {
		return
	}

	meetingID, _ := session.meeting()
	if meetingID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.RecordLeave(ctx, meetingID, session.identity.AccountID, session.identity.Nickname); err != nil {
		log.Printf("[Room %s] Failed to record leave for %s: %v", meetingCode, session.id, err)
	}
}

func (h *MeetingWSHandler) logSendErr(session *wsSession, err error) {
	if err != nil {
		log.Printf("[WS] Send to %s failed: %v", session.id, err)
	}
}
