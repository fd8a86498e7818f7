package handler

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"conference-backend/internal/auth"
)

// wsConn is the narrow connection surface the hub writes through.
// *websocket.Conn satisfies it; tests substitute a capturing fake.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
}

const textMessage = 1 // websocket.TextMessage

// Event is the wire envelope for every message on the meeting socket
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParticipantHandle one admitted connection inside a room.
// Immutable after admission; a rejoin creates a fresh handle.
type ParticipantHandle struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	AccountID    *int64 `json:"accountId,omitempty"`
	IsHost       bool   `json:"isHost"`
	MemberKey    string `json:"-"`

	conn    wsConn
	writeMu sync.Mutex
}

// Send writes one event to the participant's connection
func (p *ParticipantHandle) Send(eventType string, payload any) error {
	data, err := marshalEvent(eventType, payload)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(textMessage, data)
}

func marshalEvent(eventType string, payload any) ([]byte, error) {
	envelope := struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: eventType, Payload: payload}
	return json.Marshal(envelope)
}

// Room the set of connections currently admitted to one meeting code
type Room struct {
	Code         string
	Participants map[string]*ParticipantHandle // connection id -> handle
	mu           sync.RWMutex
}

// RoomHub is the in-memory room registry. One instance is created at
// startup and injected wherever rooms are needed.
type RoomHub struct {
	rooms  map[string]*Room
	byConn map[string]string // connection id -> meeting code
	mu     sync.RWMutex
}

// NewRoomHub creates an empty registry
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
	}
}

// ParticipantInfo snapshot entry sent in room-participants / user-joined
type ParticipantInfo struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	AccountID    *int64 `json:"accountId,omitempty"`
	IsHost       bool   `json:"isHost"`
}

type countPayload struct {
	MeetingCode string `json:"meetingCode"`
	Count       int    `json:"count"`
}

// Admit inserts a connection into a room and emits the join broadcasts:
// the full participant list to the newcomer, user-joined to everyone else
// and the updated participant count to the whole room. Re-admitting a
// connection already present changes no membership but still re-sends the
// info broadcast. A connection admitted elsewhere leaves that room first.
func (h *RoomHub) Admit(conn wsConn, connectionID, meetingCode string, identity auth.Identity, isHost bool) *ParticipantHandle {
	if prev, ok := h.roomOf(connectionID); ok && prev != meetingCode {
		h.Remove(connectionID, prev)
	}

	room := h.getOrCreateRoom(meetingCode)

	room.mu.Lock()
	handle, already := room.Participants[connectionID]
	if !already {
		handle = &ParticipantHandle{
			ConnectionID: connectionID,
			DisplayName:  identity.Nickname,
			AccountID:    identity.AccountID,
			IsHost:       isHost,
			MemberKey:    identity.Key(),
			conn:         conn,
		}
		room.Participants[connectionID] = handle
	}
	others := make([]ParticipantInfo, 0, len(room.Participants))
	for id, p := range room.Participants {
		if id == connectionID {
			continue
		}
		others = append(others, ParticipantInfo{
			ConnectionID: p.ConnectionID,
			DisplayName:  p.DisplayName,
			AccountID:    p.AccountID,
			IsHost:       p.IsHost,
		})
	}
	count := len(room.Participants)
	room.mu.Unlock()

	h.mu.Lock()
	h.byConn[connectionID] = meetingCode
	h.mu.Unlock()

	if err := handle.Send("room-participants", others); err != nil {
		log.Printf("[RoomHub] Failed to send snapshot to %s: %v", connectionID, err)
	}

	if !already {
		joined := ParticipantInfo{
			ConnectionID: handle.ConnectionID,
			DisplayName:  handle.DisplayName,
			AccountID:    handle.AccountID,
			IsHost:       handle.IsHost,
		}
		if err := h.BroadcastExcept(meetingCode, connectionID, "user-joined", joined); err != nil {
			log.Printf("[Room %s] user-joined broadcast: %v", meetingCode, err)
		}
	}

	if err := h.Broadcast(meetingCode, "participant-count", countPayload{MeetingCode: meetingCode, Count: count}); err != nil {
		log.Printf("[Room %s] participant-count broadcast: %v", meetingCode, err)
	}

	log.Printf("[Room %s] Admitted %s (%s), total: %d", meetingCode, connectionID, handle.DisplayName, count)
	return handle
}

// Remove deletes a connection from a room, broadcasts user-left and the
// updated count, and drops the room entirely once empty. Idempotent: a
// connection not present is a no-op, so a force-remove racing a disconnect
// converges safely.
func (h *RoomHub) Remove(connectionID, meetingCode string) bool {
	room := h.GetRoom(meetingCode)
	if room == nil {
		return false
	}

	room.mu.Lock()
	handle, present := room.Participants[connectionID]
	if present {
		delete(room.Participants, connectionID)
	}
	count := len(room.Participants)
	room.mu.Unlock()

	if !present {
		return false
	}

	h.mu.Lock()
	if h.byConn[connectionID] == meetingCode {
		delete(h.byConn, connectionID)
	}
	h.mu.Unlock()

	if count == 0 {
		h.deleteRoomIfEmpty(meetingCode)
	} else {
		left := ParticipantInfo{
			ConnectionID: handle.ConnectionID,
			DisplayName:  handle.DisplayName,
			AccountID:    handle.AccountID,
			IsHost:       handle.IsHost,
		}
		if err := h.Broadcast(meetingCode, "user-left", left); err != nil {
			log.Printf("[Room %s] user-left broadcast: %v", meetingCode, err)
		}
		if err := h.Broadcast(meetingCode, "participant-count", countPayload{MeetingCode: meetingCode, Count: count}); err != nil {
			log.Printf("[Room %s] participant-count broadcast: %v", meetingCode, err)
		}
	}

	log.Printf("[Room %s] Removed %s, remaining: %d", meetingCode, connectionID, count)
	return true
}

// RemoveEverywhere drops a connection from whatever room holds it.
// Disconnect path: a dropped connection triggers this.
func (h *RoomHub) RemoveEverywhere(connectionID string) {
	if code, ok := h.roomOf(connectionID); ok {
		h.Remove(connectionID, code)
	}
}

// ForceRemove ejects a target on behalf of a host. A non-host actor is a
// silent no-op: membership unchanged, no events sent.
func (h *RoomHub) ForceRemove(actingConnectionID, targetConnectionID, meetingCode string) bool {
	acting := h.Participant(meetingCode, actingConnectionID)
	if acting == nil || !acting.IsHost {
		log.Printf("[Room %s] Ignored force-remove from non-host %s", meetingCode, actingConnectionID)
		return false
	}

	if target := h.Participant(meetingCode, targetConnectionID); target != nil {
		if err := target.Send("removed-by-host", countPayload{MeetingCode: meetingCode}); err != nil {
			log.Printf("[Room %s] removed-by-host notice to %s: %v", meetingCode, targetConnectionID, err)
		}
	}

	return h.Remove(targetConnectionID, meetingCode)
}

// Broadcast fans an event out to every connection in the room. The send
// never blocks on acknowledgment; write failures are collected and
// returned so the caller can log them.
func (h *RoomHub) Broadcast(meetingCode, eventType string, payload any) error {
	return h.BroadcastExcept(meetingCode, "", eventType, payload)
}

// BroadcastExcept fans an event out to the room, skipping one connection
func (h *RoomHub) BroadcastExcept(meetingCode, skipConnectionID, eventType string, payload any) error {
	room := h.GetRoom(meetingCode)
	if room == nil {
		return nil
	}

	data, err := marshalEvent(eventType, payload)
	if err != nil {
		return err
	}

	room.mu.RLock()
	targets := make([]*ParticipantHandle, 0, len(room.Participants))
	for id, p := range room.Participants {
		if id == skipConnectionID {
			continue
		}
		targets = append(targets, p)
	}
	room.mu.RUnlock()

	var errs []error
	for _, p := range targets {
		p.writeMu.Lock()
		werr := p.conn.WriteMessage(textMessage, data)
		p.writeMu.Unlock()
		if werr != nil {
			errs = append(errs, werr)
		}
	}
	return errors.Join(errs...)
}

// SendTo delivers an event to one connection in a room. A missing target
// reports found=false and nothing else happens.
func (h *RoomHub) SendTo(meetingCode, connectionID, eventType string, payload any) (found bool, err error) {
	target := h.Participant(meetingCode, connectionID)
	if target == nil {
		return false, nil
	}
	return true, target.Send(eventType, payload)
}

// Participant returns the handle for a connection in a room, or nil
func (h *RoomHub) Participant(meetingCode, connectionID string) *ParticipantHandle {
	room := h.GetRoom(meetingCode)
	if room == nil {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.Participants[connectionID]
}

// HostOf returns the host handle for a room, or nil when no host is connected
func (h *RoomHub) HostOf(meetingCode string) *ParticipantHandle {
	room := h.GetRoom(meetingCode)
	if room == nil {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	for _, p := range room.Participants {
		if p.IsHost {
			return p
		}
	}
	return nil
}

// GetRoom returns an existing room, or nil
func (h *RoomHub) GetRoom(meetingCode string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[meetingCode]
}

// RoomOf reports which room currently holds a connection
func (h *RoomHub) RoomOf(connectionID string) (string, bool) {
	return h.roomOf(connectionID)
}

// Count returns a room's current cardinality
func (h *RoomHub) Count(meetingCode string) int {
	room := h.GetRoom(meetingCode)
	if room == nil {
		return 0
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.Participants)
}

// ClearAll empties the registry (shutdown path)
func (h *RoomHub) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms = make(map[string]*Room)
	h.byConn = make(map[string]string)
}

func (h *RoomHub) getOrCreateRoom(meetingCode string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[meetingCode]; exists {
		return room
	}

	room := &Room{
		Code:         meetingCode,
		Participants: make(map[string]*ParticipantHandle),
	}
	h.rooms[meetingCode] = room
	log.Printf("[RoomHub] Created room: %s", meetingCode)
	return room
}

func (h *RoomHub) roomOf(connectionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	code, ok := h.byConn[connectionID]
	return code, ok
}

func (h *RoomHub) deleteRoomIfEmpty(meetingCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[meetingCode]
	if !exists {
		return
	}

	room.mu.RLock()
	empty := len(room.Participants) == 0
	room.mu.RUnlock()

	if empty {
		delete(h.rooms, meetingCode)
		log.Printf("[RoomHub] Removed room: %s (empty)", meetingCode)
	}
}
