package handler

import (
	"context"
	"errors"
	"log"

	"conference-backend/internal/auth"
	"conference-backend/internal/model"
)

// Outcome is the terminal result of a join request
type Outcome int

const (
	OutcomeReject Outcome = iota
	OutcomeWait
	OutcomeAdmit
)

// Decision one terminal outcome per join request, never a silent drop
type Decision struct {
	Outcome        Outcome
	Reason         string // user-facing, set on reject
	IsHost         bool
	Meeting        *MeetingState
	WaitingEntryID int64 // set on wait
}

// Gatekeeper validates a join credential and the meeting's current state
// before a connection is admitted to a room.
type Gatekeeper struct {
	store      MeetingStore
	joinTokens *auth.JoinTokenManager
}

// NewGatekeeper creates a Gatekeeper
func NewGatekeeper(store MeetingStore, joinTokens *auth.JoinTokenManager) *Gatekeeper {
	return &Gatekeeper{store: store, joinTokens: joinTokens}
}

func reject(reason string) Decision {
	return Decision{Outcome: OutcomeReject, Reason: reason}
}

// Decide resolves (meetingCode, optional join token, identity) to
// admit / wait / reject.
func (g *Gatekeeper) Decide(ctx context.Context, meetingCode, joinToken, connectionID string, identity auth.Identity) Decision {
	tokenValid := false
	if joinToken != "" {
		switch err := g.joinTokens.Verify(joinToken, meetingCode); {
		case err == nil:
			tokenValid = true
		case errors.Is(err, auth.ErrExpiredToken):
			return reject("join token has expired")
		case errors.Is(err, auth.ErrTokenMismatch):
			return reject("join token was issued for a different meeting")
		default:
			return reject("invalid join token")
		}
	}

	meeting, err := g.store.FindByCode(ctx, meetingCode)
	if err != nil {
		log.Printf("[Gatekeeper] Meeting lookup failed for %s: %v", meetingCode, err)
		return reject("unable to verify meeting state")
	}
	if meeting == nil {
		return reject("meeting not found")
	}
	if meeting.Status == model.MeetingStatusEnded.String() {
		return reject("meeting has ended")
	}

	isHost := identity.AccountID != nil && *identity.AccountID == meeting.HostAccountID

	if meeting.IsLocked && !isHost {
		return reject("meeting is locked by the host")
	}

	// a valid join credential proves a prior successful check and
	// bypasses the waiting room
	if meeting.WaitingRoomEnabled && !isHost && !tokenValid {
		entryID, err := g.store.AddToWaitingQueue(ctx, meeting.ID, connectionID, identity.Nickname, identity.AccountID)
		if err != nil {
			log.Printf("[Gatekeeper] Failed to queue %s for meeting %s: %v", connectionID, meetingCode, err)
			return reject("unable to join the waiting room")
		}
		return Decision{
			Outcome:        OutcomeWait,
			Meeting:        meeting,
			WaitingEntryID: entryID,
		}
	}

	return Decision{Outcome: OutcomeAdmit, IsHost: isHost, Meeting: meeting}
}
