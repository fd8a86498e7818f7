package model

// MeetingStatus meeting lifecycle state
type MeetingStatus string

const (
	MeetingStatusScheduled  MeetingStatus = "SCHEDULED"
	MeetingStatusInProgress MeetingStatus = "IN_PROGRESS"
	MeetingStatusEnded      MeetingStatus = "ENDED"
)

func (s MeetingStatus) String() string {
	return string(s)
}

// ParticipantRole role inside a meeting
type ParticipantRole string

const (
	RoleHost  ParticipantRole = "HOST"
	RoleGuest ParticipantRole = "GUEST"
)

func (r ParticipantRole) String() string {
	return string(r)
}

// WaitingStatus waiting-room entry state
type WaitingStatus string

const (
	WaitingPending  WaitingStatus = "PENDING"
	WaitingApproved WaitingStatus = "APPROVED"
	WaitingRejected WaitingStatus = "REJECTED"
)

func (w WaitingStatus) String() string {
	return string(w)
}
