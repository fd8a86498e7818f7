package model

import (
	"time"
)

// User account
type User struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Nickname   string  `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string `gorm:"type:text" json:"profile_img,omitempty"`
	Provider   *string `gorm:"type:varchar(50)" json:"provider,omitempty"`
	ProviderID *string `gorm:"type:varchar(255)" json:"provider_id,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Meetings     []Meeting     `gorm:"foreignKey:HostID" json:"meetings,omitempty"`
	Participants []Participant `gorm:"foreignKey:UserID" json:"participants,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// Meeting a scheduled or running conference
type Meeting struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID             int64      `gorm:"not null" json:"host_id"`
	Title              string     `gorm:"type:varchar(200);not null" json:"title"`
	Code               string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"`
	Passcode           *string    `gorm:"type:varchar(100)" json:"-"`
	Status             string     `gorm:"type:varchar(20);default:'SCHEDULED'" json:"status"` // SCHEDULED, IN_PROGRESS, ENDED
	IsLocked           bool       `gorm:"default:false" json:"is_locked"`
	WaitingRoomEnabled bool       `gorm:"default:false" json:"waiting_room_enabled"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Host         User           `gorm:"foreignKey:HostID" json:"host,omitempty"`
	Participants []Participant  `gorm:"foreignKey:MeetingID" json:"participants,omitempty"`
	ChatLogs     []ChatLog      `gorm:"foreignKey:MeetingID" json:"chat_logs,omitempty"`
	Summary      *MeetingSummary `gorm:"foreignKey:MeetingID" json:"summary,omitempty"`
}

func (Meeting) TableName() string {
	return "meetings"
}

// Participant durable attendance record (guests allowed)
type Participant struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MeetingID   int64      `gorm:"not null;index" json:"meeting_id"`
	UserID      *int64     `json:"user_id,omitempty"`
	DisplayName string     `gorm:"type:varchar(100);not null" json:"display_name"`
	Role        string     `gorm:"type:varchar(20);not null" json:"role"` // HOST, GUEST
	JoinedAt    time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`

	// Relations
	Meeting Meeting `gorm:"foreignKey:MeetingID" json:"meeting,omitempty"`
	User    *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (Participant) TableName() string {
	return "participants"
}

// ChatLog persisted in-meeting chat message
type ChatLog struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MeetingID   int64     `gorm:"not null;index" json:"meeting_id"`
	SenderID    *int64    `json:"sender_id,omitempty"`
	DisplayName string    `gorm:"type:varchar(100)" json:"display_name"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Meeting Meeting `gorm:"foreignKey:MeetingID" json:"meeting,omitempty"`
	Sender  *User   `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
}

func (ChatLog) TableName() string {
	return "chat_logs"
}

// WaitingRoomEntry a participant held pending explicit host approval
type WaitingRoomEntry struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MeetingID    int64     `gorm:"not null;index" json:"meeting_id"`
	ConnectionID string    `gorm:"type:varchar(100);not null;index" json:"connection_id"`
	UserID       *int64    `json:"user_id,omitempty"`
	DisplayName  string    `gorm:"type:varchar(100);not null" json:"display_name"`
	Status       string    `gorm:"type:varchar(20);default:'PENDING'" json:"status"` // PENDING, APPROVED, REJECTED
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Meeting Meeting `gorm:"foreignKey:MeetingID" json:"meeting,omitempty"`
	User    *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (WaitingRoomEntry) TableName() string {
	return "waiting_room_entries"
}

// MeetingSummary AI-generated minutes for an ended meeting
type MeetingSummary struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MeetingID       int64     `gorm:"not null;uniqueIndex" json:"meeting_id"`
	Summary         string    `gorm:"type:text;not null" json:"summary"`
	TranscriptChars int       `gorm:"default:0" json:"transcript_chars"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Meeting Meeting `gorm:"foreignKey:MeetingID" json:"meeting,omitempty"`
}

func (MeetingSummary) TableName() string {
	return "meeting_summaries"
}
