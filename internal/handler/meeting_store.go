package handler

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"conference-backend/internal/model"
)

// MeetingState the slice of meeting state the relay consults
type MeetingState struct {
	ID                 int64
	Code               string
	Status             string
	IsLocked           bool
	WaitingRoomEnabled bool
	HostAccountID      int64
}

// MeetingStore the persistence contract the relay consumes
type MeetingStore interface {
	FindByCode(ctx context.Context, code string) (*MeetingState, error)
	AddToWaitingQueue(ctx context.Context, meetingID int64, connectionID, displayName string, userID *int64) (int64, error)
	ResolveWaitingEntry(ctx context.Context, meetingID int64, connectionID string, status model.WaitingStatus) (*model.WaitingRoomEntry, error)
	AppendChatMessage(ctx context.Context, meetingID int64, senderID *int64, displayName, text string) (*model.ChatLog, error)
	RecordJoin(ctx context.Context, meetingID int64, userID *int64, displayName string, role model.ParticipantRole) error
	RecordLeave(ctx context.Context, meetingID int64, userID *int64, displayName string) error
	EndMeeting(ctx context.Context, meetingID int64) (bool, error)
	SaveSummary(ctx context.Context, meetingID int64, summary string, transcriptChars int) error
}

// GormMeetingStore GORM-backed MeetingStore
type GormMeetingStore struct {
	db *gorm.DB
}

// NewGormMeetingStore creates a GormMeetingStore
func NewGormMeetingStore(db *gorm.DB) *GormMeetingStore {
	return &GormMeetingStore{db: db}
}

// FindByCode loads the relay-relevant meeting state; nil when not found
func (s *GormMeetingStore) FindByCode(ctx context.Context, code string) (*MeetingState, error) {
	var meeting model.Meeting
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&meeting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &MeetingState{
		ID:                 meeting.ID,
		Code:               meeting.Code,
		Status:             meeting.Status,
		IsLocked:           meeting.IsLocked,
		WaitingRoomEnabled: meeting.WaitingRoomEnabled,
		HostAccountID:      meeting.HostID,
	}, nil
}

// AddToWaitingQueue persists a pending waiting-room entry
func (s *GormMeetingStore) AddToWaitingQueue(ctx context.Context, meetingID int64, connectionID, displayName string, userID *int64) (int64, error) {
	entry := model.WaitingRoomEntry{
		MeetingID:    meetingID,
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		Status:       model.WaitingPending.String(),
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// ResolveWaitingEntry flips a specific pending entry to approved/rejected.
// Returns nil when no pending entry matches, so a double approval is a no-op.
func (s *GormMeetingStore) ResolveWaitingEntry(ctx context.Context, meetingID int64, connectionID string, status model.WaitingStatus) (*model.WaitingRoomEntry, error) {
	var entry model.WaitingRoomEntry
	err := s.db.WithContext(ctx).
		Where("meeting_id = ? AND connection_id = ? AND status = ?", meetingID, connectionID, model.WaitingPending.String()).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Status = status.String()
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// AppendChatMessage persists one chat message
func (s *GormMeetingStore) AppendChatMessage(ctx context.Context, meetingID int64, senderID *int64, displayName, text string) (*model.ChatLog, error) {
	chatLog := model.ChatLog{
		MeetingID:   meetingID,
		SenderID:    senderID,
		DisplayName: displayName,
		Message:     text,
	}

	if err := s.db.WithContext(ctx).Create(&chatLog).Error; err != nil {
		return nil, err
	}
	return &chatLog, nil
}

// RecordJoin appends a durable attendance row
func (s *GormMeetingStore) RecordJoin(ctx context.Context, meetingID int64, userID *int64, displayName string, role model.ParticipantRole) error {
	participant := model.Participant{
		MeetingID:   meetingID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role.String(),
	}
	return s.db.WithContext(ctx).Create(&participant).Error
}

// RecordLeave stamps the most recent open attendance row
func (s *GormMeetingStore) RecordLeave(ctx context.Context, meetingID int64, userID *int64, displayName string) error {
	now := time.Now()
	q := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("meeting_id = ? AND left_at IS NULL", meetingID)
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	} else {
		q = q.Where("user_id IS NULL AND display_name = ?", displayName)
	}
	return q.Update("left_at", &now).Error
}

// EndMeeting flips the meeting to ENDED. Reports false when it already was,
// which guards the end-of-meeting pipeline against running twice.
func (s *GormMeetingStore) EndMeeting(ctx context.Context, meetingID int64) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.Meeting{}).
		Where("id = ? AND status != ?", meetingID, model.MeetingStatusEnded.String()).
		Updates(map[string]interface{}{
			"status":   model.MeetingStatusEnded.String(),
			"ended_at": &now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SaveSummary persists the AI-generated minutes
func (s *GormMeetingStore) SaveSummary(ctx context.Context, meetingID int64, summary string, transcriptChars int) error {
	record := model.MeetingSummary{
		MeetingID:       meetingID,
		Summary:         summary,
		TranscriptChars: transcriptChars,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}
