package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"conference-backend/internal/auth"
	"conference-backend/internal/model"
)

// MeetingHandler serves the meeting REST API
type MeetingHandler struct {
	db         *gorm.DB
	joinTokens *auth.JoinTokenManager
	hub        *RoomHub
	store      MeetingStore
	summaries  *SummaryService
}

// NewMeetingHandler creates a MeetingHandler
func NewMeetingHandler(db *gorm.DB, joinTokens *auth.JoinTokenManager, hub *RoomHub, store MeetingStore, summaries *SummaryService) *MeetingHandler {
	return &MeetingHandler{db: db, joinTokens: joinTokens, hub: hub, store: store, summaries: summaries}
}

// MeetingResponse meeting payload returned by the API
type MeetingResponse struct {
	ID                 int64   `json:"id"`
	HostID             int64   `json:"host_id"`
	Title              string  `json:"title"`
	Code               string  `json:"code"`
	Status             string  `json:"status"`
	IsLocked           bool    `json:"is_locked"`
	WaitingRoomEnabled bool    `json:"waiting_room_enabled"`
	HasPasscode        bool    `json:"has_passcode"`
	ParticipantCount   int     `json:"participant_count"`
	StartedAt          *string `json:"started_at,omitempty"`
	EndedAt            *string `json:"ended_at,omitempty"`
}

// CreateMeetingRequest meeting creation request
type CreateMeetingRequest struct {
	Title       string `json:"title"`
	Passcode    string `json:"passcode"`
	WaitingRoom bool   `json:"waiting_room"`
}

// CreateMeeting creates a meeting with the caller as host
func (h *MeetingHandler) CreateMeeting(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req CreateMeetingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "title is required",
		})
	}

	req.Title = sanitizeString(req.Title)
	if len(req.Title) > 200 {
		req.Title = req.Title[:200]
	}

	code, err := generateSecureMeetingCode()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate meeting code",
		})
	}

	now := time.Now()
	meeting := model.Meeting{
		HostID:             claims.UserID,
		Title:              req.Title,
		Code:               code,
		Status:             model.MeetingStatusInProgress.String(),
		WaitingRoomEnabled: req.WaitingRoom,
		StartedAt:          &now,
	}
	if req.Passcode != "" {
		passcode := req.Passcode
		meeting.Passcode = &passcode
	}

	if err := h.db.Create(&meeting).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create meeting",
		})
	}

	participant := model.Participant{
		MeetingID:   meeting.ID,
		UserID:      &claims.UserID,
		DisplayName: claims.Nickname,
		Role:        model.RoleHost.String(),
	}
	if err := h.db.Create(&participant).Error; err != nil {
		log.Printf("warning: failed to add host as participant for meeting %d: %v", meeting.ID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(h.toMeetingResponse(&meeting))
}

// GetMeeting returns a meeting by its code
func (h *MeetingHandler) GetMeeting(c *fiber.Ctx) error {
	code := c.Params("code")

	var meeting model.Meeting
	err := h.db.Where("code = ?", code).First(&meeting).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "meeting not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get meeting",
		})
	}

	return c.JSON(h.toMeetingResponse(&meeting))
}

// JoinMeetingRequest passcode check request
type JoinMeetingRequest struct {
	Passcode string `json:"passcode"`
}

// JoinMeeting validates the passcode and hands out a short-lived join
// credential the websocket gatekeeper will accept.
func (h *MeetingHandler) JoinMeeting(c *fiber.Ctx) error {
	code := c.Params("code")

	var meeting model.Meeting
	err := h.db.Where("code = ?", code).First(&meeting).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "meeting not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get meeting",
		})
	}

	if meeting.Status == model.MeetingStatusEnded.String() {
		return c.Status(fiber.StatusGone).JSON(fiber.Map{
			"error": "meeting has ended",
		})
	}

	claims, _ := c.Locals("claims").(*auth.Claims)
	isHost := claims != nil && claims.UserID == meeting.HostID

	if meeting.IsLocked && !isHost {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "meeting is locked by the host",
		})
	}

	if meeting.Passcode != nil && !isHost {
		var req JoinMeetingRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
		if subtle.ConstantTimeCompare([]byte(req.Passcode), []byte(*meeting.Passcode)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "incorrect passcode",
			})
		}
	}

	joinToken, err := h.joinTokens.Generate(meeting.Code)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to issue join token",
		})
	}

	return c.JSON(fiber.Map{
		"meeting":    h.toMeetingResponse(&meeting),
		"join_token": joinToken,
	})
}

// SetLock locks or unlocks a meeting. Host only.
func (h *MeetingHandler) SetLock(locked bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := c.Locals("claims").(*auth.Claims)
		code := c.Params("code")

		var meeting model.Meeting
		if err := h.db.Where("code = ?", code).First(&meeting).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "meeting not found",
			})
		}

		if meeting.HostID != claims.UserID {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "only host can lock the meeting",
			})
		}

		meeting.IsLocked = locked
		if err := h.db.Save(&meeting).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to update meeting",
			})
		}

		return c.JSON(h.toMeetingResponse(&meeting))
	}
}

// EndMeeting ends a meeting over HTTP. Host only. Admitted participants
// are notified through the room hub and the summary pipeline runs once,
// no matter which path ends the meeting first.
func (h *MeetingHandler) EndMeeting(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	code := c.Params("code")

	meeting, err := h.store.FindByCode(c.Context(), code)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get meeting",
		})
	}
	if meeting == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "meeting not found",
		})
	}

	if meeting.HostAccountID != claims.UserID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only host can end the meeting",
		})
	}

	ended, err := h.store.EndMeeting(c.Context(), meeting.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to end meeting",
		})
	}
	if !ended {
		return c.JSON(fiber.Map{
			"message": "meeting already ended",
		})
	}

	if h.hub != nil {
		if err := h.hub.Broadcast(meeting.Code, "meeting-ended", meetingCodePayload{MeetingCode: meeting.Code}); err != nil {
			log.Printf("[Room %s] meeting-ended broadcast: %v", meeting.Code, err)
		}
	}

	if h.summaries != nil {
		go h.summaries.GenerateAndSave(meeting.ID, meeting.Code)
	}

	return c.JSON(fiber.Map{
		"message": "meeting ended",
	})
}

// GetSummary returns the AI-generated minutes of an ended meeting
func (h *MeetingHandler) GetSummary(c *fiber.Ctx) error {
	code := c.Params("code")

	var meeting model.Meeting
	if err := h.db.Where("code = ?", code).First(&meeting).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "meeting not found",
		})
	}

	var summary model.MeetingSummary
	err := h.db.Where("meeting_id = ?", meeting.ID).First(&summary).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no summary available for this meeting",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get summary",
		})
	}

	return c.JSON(fiber.Map{
		"meeting_code":     meeting.Code,
		"summary":          summary.Summary,
		"transcript_chars": summary.TranscriptChars,
		"created_at":       summary.CreatedAt.Format(time.RFC3339),
	})
}

func (h *MeetingHandler) toMeetingResponse(m *model.Meeting) MeetingResponse {
	resp := MeetingResponse{
		ID:                 m.ID,
		HostID:             m.HostID,
		Title:              m.Title,
		Code:               m.Code,
		Status:             m.Status,
		IsLocked:           m.IsLocked,
		WaitingRoomEnabled: m.WaitingRoomEnabled,
		HasPasscode:        m.Passcode != nil,
	}

	if h.hub != nil {
		resp.ParticipantCount = h.hub.Count(m.Code)
	}

	if m.StartedAt != nil {
		t := m.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if m.EndedAt != nil {
		t := m.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &t
	}

	return resp
}

func sanitizeString(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func generateSecureMeetingCode() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
