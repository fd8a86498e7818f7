package handler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"conference-backend/internal/ai"
	"conference-backend/internal/cache"
)

// SummaryService turns a meeting's buffered transcript into AI-generated
// minutes after the meeting ends. Every stage is best-effort: a failure is
// logged and the meeting stays ended either way.
type SummaryService struct {
	store       MeetingStore
	transcripts *cache.RedisClient
	client      *ai.Client
}

func NewSummaryService(store MeetingStore, transcripts *cache.RedisClient, client *ai.Client) *SummaryService {
	return &SummaryService{
		store:       store,
		transcripts: transcripts,
		client:      client,
	}
}

// GenerateAndSave runs the pipeline for one ended meeting. Safe to call
// from its own goroutine.
func (s *SummaryService) GenerateAndSave(meetingID int64, meetingCode string) {
	if s.transcripts == nil || s.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	entries, err := s.transcripts.FlushTranscripts(ctx, meetingCode)
	if err != nil {
		log.Printf("[Summary %s] Failed to flush transcripts: %v", meetingCode, err)
		return
	}
	if len(entries) == 0 {
		log.Printf("[Summary %s] No transcript, skipping summary", meetingCode)
		return
	}

	transcript := formatTranscript(entries)

	summary, err := s.client.Summarize(ctx, transcript)
	if err != nil {
		if err == ai.ErrNotConfigured {
			return
		}
		log.Printf("[Summary %s] Summarization failed: %v", meetingCode, err)
		return
	}

	if err := s.store.SaveSummary(ctx, meetingID, summary, len(transcript)); err != nil {
		log.Printf("[Summary %s] Failed to save summary: %v", meetingCode, err)
		return
	}

	log.Printf("[Summary %s] Saved summary (%d transcript chars)", meetingCode, len(transcript))
}

func formatTranscript(entries []cache.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.SpeakerName, e.Text)
	}
	return b.String()
}
