package engagement

import (
	"context"
	"math"
	"sort"

	"conference-backend/internal/cache"
)

// Store persists per-(meeting, member) activity counters. The Redis client
// in internal/cache is the production implementation.
type Store interface {
	IncrementEngagement(ctx context.Context, meetingCode, memberKey string, speaking, camera, chat int64) error
	ListEngagement(ctx context.Context, meetingCode string) ([]cache.EngagementCounters, error)
}

// Score one member's ranked engagement view
type Score struct {
	MemberKey    string `json:"memberKey"`
	SpeakingTime int64  `json:"speakingTime"`
	CameraOnTime int64  `json:"cameraOnTime"`
	ChatMessages int64  `json:"chatMessages"`
	Score        int    `json:"score"`
}

// Aggregator accumulates activity deltas and recomputes ranked scores.
// Scores are advisory analytics; a lost update is acceptable.
type Aggregator struct {
	store Store
}

// NewAggregator creates an Aggregator
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// RecordDelta applies non-negative speaking/camera deltas for a member and
// returns the recomputed ranked view for the meeting. Negative deltas are
// treated as zero.
func (a *Aggregator) RecordDelta(ctx context.Context, meetingCode, memberKey string, speakingDelta, cameraDelta int64) ([]Score, error) {
	if a.store == nil {
		return nil, nil
	}
	if speakingDelta < 0 {
		speakingDelta = 0
	}
	if cameraDelta < 0 {
		cameraDelta = 0
	}

	if err := a.store.IncrementEngagement(ctx, meetingCode, memberKey, speakingDelta, cameraDelta, 0); err != nil {
		return nil, err
	}

	return a.Scores(ctx, meetingCode)
}

// RecordChatMessage bumps a member's chat counter
func (a *Aggregator) RecordChatMessage(ctx context.Context, meetingCode, memberKey string) error {
	if a.store == nil {
		return nil
	}
	return a.store.IncrementEngagement(ctx, meetingCode, memberKey, 0, 0, 1)
}

// Scores recomputes the ranked engagement view for a meeting.
// score_i = round(min(100, speaking_i / total_speaking * 100)), with the
// total floored at 1 to avoid division by zero.
func (a *Aggregator) Scores(ctx context.Context, meetingCode string) ([]Score, error) {
	if a.store == nil {
		return nil, nil
	}
	records, err := a.store.ListEngagement(ctx, meetingCode)
	if err != nil {
		return nil, err
	}

	var totalSpeaking int64
	for _, rec := range records {
		totalSpeaking += rec.SpeakingTime
	}
	if totalSpeaking < 1 {
		totalSpeaking = 1
	}

	scores := make([]Score, 0, len(records))
	for _, rec := range records {
		ratio := float64(rec.SpeakingTime) / float64(totalSpeaking) * 100
		scores = append(scores, Score{
			MemberKey:    rec.MemberKey,
			SpeakingTime: rec.SpeakingTime,
			CameraOnTime: rec.CameraOnTime,
			ChatMessages: rec.ChatMessages,
			Score:        int(math.Round(math.Min(100, ratio))),
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		if scores[i].SpeakingTime != scores[j].SpeakingTime {
			return scores[i].SpeakingTime > scores[j].SpeakingTime
		}
		return scores[i].MemberKey < scores[j].MemberKey
	})

	return scores, nil
}
