package cache

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TranscriptEntry one buffered transcript chunk for a meeting
type TranscriptEntry struct {
	MeetingCode string    `json:"meetingCode"`
	SpeakerKey  string    `json:"speakerKey"`
	SpeakerName string    `json:"speakerName"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// EngagementCounters accumulated activity for one (meeting, member)
type EngagementCounters struct {
	MemberKey    string `json:"memberKey"`
	SpeakingTime int64  `json:"speakingTime"`
	CameraOnTime int64  `json:"cameraOnTime"`
	ChatMessages int64  `json:"chatMessages"`
}

// RedisClient wraps Redis for transcript buffering and engagement counters
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func transcriptKey(meetingCode string) string {
	return "meeting:" + meetingCode + ":transcripts"
}

func engagementKey(meetingCode string) string {
	return "meeting:" + meetingCode + ":engagement"
}

// AddTranscript appends a transcript chunk to the meeting's buffer
func (r *RedisClient) AddTranscript(ctx context.Context, meetingCode string, t *TranscriptEntry) error {
	key := transcriptKey(meetingCode)
	t.Timestamp = time.Now()

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		log.Printf("[Redis] Failed to add transcript: %v", err)
		return err
	}

	// keep abandoned buffers from living forever
	r.client.Expire(ctx, key, 24*time.Hour)

	return nil
}

// GetTranscripts retrieves all buffered transcripts for a meeting
func (r *RedisClient) GetTranscripts(ctx context.Context, meetingCode string) ([]TranscriptEntry, error) {
	key := transcriptKey(meetingCode)

	results, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	transcripts := make([]TranscriptEntry, 0, len(results))
	for _, data := range results {
		var t TranscriptEntry
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		transcripts = append(transcripts, t)
	}

	return transcripts, nil
}

// FlushTranscripts retrieves the buffer and deletes it.
// Used when moving an ended meeting's transcript to the durable store.
func (r *RedisClient) FlushTranscripts(ctx context.Context, meetingCode string) ([]TranscriptEntry, error) {
	transcripts, err := r.GetTranscripts(ctx, meetingCode)
	if err != nil {
		return nil, err
	}

	r.client.Del(ctx, transcriptKey(meetingCode))

	log.Printf("[Redis] Flushed %d transcripts for meeting %s", len(transcripts), meetingCode)
	return transcripts, nil
}

// IncrementEngagement adds deltas onto a member's counters via single-field
// atomic increments; Redis provides the per-increment atomicity.
func (r *RedisClient) IncrementEngagement(ctx context.Context, meetingCode, memberKey string, speaking, camera, chat int64) error {
	key := engagementKey(meetingCode)

	if speaking > 0 {
		if err := r.client.HIncrBy(ctx, key, memberKey+":speaking", speaking).Err(); err != nil {
			return err
		}
	}
	if camera > 0 {
		if err := r.client.HIncrBy(ctx, key, memberKey+":camera", camera).Err(); err != nil {
			return err
		}
	}
	if chat > 0 {
		if err := r.client.HIncrBy(ctx, key, memberKey+":chat", chat).Err(); err != nil {
			return err
		}
	}

	r.client.Expire(ctx, key, 24*time.Hour)
	return nil
}

// ListEngagement returns all members' counters for a meeting
func (r *RedisClient) ListEngagement(ctx context.Context, meetingCode string) ([]EngagementCounters, error) {
	fields, err := r.client.HGetAll(ctx, engagementKey(meetingCode)).Result()
	if err != nil {
		return nil, err
	}

	byMember := make(map[string]*EngagementCounters)
	for field, raw := range fields {
		idx := strings.LastIndex(field, ":")
		if idx < 0 {
			continue
		}
		memberKey, counter := field[:idx], field[idx+1:]

		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		rec, ok := byMember[memberKey]
		if !ok {
			rec = &EngagementCounters{MemberKey: memberKey}
			byMember[memberKey] = rec
		}

		switch counter {
		case "speaking":
			rec.SpeakingTime = value
		case "camera":
			rec.CameraOnTime = value
		case "chat":
			rec.ChatMessages = value
		}
	}

	records := make([]EngagementCounters, 0, len(byMember))
	for _, rec := range byMember {
		records = append(records, *rec)
	}
	return records, nil
}

// DeleteMeeting removes all volatile state for a meeting
func (r *RedisClient) DeleteMeeting(ctx context.Context, meetingCode string) error {
	return r.client.Del(ctx, transcriptKey(meetingCode), engagementKey(meetingCode)).Err()
}

// Health checks the connection
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
