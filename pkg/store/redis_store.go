package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"talkrelay/pkg/domain"
)

// ErrTalkRoomNotFound is returned by card mutations targeting an id that was
// never created.
var ErrTalkRoomNotFound = errors.New("talk room not found")

// createRoomScript claims the card key atomically; the HSETNX on "id" is the
// guard, so two racing first-contact creators produce exactly one card.
var createRoomScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], "id", ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1],
  "owner_user_id", ARGV[2],
  "display_name", ARGV[3],
  "rsvp", ARGV[4],
  "pinned", ARGV[5],
  "following", ARGV[6],
  "summary_kind", ARGV[7],
  "summary_text", ARGV[8],
  "latest_messaged_at_ms", ARGV[9],
  "sort_time_ms", ARGV[9],
  "created_at", ARGV[10],
  "updated_at", ARGV[10])
redis.call("ZADD", KEYS[2], tonumber(ARGV[9]), ARGV[1])
return 1
`)

// updateSummaryScript applies a last-writer-wins refresh: the stored
// latest_messaged_at_ms only moves forward, regardless of arrival order.
var updateSummaryScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local cur = redis.call("HGET", KEYS[1], "latest_messaged_at_ms")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1],
  "latest_messaged_at_ms", ARGV[1],
  "sort_time_ms", ARGV[1],
  "summary_kind", ARGV[2],
  "summary_text", ARGV[3],
  "updated_at", ARGV[4])
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), ARGV[5])
return 1
`)

// RedisTalkStore implements ConversationStore and TimelineStore on Redis.
// Cards are hashes, timelines are a body hash plus an order zset keyed by the
// event timestamp, and a global zset indexes cards by sort time for listing.
type RedisTalkStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTalkStore connects to Redis.
func NewRedisTalkStore(addr, password string) (*RedisTalkStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisTalkStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: "talkrelay",
	}, nil
}

func (s *RedisTalkStore) cardKey(roomID string) string {
	return fmt.Sprintf("%s:talkroom:%s", s.prefix, roomID)
}

func (s *RedisTalkStore) timelineKey(roomID string) string {
	return fmt.Sprintf("%s:talkroom:%s:timeline", s.prefix, roomID)
}

func (s *RedisTalkStore) eventsKey(roomID string) string {
	return fmt.Sprintf("%s:talkroom:%s:events", s.prefix, roomID)
}

func (s *RedisTalkStore) sortIndexKey() string {
	return fmt.Sprintf("%s:talkrooms:by_sort", s.prefix)
}

// GetTalkRoom reads one card.
func (s *RedisTalkStore) GetTalkRoom(ctx context.Context, id string) (domain.TalkRoom, bool, error) {
	data, err := s.client.HGetAll(ctx, s.cardKey(id)).Result()
	if err != nil {
		return domain.TalkRoom{}, false, err
	}
	if len(data) == 0 {
		return domain.TalkRoom{}, false, nil
	}
	return roomFromHash(data), true, nil
}

// CreateTalkRoom creates the card if absent. When another creator won the
// race, the stored card is read back and returned with created=false.
func (s *RedisTalkStore) CreateTalkRoom(ctx context.Context, room domain.TalkRoom) (domain.TalkRoom, bool, error) {
	res, err := createRoomScript.Run(ctx, s.client,
		[]string{s.cardKey(room.ID), s.sortIndexKey()},
		room.ID,
		room.OwnerUserID,
		room.DisplayName,
		encodeBool(room.RSVP),
		encodeBool(room.Pinned),
		encodeBool(room.Following),
		string(room.LatestMessageSummary.Kind),
		room.LatestMessageSummary.Text,
		strconv.FormatInt(room.LatestMessagedAt.UnixMilli(), 10),
		room.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return domain.TalkRoom{}, false, err
	}
	if res == 1 {
		return room, true, nil
	}
	existing, found, err := s.GetTalkRoom(ctx, room.ID)
	if err != nil {
		return domain.TalkRoom{}, false, err
	}
	if !found {
		return domain.TalkRoom{}, false, fmt.Errorf("talk room %s vanished after conflicting create", room.ID)
	}
	return existing, false, nil
}

// ListTalkRooms returns cards ordered by sort time, newest first.
func (s *RedisTalkStore) ListTalkRooms(ctx context.Context, limit int) ([]domain.TalkRoom, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, s.sortIndexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]domain.TalkRoom, 0, len(ids))
	for _, id := range ids {
		room, found, err := s.GetTalkRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// UpdateSummary refreshes the card's latest-message projection, dropping the
// write when a later event already updated it.
func (s *RedisTalkStore) UpdateSummary(ctx context.Context, roomID string, summary domain.MessageSummary, messagedAt time.Time) error {
	res, err := updateSummaryScript.Run(ctx, s.client,
		[]string{s.cardKey(roomID), s.sortIndexKey()},
		strconv.FormatInt(messagedAt.UnixMilli(), 10),
		string(summary.Kind),
		summary.Text,
		time.Now().UTC().Format(time.RFC3339Nano),
		roomID,
	).Int64()
	if err != nil {
		return err
	}
	if res == -1 {
		return fmt.Errorf("%w: %s", ErrTalkRoomNotFound, roomID)
	}
	return nil
}

// SetFollowing flips the card's following flag.
func (s *RedisTalkStore) SetFollowing(ctx context.Context, roomID string, following bool) error {
	key := s.cardKey(roomID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrTalkRoomNotFound, roomID)
	}
	return s.client.HSet(ctx, key,
		"following", encodeBool(following),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
}

// AppendEvent writes the immutable event body and its order-index entry in
// one transaction. Field and member are the event id, so a redelivered event
// overwrites itself instead of duplicating.
func (s *RedisTalkStore) AppendEvent(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.eventsKey(event.TalkRoomID), event.ID, string(body))
	pipe.ZAdd(ctx, s.timelineKey(event.TalkRoomID), redis.Z{
		Score:  float64(event.CreatedAt.UnixMilli()),
		Member: event.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// ListEvents returns the oldest events first, up to limit.
func (s *RedisTalkStore) ListEvents(ctx context.Context, roomID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.timelineKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return s.readEvents(ctx, roomID, ids)
}

// LatestEvent returns the timeline entry with the greatest timestamp.
func (s *RedisTalkStore) LatestEvent(ctx context.Context, roomID string) (domain.Event, bool, error) {
	ids, err := s.client.ZRevRange(ctx, s.timelineKey(roomID), 0, 0).Result()
	if err != nil {
		return domain.Event{}, false, err
	}
	if len(ids) == 0 {
		return domain.Event{}, false, nil
	}
	events, err := s.readEvents(ctx, roomID, ids)
	if err != nil {
		return domain.Event{}, false, err
	}
	if len(events) == 0 {
		return domain.Event{}, false, nil
	}
	return events[0], true, nil
}

func (s *RedisTalkStore) readEvents(ctx context.Context, roomID string, ids []string) ([]domain.Event, error) {
	if len(ids) == 0 {
		return []domain.Event{}, nil
	}
	bodies, err := s.client.HMGet(ctx, s.eventsKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(bodies))
	for _, body := range bodies {
		raw, ok := body.(string)
		if !ok || raw == "" {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func roomFromHash(data map[string]string) domain.TalkRoom {
	room := domain.TalkRoom{
		ID:          data["id"],
		OwnerUserID: data["owner_user_id"],
		DisplayName: data["display_name"],
		RSVP:        data["rsvp"] == "1",
		Pinned:      data["pinned"] == "1",
		Following:   data["following"] == "1",
		LatestMessageSummary: domain.MessageSummary{
			Kind: domain.EventKind(data["summary_kind"]),
			Text: data["summary_text"],
		},
	}
	if ms, err := strconv.ParseInt(data["latest_messaged_at_ms"], 10, 64); err == nil {
		room.LatestMessagedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(data["sort_time_ms"], 10, 64); err == nil {
		room.SortTime = time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		room.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		room.UpdatedAt = t
	}
	return room
}

func encodeBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
