package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"talkrelay/pkg/domain"
)

func newTestTalkStore(t *testing.T) *RedisTalkStore {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	s, err := NewRedisTalkStore(redisSrv.Addr(), "")
	if err != nil {
		t.Fatalf("new talk store: %v", err)
	}
	return s
}

func testRoom(ownerID string, at time.Time) domain.TalkRoom {
	return domain.TalkRoom{
		ID:          domain.TalkRoomIDFor(ownerID),
		OwnerUserID: ownerID,
		DisplayName: "Alice",
		Following:   true,
		LatestMessageSummary: domain.MessageSummary{
			Kind: domain.KindFollow,
			Text: "Started following",
		},
		LatestMessagedAt: at,
		SortTime:         at,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

func TestCreateTalkRoomRoundTrip(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000000).UTC()

	room, created, err := s.CreateTalkRoom(ctx, testRoom("user-1", at))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first create")
	}

	got, found, err := s.GetTalkRoom(ctx, room.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.OwnerUserID != "user-1" || !got.Following || got.Pinned {
		t.Fatalf("unexpected card: %+v", got)
	}
	if !got.LatestMessagedAt.Equal(at) || !got.SortTime.Equal(at) {
		t.Fatalf("unexpected card times: %+v", got)
	}
}

func TestCreateTalkRoomConvergesUnderRace(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000000).UTC()

	const workers = 4
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	createdCount := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, created, err := s.CreateTalkRoom(ctx, testRoom("user-race", at))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			createdCount <- created
		}()
	}
	close(start)
	wg.Wait()
	close(createdCount)

	creators := 0
	for created := range createdCount {
		if created {
			creators++
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one creator, got %d", creators)
	}

	rooms, err := s.ListTalkRooms(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected one talk room, got %d", len(rooms))
	}
}

func TestUpdateSummaryIsMonotonic(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000).UTC()
	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)

	room, _, err := s.CreateTalkRoom(ctx, testRoom("user-2", t0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Later event lands first; earlier event must not roll the summary back.
	if err := s.UpdateSummary(ctx, room.ID, domain.MessageSummary{Kind: domain.KindMessage, Text: "second"}, t2); err != nil {
		t.Fatalf("update t2: %v", err)
	}
	if err := s.UpdateSummary(ctx, room.ID, domain.MessageSummary{Kind: domain.KindMessage, Text: "first"}, t1); err != nil {
		t.Fatalf("update t1: %v", err)
	}

	got, _, err := s.GetTalkRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LatestMessagedAt.Equal(t2) {
		t.Fatalf("latestMessagedAt rolled back: got %v want %v", got.LatestMessagedAt, t2)
	}
	if got.LatestMessageSummary.Text != "second" {
		t.Fatalf("summary rolled back: %+v", got.LatestMessageSummary)
	}
	if !got.SortTime.Equal(t2) {
		t.Fatalf("sortTime rolled back: %v", got.SortTime)
	}
}

func TestUpdateSummaryEqualTimestampWins(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000).UTC()

	room, _, err := s.CreateTalkRoom(ctx, testRoom("user-3", t0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateSummary(ctx, room.ID, domain.MessageSummary{Kind: domain.KindMessage, Text: "replayed"}, t0); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := s.GetTalkRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LatestMessageSummary.Text != "replayed" {
		t.Fatalf("equal-timestamp update should apply, got %+v", got.LatestMessageSummary)
	}
}

func TestUpdateSummaryMissingRoom(t *testing.T) {
	s := newTestTalkStore(t)
	err := s.UpdateSummary(context.Background(), "nope", domain.MessageSummary{}, time.Now())
	if !errors.Is(err, ErrTalkRoomNotFound) {
		t.Fatalf("expected ErrTalkRoomNotFound, got %v", err)
	}
}

func TestAppendEventKeepsBothOrdersInTimeline(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000).UTC()
	roomID := domain.TalkRoomIDFor("user-4")

	if _, _, err := s.CreateTalkRoom(ctx, testRoom("user-4", t0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := domain.Event{
		ID: "ev-2", TalkRoomID: roomID, Kind: domain.KindMessage,
		Payload:   domain.EventPayload{Message: &domain.MessagePayload{MessageID: "m2", MessageType: "text", Text: "two"}},
		CreatedAt: t0.Add(2 * time.Second),
	}
	earlier := domain.Event{
		ID: "ev-1", TalkRoomID: roomID, Kind: domain.KindMessage,
		Payload:   domain.EventPayload{Message: &domain.MessagePayload{MessageID: "m1", MessageType: "text", Text: "one"}},
		CreatedAt: t0.Add(time.Second),
	}

	// Arrival order is the reverse of event time.
	if err := s.AppendEvent(ctx, later); err != nil {
		t.Fatalf("append later: %v", err)
	}
	if err := s.AppendEvent(ctx, earlier); err != nil {
		t.Fatalf("append earlier: %v", err)
	}

	events, err := s.ListEvents(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both events in timeline, got %d", len(events))
	}
	if events[0].ID != "ev-1" || events[1].ID != "ev-2" {
		t.Fatalf("timeline not ordered by event time: %s, %s", events[0].ID, events[1].ID)
	}

	latest, found, err := s.LatestEvent(ctx, roomID)
	if err != nil || !found {
		t.Fatalf("latest: found=%v err=%v", found, err)
	}
	if latest.ID != "ev-2" {
		t.Fatalf("latest event should be ev-2, got %s", latest.ID)
	}
}

func TestAppendEventIsIdempotent(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	roomID := domain.TalkRoomIDFor("user-5")
	event := domain.Event{
		ID: "ev-dup", TalkRoomID: roomID, Kind: domain.KindFollow,
		CreatedAt: time.UnixMilli(1700000000000).UTC(),
	}
	if err := s.AppendEvent(ctx, event); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEvent(ctx, event); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	events, err := s.ListEvents(ctx, roomID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("redelivered event duplicated: %d entries", len(events))
	}
}

func TestSetFollowing(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000).UTC()

	room, _, err := s.CreateTalkRoom(ctx, testRoom("user-6", t0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetFollowing(ctx, room.ID, false); err != nil {
		t.Fatalf("set following: %v", err)
	}
	got, _, err := s.GetTalkRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Following {
		t.Fatal("expected following=false")
	}
	if err := s.SetFollowing(ctx, "missing", true); !errors.Is(err, ErrTalkRoomNotFound) {
		t.Fatalf("expected ErrTalkRoomNotFound, got %v", err)
	}
}

func TestListTalkRoomsOrdersBySortTime(t *testing.T) {
	s := newTestTalkStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000).UTC()

	a, _, err := s.CreateTalkRoom(ctx, testRoom("user-a", t0))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, _, err := s.CreateTalkRoom(ctx, testRoom("user-b", t0.Add(time.Second)))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	// a gets a newer message and should move to the top.
	if err := s.UpdateSummary(ctx, a.ID, domain.MessageSummary{Kind: domain.KindMessage, Text: "new"}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("update: %v", err)
	}

	rooms, err := s.ListTalkRooms(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != a.ID || rooms[1].ID != b.ID {
		t.Fatalf("unexpected order: %s, %s", rooms[0].ID, rooms[1].ID)
	}
}
