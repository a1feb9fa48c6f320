package store

import (
	"context"
	"time"

	"talkrelay/pkg/domain"
)

// IdentityStore owns the external-auth-id to internal-user mapping. Backed by
// the relational store; uniqueness of ExternalAuthID is a schema constraint,
// not an application lock.
type IdentityStore interface {
	GetUserByAuthID(ctx context.Context, externalAuthID string) (domain.User, bool, error)
	// CreateUser inserts the user unless a row for the same external auth id
	// already exists, in which case the existing row is returned. Safe under
	// concurrent duplicate deliveries.
	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
}

// ConversationStore owns talk-room summary cards in the document store.
type ConversationStore interface {
	GetTalkRoom(ctx context.Context, id string) (domain.TalkRoom, bool, error)
	// CreateTalkRoom creates the card if absent and reports whether this call
	// created it. Racing creators converge on one card.
	CreateTalkRoom(ctx context.Context, room domain.TalkRoom) (domain.TalkRoom, bool, error)
	ListTalkRooms(ctx context.Context, limit int) ([]domain.TalkRoom, error)
	// UpdateSummary applies a last-writer-wins refresh of the summary fields:
	// the write is dropped when messagedAt is older than the stored value, so
	// LatestMessagedAt and SortTime never move backward.
	UpdateSummary(ctx context.Context, roomID string, summary domain.MessageSummary, messagedAt time.Time) error
	SetFollowing(ctx context.Context, roomID string, following bool) error
}

// TimelineStore owns the append-only event timelines.
type TimelineStore interface {
	// AppendEvent records the event under its talk room. Re-appending the same
	// event id overwrites in place, so redelivery converges.
	AppendEvent(ctx context.Context, event domain.Event) error
	ListEvents(ctx context.Context, roomID string, limit int) ([]domain.Event, error)
	LatestEvent(ctx context.Context, roomID string) (domain.Event, bool, error)
}

// OutboxRecord is one pending downstream notification, written in the same
// relational store as identities and drained by the notify dispatcher.
type OutboxRecord struct {
	ID          uint64     `json:"id"`
	EventID     string     `json:"eventId"`
	TalkRoomID  string     `json:"talkRoomId"`
	Kind        string     `json:"kind"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"createdAt"`
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// OutboxStore persists downstream notifications with at-least-once delivery.
type OutboxStore interface {
	// AppendOutbox is idempotent on EventID; duplicates are ignored.
	AppendOutbox(ctx context.Context, rec OutboxRecord) error
	ListUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, ids []uint64) error
}
