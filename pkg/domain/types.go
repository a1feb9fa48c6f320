package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a webhook event after normalization.
type EventKind string

const (
	KindFollow            EventKind = "follow"
	KindUnfollow          EventKind = "unfollow"
	KindPostback          EventKind = "postback"
	KindVideoPlayComplete EventKind = "videoPlayComplete"
	KindMessage           EventKind = "message"
	KindUnsupported       EventKind = "unsupported"
)

// User is the internal identity mapped from a platform auth id.
type User struct {
	ID             string    `json:"id"`
	ExternalAuthID string    `json:"externalAuthId"`
	DisplayName    string    `json:"displayName"`
	PictureURL     string    `json:"pictureUrl"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MessageSummary is the denormalized latest-event projection rendered in
// conversation list rows.
type MessageSummary struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`
}

// TalkRoom is the per-user conversation aggregate. LatestMessagedAt and
// SortTime only ever move forward.
type TalkRoom struct {
	ID                   string         `json:"id"`
	OwnerUserID          string         `json:"ownerUserId"`
	DisplayName          string         `json:"displayName"`
	RSVP                 bool           `json:"rsvp"`
	Pinned               bool           `json:"pinned"`
	Following            bool           `json:"following"`
	LatestMessageSummary MessageSummary `json:"latestMessageSummary"`
	LatestMessagedAt     time.Time      `json:"latestMessagedAt"`
	SortTime             time.Time      `json:"sortTime"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// MessagePayload carries the message sub-event fields kept by this service.
type MessagePayload struct {
	MessageID   string `json:"messageId"`
	MessageType string `json:"messageType"`
	Text        string `json:"text,omitempty"`
}

// PostbackPayload carries the postback data string.
type PostbackPayload struct {
	Data string `json:"data"`
}

// VideoPlayCompletePayload identifies the video whose playback finished.
type VideoPlayCompletePayload struct {
	TrackingID string `json:"trackingId"`
}

// EventPayload is the tagged union of per-kind payloads. Exactly the member
// matching the event kind is set; RawType keeps the wire type string for
// unsupported kinds.
type EventPayload struct {
	Message           *MessagePayload           `json:"message,omitempty"`
	Postback          *PostbackPayload          `json:"postback,omitempty"`
	VideoPlayComplete *VideoPlayCompletePayload `json:"videoPlayComplete,omitempty"`
	RawType           string                    `json:"rawType,omitempty"`
}

// Event is one immutable timeline entry of a TalkRoom.
type Event struct {
	ID         string       `json:"id"`
	TalkRoomID string       `json:"talkRoomId"`
	Kind       EventKind    `json:"kind"`
	Payload    EventPayload `json:"payload"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// InboundEvent is the decoder's normalized output. It is never persisted.
type InboundEvent struct {
	ID             string       `json:"id"`
	ExternalAuthID string       `json:"externalAuthId"`
	Kind           EventKind    `json:"kind"`
	Payload        EventPayload `json:"payload"`
	Timestamp      time.Time    `json:"timestamp"`
}

// talkRoomNamespace scopes deterministic TalkRoom ids so they can never
// collide with ids minted for other aggregates.
var talkRoomNamespace = uuid.MustParse("9a7e6f1c-3d52-4b8a-9f04-2c5d1b7e8a60")

// TalkRoomIDFor derives the stable TalkRoom id for an owner. Concurrent
// first-contact creators compute the same id and converge on one room.
func TalkRoomIDFor(ownerUserID string) string {
	return uuid.NewSHA1(talkRoomNamespace, []byte(ownerUserID)).String()
}

// Summary projects the event into the talk-room summary card.
func (e Event) Summary() MessageSummary {
	switch e.Kind {
	case KindMessage:
		if e.Payload.Message != nil {
			if e.Payload.Message.Text != "" {
				return MessageSummary{Kind: e.Kind, Text: e.Payload.Message.Text}
			}
			return MessageSummary{Kind: e.Kind, Text: "[" + e.Payload.Message.MessageType + "]"}
		}
		return MessageSummary{Kind: e.Kind, Text: "[message]"}
	case KindFollow:
		return MessageSummary{Kind: e.Kind, Text: "Started following"}
	case KindUnfollow:
		return MessageSummary{Kind: e.Kind, Text: "Stopped following"}
	case KindPostback:
		return MessageSummary{Kind: e.Kind, Text: "Postback received"}
	case KindVideoPlayComplete:
		return MessageSummary{Kind: e.Kind, Text: "Video playback finished"}
	default:
		return MessageSummary{Kind: KindUnsupported, Text: "Unsupported event"}
	}
}
