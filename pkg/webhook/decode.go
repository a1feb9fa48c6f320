package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"talkrelay/pkg/domain"
)

// ErrDecode reports that the webhook envelope itself is malformed. Individual
// sub-events never produce this error; unknown kinds decode to
// domain.KindUnsupported instead.
var ErrDecode = errors.New("webhook envelope malformed")

// Envelope is the outer JSON shape of one webhook delivery.
type Envelope struct {
	Destination string      `json:"destination"`
	Events      []wireEvent `json:"events"`
}

type wireEvent struct {
	Type              string                `json:"type"`
	WebhookEventID    string                `json:"webhookEventId"`
	Timestamp         int64                 `json:"timestamp"`
	Source            wireSource            `json:"source"`
	Message           *wireMessage          `json:"message"`
	Postback          *wirePostback         `json:"postback"`
	VideoPlayComplete *wireVideoPlayComplete `json:"videoPlayComplete"`
}

type wireSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type wireMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

type wirePostback struct {
	Data string `json:"data"`
}

type wireVideoPlayComplete struct {
	TrackingID string `json:"trackingId"`
}

// DecodeEnvelope parses a signature-verified webhook body into normalized
// inbound events. The wire format is matched exhaustively here, once; nothing
// downstream looks at raw payload shapes again. A delivery may batch several
// events and each is decoded independently.
func DecodeEnvelope(body []byte) ([]domain.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if strings.TrimSpace(env.Destination) == "" {
		return nil, fmt.Errorf("%w: destination missing", ErrDecode)
	}
	events := make([]domain.InboundEvent, 0, len(env.Events))
	for _, we := range env.Events {
		events = append(events, decodeEvent(we))
	}
	return events, nil
}

func decodeEvent(we wireEvent) domain.InboundEvent {
	ev := domain.InboundEvent{
		ID:             strings.TrimSpace(we.WebhookEventID),
		ExternalAuthID: strings.TrimSpace(we.Source.UserID),
		Timestamp:      time.UnixMilli(we.Timestamp).UTC(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	switch we.Type {
	case "follow":
		ev.Kind = domain.KindFollow
	case "unfollow":
		ev.Kind = domain.KindUnfollow
	case "postback":
		ev.Kind = domain.KindPostback
		data := ""
		if we.Postback != nil {
			data = we.Postback.Data
		}
		ev.Payload.Postback = &domain.PostbackPayload{Data: data}
	case "videoPlayComplete":
		ev.Kind = domain.KindVideoPlayComplete
		trackingID := ""
		if we.VideoPlayComplete != nil {
			trackingID = we.VideoPlayComplete.TrackingID
		}
		ev.Payload.VideoPlayComplete = &domain.VideoPlayCompletePayload{TrackingID: trackingID}
	case "message":
		ev.Kind = domain.KindMessage
		msg := domain.MessagePayload{MessageType: "unknown"}
		if we.Message != nil {
			msg = domain.MessagePayload{
				MessageID:   we.Message.ID,
				MessageType: we.Message.Type,
				Text:        we.Message.Text,
			}
		}
		ev.Payload.Message = &msg
	default:
		// Future platform event kinds degrade to one recorded
		// "unsupported" entry instead of failing the batch.
		ev.Kind = domain.KindUnsupported
		ev.Payload.RawType = we.Type
	}
	return ev
}
