package webhook

import (
	"errors"
	"testing"
	"time"

	"talkrelay/pkg/domain"
)

func TestDecodeEnvelopeMapsKnownKinds(t *testing.T) {
	body := []byte(`{
		"destination": "bot-1",
		"events": [
			{"type":"follow","webhookEventId":"ev-1","timestamp":1700000000000,"source":{"type":"user","userId":"U123"}},
			{"type":"message","webhookEventId":"ev-2","timestamp":1700000001000,"source":{"type":"user","userId":"U123"},"message":{"id":"m-1","type":"text","text":"hello"}},
			{"type":"postback","webhookEventId":"ev-3","timestamp":1700000002000,"source":{"type":"user","userId":"U123"},"postback":{"data":"action=rsvp"}},
			{"type":"videoPlayComplete","webhookEventId":"ev-4","timestamp":1700000003000,"source":{"type":"user","userId":"U123"},"videoPlayComplete":{"trackingId":"track-9"}},
			{"type":"unfollow","webhookEventId":"ev-5","timestamp":1700000004000,"source":{"type":"user","userId":"U123"}}
		]
	}`)

	events, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	kinds := []domain.EventKind{
		domain.KindFollow,
		domain.KindMessage,
		domain.KindPostback,
		domain.KindVideoPlayComplete,
		domain.KindUnfollow,
	}
	for i, want := range kinds {
		if events[i].Kind != want {
			t.Fatalf("event %d: kind %q, want %q", i, events[i].Kind, want)
		}
		if events[i].ExternalAuthID != "U123" {
			t.Fatalf("event %d: auth id %q", i, events[i].ExternalAuthID)
		}
	}
	if got := events[0].Timestamp; !got.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("unexpected timestamp: %v", got)
	}
	if events[1].Payload.Message == nil || events[1].Payload.Message.Text != "hello" {
		t.Fatalf("message payload not mapped: %+v", events[1].Payload)
	}
	if events[2].Payload.Postback == nil || events[2].Payload.Postback.Data != "action=rsvp" {
		t.Fatalf("postback payload not mapped: %+v", events[2].Payload)
	}
	if events[3].Payload.VideoPlayComplete == nil || events[3].Payload.VideoPlayComplete.TrackingID != "track-9" {
		t.Fatalf("video payload not mapped: %+v", events[3].Payload)
	}
}

func TestDecodeEnvelopeKeepsUnknownKindAsUnsupported(t *testing.T) {
	body := []byte(`{
		"destination": "bot-1",
		"events": [
			{"type":"memberJoined","webhookEventId":"ev-1","timestamp":1700000000000,"source":{"type":"user","userId":"U9"}},
			{"type":"message","webhookEventId":"ev-2","timestamp":1700000001000,"source":{"type":"user","userId":"U9"},"message":{"id":"m-1","type":"text","text":"still here"}}
		]
	}`)

	events, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected unknown kind to survive alongside sibling, got %d events", len(events))
	}
	if events[0].Kind != domain.KindUnsupported {
		t.Fatalf("expected unsupported kind, got %q", events[0].Kind)
	}
	if events[0].Payload.RawType != "memberJoined" {
		t.Fatalf("expected raw type preserved, got %q", events[0].Payload.RawType)
	}
	if events[1].Kind != domain.KindMessage {
		t.Fatalf("sibling event lost: %+v", events[1])
	}
}

func TestDecodeEnvelopeGeneratesIDWhenMissing(t *testing.T) {
	body := []byte(`{"destination":"bot-1","events":[{"type":"follow","timestamp":1,"source":{"type":"user","userId":"U9"}}]}`)
	events, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events[0].ID == "" {
		t.Fatal("expected generated event id")
	}
}

func TestDecodeEnvelopeRejectsMalformedEnvelope(t *testing.T) {
	for _, body := range []string{`not json`, `{"events":[]}`, `[]`} {
		if _, err := DecodeEnvelope([]byte(body)); !errors.Is(err, ErrDecode) {
			t.Fatalf("body %q: expected ErrDecode, got %v", body, err)
		}
	}
}

func TestDecodeEnvelopeAllowsEmptyBatch(t *testing.T) {
	events, err := DecodeEnvelope([]byte(`{"destination":"bot-1","events":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
