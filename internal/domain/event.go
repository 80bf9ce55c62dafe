package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Event types raised by the content services.
const (
	EventComicLiked           = "comic.liked"
	EventComicShared          = "comic.shared"
	EventComicSaved           = "comic.saved"
	EventNewsletterSubscribed = "newsletter.subscribed"
)

// Headers set on every outbound delivery request.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEventType  = "X-Event-Type"
	HeaderEventID    = "X-Event-ID"
	HeaderDeliveryID = "X-Delivery-ID"
)

// Event is what a producer hands to the dispatcher.
type Event struct {
	Type    string          `json:"event_type"`
	ID      string          `json:"event_id,omitempty"`
	Payload json.RawMessage `json:"data"`
}

// Envelope is the body POSTed to subscribers. Field order is fixed so the
// serialized bytes are stable for a given attempt.
type Envelope struct {
	EventType  string          `json:"event_type"`
	EventID    *string         `json:"event_id"`
	DeliveryID string          `json:"delivery_id"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// NewEnvelope wraps the delivery payload with a timestamp for this attempt.
func NewEnvelope(d *Delivery, at time.Time) Envelope {
	var eventID *string
	if d.EventID != "" {
		id := d.EventID
		eventID = &id
	}
	data := d.RequestBody
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		EventType:  d.EventType,
		EventID:    eventID,
		DeliveryID: d.ID,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		Data:       data,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
