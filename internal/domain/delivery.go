package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "PENDING"
	StatusSent     DeliveryStatus = "SENT"
	StatusSuccess  DeliveryStatus = "SUCCESS"
	StatusRetrying DeliveryStatus = "RETRYING"
	StatusFailed   DeliveryStatus = "FAILED"
)

// DeactivatedMessage is recorded when a pending retry is abandoned because
// its subscriber was switched off.
const DeactivatedMessage = "Webhook deactivated"

var ErrInvalidTransition = errors.New("invalid delivery status transition")

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:  {StatusSent},
	StatusSent:     {StatusSuccess, StatusRetrying, StatusFailed},
	StatusRetrying: {StatusSent, StatusFailed},
}

// CanTransition reports whether a delivery may move from one status to another.
// SUCCESS and FAILED are absorbing.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusSuccess, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

type Delivery struct {
	ID             string            `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	EventType      string            `json:"event_type"`
	EventID        string            `json:"event_id,omitempty"`
	RequestURL     string            `json:"request_url"`
	RequestMethod  string            `json:"request_method"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    json.RawMessage   `json:"request_body"`
	ResponseStatus *int              `json:"response_status,omitempty"`
	ResponseBody   *string           `json:"response_body,omitempty"`
	ResponseTimeMs *int              `json:"response_time_ms,omitempty"`
	Status         DeliveryStatus    `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
}

// NewDelivery creates a PENDING delivery for sub. The retry budget is copied
// from the subscriber so later policy edits do not touch this delivery.
func NewDelivery(sub *Subscriber, eventType, eventID string, payload json.RawMessage, now time.Time) *Delivery {
	return &Delivery{
		ID:            uuid.NewString(),
		SubscriberID:  sub.ID,
		EventType:     eventType,
		EventID:       eventID,
		RequestURL:    sub.URL,
		RequestMethod: "POST",
		RequestBody:   payload,
		Status:        StatusPending,
		MaxRetries:    sub.MaxRetries,
		CreatedAt:     now,
	}
}

func (d *Delivery) transition(to DeliveryStatus) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	return nil
}

// MarkSent claims the delivery for an attempt.
func (d *Delivery) MarkSent(now time.Time) error {
	if d.Status == StatusRetrying && (d.NextRetryAt == nil || d.NextRetryAt.After(now)) {
		return fmt.Errorf("%w: retry not due", ErrInvalidTransition)
	}
	if err := d.transition(StatusSent); err != nil {
		return err
	}
	d.SentAt = &now
	d.NextRetryAt = nil
	return nil
}

// AttemptResult is what one HTTP attempt produced. StatusCode is nil when no
// response was received.
type AttemptResult struct {
	StatusCode     *int
	Body           string
	ResponseTimeMs int
	Err            error
}

// Succeeded reports a 2xx response with no transport error.
func (r AttemptResult) Succeeded() bool {
	return r.Err == nil && r.StatusCode != nil && *r.StatusCode >= 200 && *r.StatusCode < 300
}

// FailureMessage describes a failed attempt.
func (r AttemptResult) FailureMessage() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.StatusCode != nil {
		return fmt.Sprintf("HTTP %d: %s", *r.StatusCode, r.Body)
	}
	return "no response"
}

// RecordAttempt applies the outcome of an attempt to a SENT delivery. A failed
// attempt is retried after retryDelay while retry budget remains, otherwise
// the delivery fails for good.
func (d *Delivery) RecordAttempt(res AttemptResult, retryDelay time.Duration, now time.Time) error {
	if d.Status != StatusSent {
		return fmt.Errorf("%w: recording attempt on %s delivery", ErrInvalidTransition, d.Status)
	}

	elapsed := res.ResponseTimeMs
	d.ResponseTimeMs = &elapsed
	d.ResponseStatus = res.StatusCode
	if res.StatusCode != nil {
		body := res.Body
		d.ResponseBody = &body
	} else {
		d.ResponseBody = nil
	}

	if res.Succeeded() {
		d.ErrorMessage = nil
		d.CompletedAt = &now
		return d.transition(StatusSuccess)
	}

	msg := res.FailureMessage()
	d.ErrorMessage = &msg
	if d.RetryCount < d.MaxRetries {
		next := now.Add(retryDelay)
		d.RetryCount++
		d.NextRetryAt = &next
		return d.transition(StatusRetrying)
	}
	d.CompletedAt = &now
	return d.transition(StatusFailed)
}

// MarkDeactivated fails a waiting retry without consuming retry budget.
func (d *Delivery) MarkDeactivated(now time.Time) error {
	if d.Status != StatusRetrying {
		return fmt.Errorf("%w: deactivating %s delivery", ErrInvalidTransition, d.Status)
	}
	msg := DeactivatedMessage
	d.ErrorMessage = &msg
	d.NextRetryAt = nil
	d.CompletedAt = &now
	return d.transition(StatusFailed)
}

// CheckInvariants validates the relationships between status, retry count
// and timestamps.
func (d *Delivery) CheckInvariants() error {
	if d.RetryCount < 0 || d.RetryCount > d.MaxRetries {
		return fmt.Errorf("retry_count %d outside [0, %d]", d.RetryCount, d.MaxRetries)
	}
	if (d.Status == StatusRetrying) != (d.NextRetryAt != nil) {
		return fmt.Errorf("next_retry_at set=%t with status %s", d.NextRetryAt != nil, d.Status)
	}
	if d.Status.Terminal() != (d.CompletedAt != nil) {
		return fmt.Errorf("completed_at set=%t with status %s", d.CompletedAt != nil, d.Status)
	}
	return nil
}

// DeliverySummary is the list projection; it omits request and response bodies.
type DeliverySummary struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	EventID        string         `json:"event_id,omitempty"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	ResponseTimeMs *int           `json:"response_time_ms,omitempty"`
	Status         DeliveryStatus `json:"status"`
	RetryCount     int            `json:"retry_count"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (d *Delivery) Summary() DeliverySummary {
	return DeliverySummary{
		ID:             d.ID,
		EventType:      d.EventType,
		EventID:        d.EventID,
		ResponseStatus: d.ResponseStatus,
		ResponseTimeMs: d.ResponseTimeMs,
		Status:         d.Status,
		RetryCount:     d.RetryCount,
		ErrorMessage:   d.ErrorMessage,
		CreatedAt:      d.CreatedAt,
		CompletedAt:    d.CompletedAt,
	}
}

type DeliveryStats struct {
	Total             int64   `json:"total"`
	Pending           int64   `json:"pending"`
	Retrying          int64   `json:"retrying"`
	Successful        int64   `json:"successful"`
	Failed            int64   `json:"failed"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// DueRetry is a RETRYING delivery whose next attempt time has passed.
type DueRetry struct {
	DeliveryID       string
	SubscriberID     string
	SubscriberActive bool
	NextRetryAt      time.Time
}
