package domain

import (
	"math"
	"slices"
	"time"
)

const (
	MaxSubscribersPerOwner   = 10
	MaxURLLength             = 2048
	MaxDescriptionLength     = 500
	MaxEventTypeLength       = 100
	DefaultMaxRetries        = 3
	MinMaxRetries            = 0
	MaxMaxRetries            = 10
	DefaultRetryDelaySeconds = 60
	MinRetryDelaySeconds     = 10
	MaxRetryDelaySeconds     = 3600
)

type Subscriber struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	URL                  string     `json:"url"`
	Description          string     `json:"description"`
	Secret               string     `json:"-"`
	EventTypes           []string   `json:"event_types"`
	IsActive             bool       `json:"is_active"`
	MaxRetries           int        `json:"max_retries"`
	RetryDelaySeconds    int        `json:"retry_delay_seconds"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Subscribes reports whether the subscriber wants events of the given type.
func (s *Subscriber) Subscribes(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

func (s *Subscriber) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// SuccessRate is the percentage of successful attempts, rounded to two
// decimals. Zero when nothing has been delivered yet.
func (s *Subscriber) SuccessRate() float64 {
	if s.TotalDeliveries == 0 {
		return 0
	}
	rate := float64(s.SuccessfulDeliveries) / float64(s.TotalDeliveries) * 100
	return math.Round(rate*100) / 100
}

type CreateSubscriberRequest struct {
	URL               string   `json:"url"`
	Description       string   `json:"description"`
	EventTypes        []string `json:"event_types"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
	RetryDelaySeconds *int     `json:"retry_delay_seconds,omitempty"`
}

// UpdateSubscriberRequest carries a partial update; nil fields are left as is.
type UpdateSubscriberRequest struct {
	URL               *string   `json:"url,omitempty"`
	Description       *string   `json:"description,omitempty"`
	EventTypes        *[]string `json:"event_types,omitempty"`
	IsActive          *bool     `json:"is_active,omitempty"`
	MaxRetries        *int      `json:"max_retries,omitempty"`
	RetryDelaySeconds *int      `json:"retry_delay_seconds,omitempty"`
}

// SubscriberView is the admin projection of a subscriber. It never carries
// the secret.
type SubscriberView struct {
	ID                   string     `json:"id"`
	URL                  string     `json:"url"`
	Description          string     `json:"description"`
	EventTypes           []string   `json:"event_types"`
	IsActive             bool       `json:"is_active"`
	MaxRetries           int        `json:"max_retries"`
	RetryDelaySeconds    int        `json:"retry_delay_seconds"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	SuccessRate          float64    `json:"success_rate"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func NewSubscriberView(s *Subscriber) SubscriberView {
	return SubscriberView{
		ID:                   s.ID,
		URL:                  s.URL,
		Description:          s.Description,
		EventTypes:           s.EventTypes,
		IsActive:             s.IsActive,
		MaxRetries:           s.MaxRetries,
		RetryDelaySeconds:    s.RetryDelaySeconds,
		TotalDeliveries:      s.TotalDeliveries,
		SuccessfulDeliveries: s.SuccessfulDeliveries,
		FailedDeliveries:     s.FailedDeliveries,
		SuccessRate:          s.SuccessRate(),
		LastDeliveryAt:       s.LastDeliveryAt,
		LastSuccessAt:        s.LastSuccessAt,
		LastFailureAt:        s.LastFailureAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// SubscriberWithSecret is returned only by create and regenerate-secret.
type SubscriberWithSecret struct {
	SubscriberView
	Secret string `json:"secret"`
}
