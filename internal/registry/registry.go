// Package registry manages subscriber registrations on behalf of their owners.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/webhook-notifier/internal/apperr"
	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/store"
)

var urlPattern = regexp.MustCompile(`^https?://`)

// Store is the persistence the registry needs.
type Store interface {
	CreateSubscriber(ctx context.Context, sub *domain.Subscriber, limit int) error
	GetSubscriber(ctx context.Context, ownerID, id string) (*domain.Subscriber, error)
	ListSubscribers(ctx context.Context, ownerID string) ([]domain.Subscriber, error)
	UpdateSubscriber(ctx context.Context, ownerID, id string, req domain.UpdateSubscriberRequest, now time.Time) (*domain.Subscriber, error)
	UpdateSubscriberSecret(ctx context.Context, ownerID, id, secret string, now time.Time) (bool, error)
	DeleteSubscriber(ctx context.Context, ownerID, id string) (bool, error)
}

// SecretSource produces new signing secrets.
type SecretSource interface {
	Generate() (string, error)
}

type Registry struct {
	store       Store
	secrets     SecretSource
	maxPerOwner int
	logger      *slog.Logger
	now         func() time.Time
}

func New(s Store, secrets SecretSource, maxPerOwner int, logger *slog.Logger) *Registry {
	if maxPerOwner <= 0 {
		maxPerOwner = domain.MaxSubscribersPerOwner
	}
	return &Registry{
		store:       s,
		secrets:     secrets,
		maxPerOwner: maxPerOwner,
		logger:      logger,
		now:         time.Now,
	}
}

// Create registers a new subscriber. The returned subscriber carries the
// freshly generated secret; it is the only time the caller sees it.
func (r *Registry) Create(ctx context.Context, ownerID string, req domain.CreateSubscriberRequest) (*domain.Subscriber, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	rawURL := strings.TrimSpace(req.URL)
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateDescription(req.Description); err != nil {
		return nil, err
	}
	eventTypes, err := normalizeEventTypes(req.EventTypes)
	if err != nil {
		return nil, err
	}

	maxRetries := domain.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if err := validateMaxRetries(maxRetries); err != nil {
		return nil, err
	}

	retryDelay := domain.DefaultRetryDelaySeconds
	if req.RetryDelaySeconds != nil {
		retryDelay = *req.RetryDelaySeconds
	}
	if err := validateRetryDelay(retryDelay); err != nil {
		return nil, err
	}

	secret, err := r.secrets.Generate()
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate secret")
	}

	now := r.now().UTC()
	sub := &domain.Subscriber{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		URL:               rawURL,
		Description:       req.Description,
		Secret:            secret,
		EventTypes:        eventTypes,
		IsActive:          true,
		MaxRetries:        maxRetries,
		RetryDelaySeconds: retryDelay,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := r.store.CreateSubscriber(ctx, sub, r.maxPerOwner); err != nil {
		switch {
		case errors.Is(err, store.ErrLimitExceeded):
			return nil, apperr.LimitExceeded("maximum number of webhooks reached")
		case errors.Is(err, store.ErrDuplicateURL):
			return nil, apperr.DuplicateResource("a webhook with this url already exists")
		}
		return nil, apperr.Internal(err, "failed to create webhook")
	}

	r.logger.Info("webhook created", "owner_id", ownerID, "subscriber_id", sub.ID, "event_types", eventTypes)
	return sub, nil
}

// List returns the owner's subscribers, newest first.
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.Subscriber, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	subs, err := r.store.ListSubscribers(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list webhooks")
	}
	return subs, nil
}

// Get returns the owner's subscriber. A subscriber that exists under another
// owner yields the same NotFound as one that does not exist.
func (r *Registry) Get(ctx context.Context, ownerID, id string) (*domain.Subscriber, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	sub, err := r.store.GetSubscriber(ctx, ownerID, id)
	if err != nil {
		return nil, apperr.Internal(err, "failed to get webhook")
	}
	if sub == nil {
		return nil, apperr.NotFound("webhook", id)
	}
	return sub, nil
}

// Update applies a partial update. Retry policy changes affect only
// deliveries created afterwards.
func (r *Registry) Update(ctx context.Context, ownerID, id string, req domain.UpdateSubscriberRequest) (*domain.Subscriber, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	if req.URL != nil {
		trimmed := strings.TrimSpace(*req.URL)
		if err := validateURL(trimmed); err != nil {
			return nil, err
		}
		req.URL = &trimmed
	}
	if req.Description != nil {
		if err := validateDescription(*req.Description); err != nil {
			return nil, err
		}
	}
	if req.EventTypes != nil {
		eventTypes, err := normalizeEventTypes(*req.EventTypes)
		if err != nil {
			return nil, err
		}
		req.EventTypes = &eventTypes
	}
	if req.MaxRetries != nil {
		if err := validateMaxRetries(*req.MaxRetries); err != nil {
			return nil, err
		}
	}
	if req.RetryDelaySeconds != nil {
		if err := validateRetryDelay(*req.RetryDelaySeconds); err != nil {
			return nil, err
		}
	}

	sub, err := r.store.UpdateSubscriber(ctx, ownerID, id, req, r.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateURL) {
			return nil, apperr.DuplicateResource("a webhook with this url already exists")
		}
		return nil, apperr.Internal(err, "failed to update webhook")
	}
	if sub == nil {
		return nil, apperr.NotFound("webhook", id)
	}

	r.logger.Info("webhook updated", "owner_id", ownerID, "subscriber_id", id, "is_active", sub.IsActive)
	return sub, nil
}

// Delete removes the subscriber along with its delivery history.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	deleted, err := r.store.DeleteSubscriber(ctx, ownerID, id)
	if err != nil {
		return apperr.Internal(err, "failed to delete webhook")
	}
	if !deleted {
		return apperr.NotFound("webhook", id)
	}

	r.logger.Info("webhook deleted", "owner_id", ownerID, "subscriber_id", id)
	return nil
}

// RegenerateSecret replaces the signing secret. Attempts made after this
// call are signed with the new value.
func (r *Registry) RegenerateSecret(ctx context.Context, ownerID, id string) (*domain.Subscriber, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	secret, err := r.secrets.Generate()
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate secret")
	}

	ok, err := r.store.UpdateSubscriberSecret(ctx, ownerID, id, secret, r.now().UTC())
	if err != nil {
		return nil, apperr.Internal(err, "failed to regenerate secret")
	}
	if !ok {
		return nil, apperr.NotFound("webhook", id)
	}

	sub, err := r.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	r.logger.Info("webhook secret regenerated", "owner_id", ownerID, "subscriber_id", id)
	return sub, nil
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return apperr.Unauthorized("owner identity is required")
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return apperr.InvalidRequest("url", "url is required")
	}
	if len(raw) > domain.MaxURLLength {
		return apperr.InvalidRequest("url", "url must be at most 2048 characters")
	}
	if !urlPattern.MatchString(raw) {
		return apperr.InvalidRequest("url", "url must start with http:// or https://")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperr.InvalidRequest("url", "url is not a valid absolute url")
	}
	return nil
}

func validateDescription(desc string) error {
	if len([]rune(desc)) > domain.MaxDescriptionLength {
		return apperr.InvalidRequest("description", "description must be at most 500 characters")
	}
	return nil
}

// normalizeEventTypes trims and de-duplicates, keeping first-seen order.
func normalizeEventTypes(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, et := range in {
		et = strings.TrimSpace(et)
		if et == "" {
			return nil, apperr.InvalidRequest("event_types", "event types must not be blank")
		}
		if len(et) > domain.MaxEventTypeLength {
			return nil, apperr.InvalidRequest("event_types", "event type must be at most 100 characters")
		}
		if seen[et] {
			continue
		}
		seen[et] = true
		out = append(out, et)
	}
	if len(out) == 0 {
		return nil, apperr.InvalidRequest("event_types", "at least one event type is required")
	}
	return out, nil
}

func validateMaxRetries(n int) error {
	if n < domain.MinMaxRetries || n > domain.MaxMaxRetries {
		return apperr.InvalidRequest("max_retries", "max_retries must be between 0 and 10")
	}
	return nil
}

func validateRetryDelay(n int) error {
	if n < domain.MinRetryDelaySeconds || n > domain.MaxRetryDelaySeconds {
		return apperr.InvalidRequest("retry_delay_seconds", "retry_delay_seconds must be between 10 and 3600")
	}
	return nil
}
