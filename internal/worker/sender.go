package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/metrics"
	"github.com/Priya8975/webhook-notifier/internal/signer"
	"github.com/Priya8975/webhook-notifier/internal/store"
	ws "github.com/Priya8975/webhook-notifier/internal/websocket"
)

// DefaultTimeout bounds one outbound POST.
const DefaultTimeout = 30 * time.Second

// maxResponseBody caps how much of a subscriber's reply is kept.
const maxResponseBody = 1024

// SenderStore is the persistence the Sender needs.
type SenderStore interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	GetSubscriberByID(ctx context.Context, id string) (*domain.Subscriber, error)
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*domain.Delivery, error)
	SaveAttempt(ctx context.Context, d *domain.Delivery, at time.Time) error
	FailRetrying(ctx context.Context, id, message string, now time.Time) (bool, error)
}

// Broadcaster receives live delivery updates.
type Broadcaster interface {
	Broadcast(event ws.DeliveryEvent)
}

// Sender performs one delivery attempt end to end: claim, sign, POST,
// classify and persist.
type Sender struct {
	httpClient *http.Client
	store      SenderStore
	hub        Broadcaster
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewSender builds a Sender. hub and m may be nil.
func NewSender(s SenderStore, timeout time.Duration, hub Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		httpClient: &http.Client{Timeout: timeout},
		store:      s,
		hub:        hub,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Send attempts delivery of deliveryID. It never returns an error: every
// failure is either recorded on the delivery or logged.
func (s *Sender) Send(ctx context.Context, deliveryID string) {
	logger := s.logger.With("delivery_id", deliveryID)

	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		logger.Error("failed to load delivery", "error", err)
		return
	}
	if d == nil {
		logger.Warn("delivery no longer exists, skipping")
		return
	}
	if d.Status != domain.StatusPending && d.Status != domain.StatusRetrying {
		logger.Debug("delivery not awaiting an attempt, skipping", "status", d.Status)
		return
	}

	sub, err := s.store.GetSubscriberByID(ctx, d.SubscriberID)
	if err != nil {
		logger.Error("failed to load subscriber", "error", err, "subscriber_id", d.SubscriberID)
		return
	}
	if sub == nil {
		logger.Warn("subscriber no longer exists, skipping", "subscriber_id", d.SubscriberID)
		return
	}

	if d.Status == domain.StatusRetrying && !sub.IsActive {
		s.abandon(ctx, d, sub)
		return
	}

	claimed, err := s.store.ClaimDelivery(ctx, deliveryID, s.now().UTC())
	if err != nil {
		logger.Error("failed to claim delivery", "error", err)
		return
	}
	if claimed == nil {
		logger.Debug("delivery already claimed or not yet due")
		return
	}

	// Once claimed the attempt runs to completion even during shutdown, so
	// the row never stays stuck in SENT because of a cancelled context.
	s.attempt(context.WithoutCancel(ctx), claimed, sub)
}

func (s *Sender) attempt(ctx context.Context, d *domain.Delivery, sub *domain.Subscriber) {
	started := time.Now()
	result, headers := s.post(ctx, d, sub, s.now().UTC())
	elapsed := time.Since(started)

	finished := s.now().UTC()
	d.RequestURL = sub.URL
	d.RequestHeaders = headers
	if err := d.RecordAttempt(result, sub.RetryDelay(), finished); err != nil {
		s.logger.Error("failed to apply attempt result", "error", err, "delivery_id", d.ID)
		return
	}

	if err := s.store.SaveAttempt(ctx, d, finished); err != nil {
		if errors.Is(err, store.ErrStaleDelivery) {
			s.logger.Warn("delivery changed during attempt, outcome dropped", "delivery_id", d.ID)
			return
		}
		s.logger.Error("failed to record delivery attempt",
			"error", err,
			"delivery_id", d.ID,
			"subscriber_id", d.SubscriberID,
		)
		return
	}

	s.metrics.Attempt(string(d.Status), elapsed)
	s.report(d, sub, result)
}

// post builds, signs and sends the envelope. Failures before the request is
// made come back as a result with Err set, which follows the retry path.
func (s *Sender) post(ctx context.Context, d *domain.Delivery, sub *domain.Subscriber, at time.Time) (domain.AttemptResult, map[string]string) {
	started := time.Now()
	elapsedMs := func() int { return int(time.Since(started).Milliseconds()) }

	body, err := domain.NewEnvelope(d, at).Marshal()
	if err != nil {
		return domain.AttemptResult{Err: fmt.Errorf("encoding payload: %w", err)}, nil
	}

	signature, err := signer.Sign(sub.Secret, body)
	if err != nil {
		return domain.AttemptResult{Err: fmt.Errorf("signing payload: %w", err)}, nil
	}

	headers := map[string]string{
		"Content-Type":          "application/json",
		domain.HeaderSignature:  signature,
		domain.HeaderEventType:  d.EventType,
		domain.HeaderEventID:    d.EventID,
		domain.HeaderDeliveryID: d.ID,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return domain.AttemptResult{Err: fmt.Errorf("building request: %w", err)}, headers
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.AttemptResult{Err: err, ResponseTimeMs: elapsedMs()}, headers
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	code := resp.StatusCode
	return domain.AttemptResult{
		StatusCode:     &code,
		Body:           string(respBody),
		ResponseTimeMs: elapsedMs(),
	}, headers
}

// abandon fails a waiting retry whose subscriber was deactivated. No request
// is made and the retry budget is left untouched.
func (s *Sender) abandon(ctx context.Context, d *domain.Delivery, sub *domain.Subscriber) {
	ok, err := s.store.FailRetrying(ctx, d.ID, domain.DeactivatedMessage, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to abandon delivery", "error", err, "delivery_id", d.ID)
		return
	}
	if !ok {
		return
	}

	s.logger.Info("delivery abandoned, webhook deactivated", "delivery_id", d.ID, "subscriber_id", sub.ID)
	if s.hub != nil {
		s.hub.Broadcast(ws.DeliveryEvent{
			Type:         ws.EventDeliveryFailed,
			OwnerID:      sub.OwnerID,
			DeliveryID:   d.ID,
			SubscriberID: sub.ID,
			EventType:    d.EventType,
			EventID:      d.EventID,
			Status:       string(domain.StatusFailed),
			RetryCount:   d.RetryCount,
			Error:        domain.DeactivatedMessage,
			Timestamp:    s.now().UTC(),
		})
	}
}

func (s *Sender) report(d *domain.Delivery, sub *domain.Subscriber, result domain.AttemptResult) {
	responseMs := 0
	if d.ResponseTimeMs != nil {
		responseMs = *d.ResponseTimeMs
	}
	statusCode := 0
	if result.StatusCode != nil {
		statusCode = *result.StatusCode
	}
	errMsg := ""
	if d.ErrorMessage != nil {
		errMsg = *d.ErrorMessage
	}

	logger := s.logger.With(
		"delivery_id", d.ID,
		"subscriber_id", d.SubscriberID,
		"event_type", d.EventType,
		"event_id", d.EventID,
		"status_code", statusCode,
		"response_time_ms", responseMs,
		"retry_count", d.RetryCount,
	)

	eventType := ws.EventDeliveryFailed
	switch d.Status {
	case domain.StatusSuccess:
		eventType = ws.EventDeliverySucceeded
		logger.Info("delivery successful")
	case domain.StatusRetrying:
		eventType = ws.EventDeliveryRetrying
		logger.Warn("delivery failed, retry scheduled", "error", errMsg, "next_retry_at", d.NextRetryAt)
	default:
		logger.Warn("delivery failed permanently", "error", errMsg)
	}

	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ws.DeliveryEvent{
		Type:         eventType,
		OwnerID:      sub.OwnerID,
		DeliveryID:   d.ID,
		SubscriberID: d.SubscriberID,
		EventType:    d.EventType,
		EventID:      d.EventID,
		Status:       string(d.Status),
		RetryCount:   d.RetryCount,
		StatusCode:   result.StatusCode,
		ResponseMs:   responseMs,
		Error:        errMsg,
		NextRetryAt:  d.NextRetryAt,
		Timestamp:    s.now().UTC(),
	})
}
