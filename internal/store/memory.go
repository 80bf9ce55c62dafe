package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// MemoryStore keeps subscribers and deliveries in process. It honours the
// same conditional updates as PostgresStore and backs tests and local runs
// without a database.
type MemoryStore struct {
	mu          sync.Mutex
	subscribers map[string]*domain.Subscriber
	deliveries  map[string]*domain.Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscribers: make(map[string]*domain.Subscriber),
		deliveries:  make(map[string]*domain.Delivery),
	}
}

func cloneSubscriber(s *domain.Subscriber) *domain.Subscriber {
	c := *s
	c.EventTypes = slices.Clone(s.EventTypes)
	return &c
}

func cloneDelivery(d *domain.Delivery) *domain.Delivery {
	c := *d
	c.RequestBody = slices.Clone(d.RequestBody)
	if d.RequestHeaders != nil {
		c.RequestHeaders = make(map[string]string, len(d.RequestHeaders))
		for k, v := range d.RequestHeaders {
			c.RequestHeaders[k] = v
		}
	}
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

func (m *MemoryStore) CreateSubscriber(_ context.Context, sub *domain.Subscriber, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.subscribers {
		if s.OwnerID == sub.OwnerID {
			count++
		}
	}
	if count >= limit {
		return ErrLimitExceeded
	}
	for _, s := range m.subscribers {
		if s.OwnerID == sub.OwnerID && s.URL == sub.URL {
			return ErrDuplicateURL
		}
	}

	stored := cloneSubscriber(sub)
	stored.UpdatedAt = stored.CreatedAt
	sub.UpdatedAt = stored.CreatedAt
	m.subscribers[sub.ID] = stored
	return nil
}

func (m *MemoryStore) GetSubscriber(_ context.Context, ownerID, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscribers[id]
	if !ok || s.OwnerID != ownerID {
		return nil, nil
	}
	return cloneSubscriber(s), nil
}

func (m *MemoryStore) GetSubscriberByID(_ context.Context, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscribers[id]
	if !ok {
		return nil, nil
	}
	return cloneSubscriber(s), nil
}

func (m *MemoryStore) ListSubscribers(_ context.Context, ownerID string) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers := []domain.Subscriber{}
	for _, s := range m.subscribers {
		if s.OwnerID == ownerID {
			subscribers = append(subscribers, *cloneSubscriber(s))
		}
	}
	sort.Slice(subscribers, func(i, j int) bool {
		return subscribers[i].CreatedAt.After(subscribers[j].CreatedAt)
	})
	return subscribers, nil
}

func (m *MemoryStore) FindActiveSubscribersForEvent(_ context.Context, eventType string) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers := []domain.Subscriber{}
	for _, s := range m.subscribers {
		if s.IsActive && s.Subscribes(eventType) {
			subscribers = append(subscribers, *cloneSubscriber(s))
		}
	}
	sort.Slice(subscribers, func(i, j int) bool {
		return subscribers[i].CreatedAt.Before(subscribers[j].CreatedAt)
	})
	return subscribers, nil
}

func (m *MemoryStore) UpdateSubscriber(_ context.Context, ownerID, id string, req domain.UpdateSubscriberRequest, now time.Time) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscribers[id]
	if !ok || s.OwnerID != ownerID {
		return nil, nil
	}

	if req.URL != nil && *req.URL != s.URL {
		for _, other := range m.subscribers {
			if other.OwnerID == ownerID && other.ID != id && other.URL == *req.URL {
				return nil, ErrDuplicateURL
			}
		}
	}

	changed := false
	if req.URL != nil {
		s.URL = *req.URL
		changed = true
	}
	if req.Description != nil {
		s.Description = *req.Description
		changed = true
	}
	if req.EventTypes != nil {
		s.EventTypes = slices.Clone(*req.EventTypes)
		changed = true
	}
	if req.IsActive != nil {
		s.IsActive = *req.IsActive
		changed = true
	}
	if req.MaxRetries != nil {
		s.MaxRetries = *req.MaxRetries
		changed = true
	}
	if req.RetryDelaySeconds != nil {
		s.RetryDelaySeconds = *req.RetryDelaySeconds
		changed = true
	}
	if changed {
		s.UpdatedAt = now
	}
	return cloneSubscriber(s), nil
}

func (m *MemoryStore) UpdateSubscriberSecret(_ context.Context, ownerID, id, secret string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscribers[id]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	s.Secret = secret
	s.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) DeleteSubscriber(_ context.Context, ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscribers[id]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	delete(m.subscribers, id)
	for did, d := range m.deliveries {
		if d.SubscriberID == id {
			delete(m.deliveries, did)
		}
	}
	return true, nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, nil
	}
	return cloneDelivery(d), nil
}

func (m *MemoryStore) ClaimDelivery(_ context.Context, id string, now time.Time) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, nil
	}
	if err := d.MarkSent(now); err != nil {
		return nil, nil
	}
	return cloneDelivery(d), nil
}

func (m *MemoryStore) SaveAttempt(_ context.Context, d *domain.Delivery, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.deliveries[d.ID]
	if !ok || current.Status != domain.StatusSent {
		return ErrStaleDelivery
	}
	m.deliveries[d.ID] = cloneDelivery(d)

	if s, ok := m.subscribers[d.SubscriberID]; ok {
		s.TotalDeliveries++
		s.LastDeliveryAt = timePtr(at)
		if d.Status == domain.StatusSuccess {
			s.SuccessfulDeliveries++
			s.LastSuccessAt = timePtr(at)
		} else {
			s.FailedDeliveries++
			s.LastFailureAt = timePtr(at)
		}
	}
	return nil
}

func (m *MemoryStore) FailRetrying(_ context.Context, id, message string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok || d.Status != domain.StatusRetrying {
		return false, nil
	}
	d.Status = domain.StatusFailed
	d.ErrorMessage = &message
	d.NextRetryAt = nil
	d.CompletedAt = timePtr(now)
	return true, nil
}

func (m *MemoryStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]domain.DueRetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := []domain.DueRetry{}
	for _, d := range m.deliveries {
		if d.Status != domain.StatusRetrying || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		active := false
		if s, ok := m.subscribers[d.SubscriberID]; ok {
			active = s.IsActive
		}
		due = append(due, domain.DueRetry{
			DeliveryID:       d.ID,
			SubscriberID:     d.SubscriberID,
			SubscriberActive: active,
			NextRetryAt:      *d.NextRetryAt,
		})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*domain.Delivery
	for _, d := range m.deliveries {
		if d.Status == domain.StatusPending && !d.CreatedAt.After(cutoff) {
			stale = append(stale, d)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	ids := []string{}
	for _, d := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (m *MemoryStore) ListStaleSent(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*domain.Delivery
	for _, d := range m.deliveries {
		if d.Status == domain.StatusSent && d.SentAt != nil && !d.SentAt.After(cutoff) {
			stale = append(stale, d)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SentAt.Before(*stale[j].SentAt) })

	ids := []string{}
	for _, d := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// sortedDeliveries returns matching deliveries newest first, mirroring the
// ORDER BY used in Postgres.
func (m *MemoryStore) sortedDeliveries(match func(*domain.Delivery) bool) []*domain.Delivery {
	var out []*domain.Delivery
	for _, d := range m.deliveries {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListDeliveries(_ context.Context, subscriberID string, offset, limit int) ([]domain.DeliverySummary, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sortedDeliveries(func(d *domain.Delivery) bool { return d.SubscriberID == subscriberID })
	summaries := []domain.DeliverySummary{}
	if offset < 0 || limit < 1 {
		return summaries, int64(len(all)), nil
	}
	for i := offset; i < len(all) && i-offset < limit; i++ {
		summaries = append(summaries, all[i].Summary())
	}
	return summaries, int64(len(all)), nil
}

func (m *MemoryStore) ListDeliveriesByEvent(_ context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := m.sortedDeliveries(func(d *domain.Delivery) bool {
		s, ok := m.subscribers[d.SubscriberID]
		return ok && s.OwnerID == ownerID && d.EventType == eventType && d.EventID == eventID
	})
	summaries := []domain.DeliverySummary{}
	for _, d := range matches {
		summaries = append(summaries, d.Summary())
	}
	return summaries, nil
}

func (m *MemoryStore) PruneDeliveries(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, d := range m.deliveries {
		if d.Status.Terminal() && d.CompletedAt != nil && d.CompletedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetDeliveryStats(_ context.Context, subscriberID string) (*domain.DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		st      domain.DeliveryStats
		sumMs   int64
		timedMs int64
	)
	for _, d := range m.deliveries {
		if d.SubscriberID != subscriberID {
			continue
		}
		st.Total++
		switch d.Status {
		case domain.StatusPending, domain.StatusSent:
			st.Pending++
		case domain.StatusRetrying:
			st.Retrying++
		case domain.StatusSuccess:
			st.Successful++
		case domain.StatusFailed:
			st.Failed++
		}
		if d.ResponseTimeMs != nil {
			sumMs += int64(*d.ResponseTimeMs)
			timedMs++
		}
	}
	if timedMs > 0 {
		st.AvgResponseTimeMs = float64(sumMs) / float64(timedMs)
	}
	return &st, nil
}
