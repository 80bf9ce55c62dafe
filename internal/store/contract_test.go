package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// contractStore is the surface both store implementations must honour.
type contractStore interface {
	CreateSubscriber(ctx context.Context, sub *domain.Subscriber, limit int) error
	GetSubscriber(ctx context.Context, ownerID, id string) (*domain.Subscriber, error)
	GetSubscriberByID(ctx context.Context, id string) (*domain.Subscriber, error)
	ListSubscribers(ctx context.Context, ownerID string) ([]domain.Subscriber, error)
	FindActiveSubscribersForEvent(ctx context.Context, eventType string) ([]domain.Subscriber, error)
	UpdateSubscriber(ctx context.Context, ownerID, id string, req domain.UpdateSubscriberRequest, now time.Time) (*domain.Subscriber, error)
	UpdateSubscriberSecret(ctx context.Context, ownerID, id, secret string, now time.Time) (bool, error)
	DeleteSubscriber(ctx context.Context, ownerID, id string) (bool, error)
	CreateDelivery(ctx context.Context, d *domain.Delivery) error
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*domain.Delivery, error)
	SaveAttempt(ctx context.Context, d *domain.Delivery, at time.Time) error
	FailRetrying(ctx context.Context, id, message string, now time.Time) (bool, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DueRetry, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListStaleSent(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListDeliveries(ctx context.Context, subscriberID string, offset, limit int) ([]domain.DeliverySummary, int64, error)
	ListDeliveriesByEvent(ctx context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error)
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
	GetDeliveryStats(ctx context.Context, subscriberID string) (*domain.DeliveryStats, error)
}

var (
	_ contractStore = (*MemoryStore)(nil)
	_ contractStore = (*PostgresStore)(nil)
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newSubscriber(owner, url string, eventTypes ...string) *domain.Subscriber {
	return &domain.Subscriber{
		ID:                uuid.NewString(),
		OwnerID:           owner,
		URL:               url,
		Secret:            "secret-" + url,
		EventTypes:        eventTypes,
		IsActive:          true,
		MaxRetries:        2,
		RetryDelaySeconds: 10,
		CreatedAt:         baseTime,
	}
}

func mustCreate(t *testing.T, st contractStore, sub *domain.Subscriber) {
	t.Helper()
	if err := st.CreateSubscriber(context.Background(), sub, domain.MaxSubscribersPerOwner); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
}

func mustDelivery(t *testing.T, st contractStore, sub *domain.Subscriber, createdAt time.Time) *domain.Delivery {
	t.Helper()
	d := domain.NewDelivery(sub, "comic.liked", "evt-"+uuid.NewString(), json.RawMessage(`{"comic_id":"c-1"}`), createdAt)
	if err := st.CreateDelivery(context.Background(), d); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return d
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) contractStore) {
	t.Run("limit and duplicate url", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()

		mustCreate(t, st, newSubscriber(owner, "https://a.example.com/hook", "comic.liked"))
		err := st.CreateSubscriber(ctx, newSubscriber(owner, "https://a.example.com/hook", "comic.liked"), 10)
		if !errors.Is(err, ErrDuplicateURL) {
			t.Errorf("duplicate err = %v, want ErrDuplicateURL", err)
		}

		// Same URL under another owner is fine.
		mustCreate(t, st, newSubscriber(uuid.NewString(), "https://a.example.com/hook", "comic.liked"))

		err = st.CreateSubscriber(ctx, newSubscriber(owner, "https://b.example.com/hook", "comic.liked"), 1)
		if !errors.Is(err, ErrLimitExceeded) {
			t.Errorf("limit err = %v, want ErrLimitExceeded", err)
		}
	})

	t.Run("owner scoping", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner, intruder := uuid.NewString(), uuid.NewString()
		sub := newSubscriber(owner, "https://scoped.example.com", "comic.liked")
		mustCreate(t, st, sub)

		got, err := st.GetSubscriber(ctx, intruder, sub.ID)
		if err != nil || got != nil {
			t.Errorf("GetSubscriber(intruder) = %v, %v; want nil, nil", got, err)
		}
		got, _ = st.GetSubscriber(ctx, owner, sub.ID)
		if got == nil || got.Secret != sub.Secret {
			t.Fatalf("GetSubscriber(owner) = %+v", got)
		}
		if ok, _ := st.DeleteSubscriber(ctx, intruder, sub.ID); ok {
			t.Error("intruder deleted subscriber")
		}
		if ok, _ := st.UpdateSubscriberSecret(ctx, intruder, sub.ID, "x", baseTime); ok {
			t.Error("intruder rotated secret")
		}
		if upd, _ := st.UpdateSubscriber(ctx, intruder, sub.ID, domain.UpdateSubscriberRequest{}, baseTime); upd != nil {
			t.Error("intruder read subscriber through update")
		}
		if got, _ := st.GetSubscriber(ctx, owner, "not-a-uuid"); got != nil {
			t.Error("malformed id matched a subscriber")
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		st := newStore(t)
		owner := uuid.NewString()
		older := newSubscriber(owner, "https://old.example.com", "comic.liked")
		newer := newSubscriber(owner, "https://new.example.com", "comic.liked")
		newer.CreatedAt = baseTime.Add(time.Minute)
		mustCreate(t, st, older)
		mustCreate(t, st, newer)

		subs, err := st.ListSubscribers(context.Background(), owner)
		if err != nil {
			t.Fatalf("ListSubscribers: %v", err)
		}
		if len(subs) != 2 || subs[0].ID != newer.ID {
			t.Errorf("ListSubscribers order = %+v", subs)
		}
	})

	t.Run("partial update", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()
		sub := newSubscriber(owner, "https://one.example.com", "comic.liked")
		other := newSubscriber(owner, "https://two.example.com", "comic.liked")
		mustCreate(t, st, sub)
		mustCreate(t, st, other)

		inactive := false
		types := []string{"comic.shared"}
		later := baseTime.Add(time.Hour)
		upd, err := st.UpdateSubscriber(ctx, owner, sub.ID, domain.UpdateSubscriberRequest{
			IsActive:   &inactive,
			EventTypes: &types,
		}, later)
		if err != nil {
			t.Fatalf("UpdateSubscriber: %v", err)
		}
		if upd.IsActive || upd.URL != sub.URL || upd.EventTypes[0] != "comic.shared" {
			t.Errorf("updated = %+v", upd)
		}
		if !upd.UpdatedAt.Equal(later) {
			t.Errorf("UpdatedAt = %v, want %v", upd.UpdatedAt, later)
		}

		taken := other.URL
		_, err = st.UpdateSubscriber(ctx, owner, sub.ID, domain.UpdateSubscriberRequest{URL: &taken}, later)
		if !errors.Is(err, ErrDuplicateURL) {
			t.Errorf("err = %v, want ErrDuplicateURL", err)
		}
	})

	t.Run("matching subscribers", func(t *testing.T) {
		st := newStore(t)
		eventType := "test." + uuid.NewString()
		match := newSubscriber(uuid.NewString(), "https://m.example.com", eventType, "comic.liked")
		inactive := newSubscriber(uuid.NewString(), "https://i.example.com", eventType)
		inactive.IsActive = false
		unrelated := newSubscriber(uuid.NewString(), "https://u.example.com", "comic.saved")
		for _, s := range []*domain.Subscriber{match, inactive, unrelated} {
			mustCreate(t, st, s)
		}

		subs, err := st.FindActiveSubscribersForEvent(context.Background(), eventType)
		if err != nil {
			t.Fatalf("FindActiveSubscribersForEvent: %v", err)
		}
		if len(subs) != 1 || subs[0].ID != match.ID {
			t.Errorf("matched %+v, want only %s", subs, match.ID)
		}
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sub := newSubscriber(uuid.NewString(), "https://c.example.com", "comic.liked")
		mustCreate(t, st, sub)
		d := mustDelivery(t, st, sub, baseTime)

		first, err := st.ClaimDelivery(ctx, d.ID, baseTime)
		if err != nil || first == nil {
			t.Fatalf("first claim = %v, %v", first, err)
		}
		if first.Status != domain.StatusSent || first.SentAt == nil {
			t.Errorf("claimed = %s sent_at=%v", first.Status, first.SentAt)
		}
		if string(first.RequestBody) != `{"comic_id": "c-1"}` && string(first.RequestBody) != `{"comic_id":"c-1"}` {
			t.Errorf("RequestBody = %s", first.RequestBody)
		}

		second, err := st.ClaimDelivery(ctx, d.ID, baseTime)
		if err != nil || second != nil {
			t.Errorf("second claim = %v, %v; want nil, nil", second, err)
		}
	})

	t.Run("attempt outcome and counters", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()
		sub := newSubscriber(owner, "https://o.example.com", "comic.liked")
		mustCreate(t, st, sub)
		d := mustDelivery(t, st, sub, baseTime)

		if err := st.SaveAttempt(ctx, d, baseTime); !errors.Is(err, ErrStaleDelivery) {
			t.Errorf("SaveAttempt on PENDING = %v, want ErrStaleDelivery", err)
		}

		claimed, _ := st.ClaimDelivery(ctx, d.ID, baseTime)
		code := 503
		if err := claimed.RecordAttempt(domain.AttemptResult{StatusCode: &code, Body: "down"}, 10*time.Second, baseTime); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		claimed.RequestHeaders = map[string]string{"X-Delivery-ID": d.ID}
		if err := st.SaveAttempt(ctx, claimed, baseTime); err != nil {
			t.Fatalf("SaveAttempt: %v", err)
		}

		got, _ := st.GetDelivery(ctx, d.ID)
		if got.Status != domain.StatusRetrying || got.RetryCount != 1 || got.NextRetryAt == nil {
			t.Fatalf("after failure = %s/%d/%v", got.Status, got.RetryCount, got.NextRetryAt)
		}
		if got.RequestHeaders["X-Delivery-ID"] != d.ID {
			t.Errorf("RequestHeaders = %v", got.RequestHeaders)
		}
		if err := got.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}

		if early, _ := st.ClaimDelivery(ctx, d.ID, baseTime.Add(5*time.Second)); early != nil {
			t.Error("claimed a retry before it was due")
		}

		s, _ := st.GetSubscriber(ctx, owner, sub.ID)
		if s.TotalDeliveries != 1 || s.FailedDeliveries != 1 || s.SuccessfulDeliveries != 0 {
			t.Errorf("counters = %d/%d/%d", s.TotalDeliveries, s.SuccessfulDeliveries, s.FailedDeliveries)
		}
		if s.LastFailureAt == nil || s.LastSuccessAt != nil {
			t.Errorf("timestamps: failure=%v success=%v", s.LastFailureAt, s.LastSuccessAt)
		}

		due := baseTime.Add(10 * time.Second)
		retry, _ := st.ClaimDelivery(ctx, d.ID, due)
		if retry == nil {
			t.Fatal("due retry not claimable")
		}
		ok := 200
		_ = retry.RecordAttempt(domain.AttemptResult{StatusCode: &ok, Body: "OK"}, 10*time.Second, due)
		if err := st.SaveAttempt(ctx, retry, due); err != nil {
			t.Fatalf("SaveAttempt success: %v", err)
		}

		s, _ = st.GetSubscriber(ctx, owner, sub.ID)
		if s.TotalDeliveries != 2 || s.SuccessfulDeliveries != 1 || s.FailedDeliveries != 1 {
			t.Errorf("counters = %d/%d/%d", s.TotalDeliveries, s.SuccessfulDeliveries, s.FailedDeliveries)
		}
		got, _ = st.GetDelivery(ctx, d.ID)
		if got.Status != domain.StatusSuccess || got.CompletedAt == nil || got.NextRetryAt != nil {
			t.Errorf("final = %s completed=%v next=%v", got.Status, got.CompletedAt, got.NextRetryAt)
		}
	})

	t.Run("concurrent attempts keep counters exact", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()
		sub := newSubscriber(owner, "https://n.example.com", "comic.liked")
		sub.MaxRetries = 0
		mustCreate(t, st, sub)

		const n = 40
		claimed := make([]*domain.Delivery, n)
		for i := range claimed {
			d := mustDelivery(t, st, sub, baseTime)
			c, err := st.ClaimDelivery(ctx, d.ID, baseTime)
			if err != nil || c == nil {
				t.Fatalf("ClaimDelivery: %v, %v", c, err)
			}
			claimed[i] = c
		}

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i, d := range claimed {
			code := 200
			if i%3 == 0 {
				code = 500
			}
			wg.Add(1)
			go func(d *domain.Delivery, code int) {
				defer wg.Done()
				if err := d.RecordAttempt(domain.AttemptResult{StatusCode: &code}, time.Second, baseTime); err != nil {
					errs <- err
					return
				}
				errs <- st.SaveAttempt(ctx, d, baseTime)
			}(d, code)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("SaveAttempt: %v", err)
			}
		}

		s, _ := st.GetSubscriber(ctx, owner, sub.ID)
		wantFailed := int64((n + 2) / 3)
		if s.TotalDeliveries != n || s.FailedDeliveries != wantFailed || s.SuccessfulDeliveries != n-wantFailed {
			t.Errorf("counters = %d/%d/%d, want %d/%d/%d",
				s.TotalDeliveries, s.SuccessfulDeliveries, s.FailedDeliveries, n, n-wantFailed, wantFailed)
		}
		if s.SuccessfulDeliveries+s.FailedDeliveries != s.TotalDeliveries {
			t.Errorf("successful+failed = %d, total = %d", s.SuccessfulDeliveries+s.FailedDeliveries, s.TotalDeliveries)
		}
	})

	t.Run("due retries and deactivation", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()
		sub := newSubscriber(owner, "https://r.example.com", "comic.liked")
		mustCreate(t, st, sub)

		code := 500
		var ids []string
		for i := 0; i < 2; i++ {
			at := baseTime.Add(time.Duration(i) * time.Second)
			d := mustDelivery(t, st, sub, at)
			claimed, _ := st.ClaimDelivery(ctx, d.ID, at)
			_ = claimed.RecordAttempt(domain.AttemptResult{StatusCode: &code}, 10*time.Second, at)
			if err := st.SaveAttempt(ctx, claimed, at); err != nil {
				t.Fatalf("SaveAttempt: %v", err)
			}
			ids = append(ids, d.ID)
		}

		notYet, _ := st.ListDueRetries(ctx, baseTime.Add(9*time.Second), 10)
		for _, r := range notYet {
			if r.SubscriberID == sub.ID {
				t.Errorf("retry listed before due: %+v", r)
			}
		}

		due, err := st.ListDueRetries(ctx, baseTime.Add(time.Hour), 100)
		if err != nil {
			t.Fatalf("ListDueRetries: %v", err)
		}
		var mine []domain.DueRetry
		for _, r := range due {
			if r.SubscriberID == sub.ID {
				mine = append(mine, r)
			}
		}
		if len(mine) != 2 || mine[0].DeliveryID != ids[0] || !mine[0].SubscriberActive {
			t.Fatalf("due = %+v", mine)
		}

		ok, err := st.FailRetrying(ctx, ids[0], domain.DeactivatedMessage, baseTime.Add(time.Hour))
		if err != nil || !ok {
			t.Fatalf("FailRetrying = %v, %v", ok, err)
		}
		again, _ := st.FailRetrying(ctx, ids[0], domain.DeactivatedMessage, baseTime.Add(time.Hour))
		if again {
			t.Error("FailRetrying applied twice")
		}
		got, _ := st.GetDelivery(ctx, ids[0])
		if got.Status != domain.StatusFailed || got.RetryCount != 1 || *got.ErrorMessage != domain.DeactivatedMessage {
			t.Errorf("deactivated = %s/%d/%v", got.Status, got.RetryCount, got.ErrorMessage)
		}
		if err := got.CheckInvariants(); err != nil {
			t.Errorf("invariants: %v", err)
		}
	})

	t.Run("stale pending", func(t *testing.T) {
		st := newStore(t)
		sub := newSubscriber(uuid.NewString(), "https://p.example.com", "comic.liked")
		mustCreate(t, st, sub)
		old := mustDelivery(t, st, sub, baseTime)
		fresh := mustDelivery(t, st, sub, baseTime.Add(time.Hour))

		ids, err := st.ListStalePending(context.Background(), baseTime.Add(time.Minute), 100)
		if err != nil {
			t.Fatalf("ListStalePending: %v", err)
		}
		found := map[string]bool{}
		for _, id := range ids {
			found[id] = true
		}
		if !found[old.ID] || found[fresh.ID] {
			t.Errorf("stale ids = %v", ids)
		}
	})

	t.Run("stale in-flight", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sub := newSubscriber(uuid.NewString(), "https://s.example.com", "comic.liked")
		mustCreate(t, st, sub)
		old := mustDelivery(t, st, sub, baseTime)
		recent := mustDelivery(t, st, sub, baseTime)
		pending := mustDelivery(t, st, sub, baseTime)
		_, _ = st.ClaimDelivery(ctx, old.ID, baseTime)
		_, _ = st.ClaimDelivery(ctx, recent.ID, baseTime.Add(time.Hour))

		ids, err := st.ListStaleSent(ctx, baseTime.Add(time.Minute), 100)
		if err != nil {
			t.Fatalf("ListStaleSent: %v", err)
		}
		found := map[string]bool{}
		for _, id := range ids {
			found[id] = true
		}
		if !found[old.ID] || found[recent.ID] || found[pending.ID] {
			t.Errorf("stale in-flight ids = %v", ids)
		}
	})

	t.Run("history pagination and cascade", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		owner := uuid.NewString()
		sub := newSubscriber(owner, "https://h.example.com", "comic.liked")
		mustCreate(t, st, sub)

		var newest *domain.Delivery
		for i := 0; i < 25; i++ {
			newest = mustDelivery(t, st, sub, baseTime.Add(time.Duration(i)*time.Second))
		}

		page, total, err := st.ListDeliveries(ctx, sub.ID, 0, 20)
		if err != nil {
			t.Fatalf("ListDeliveries: %v", err)
		}
		if total != 25 || len(page) != 20 || page[0].ID != newest.ID {
			t.Errorf("page 1: total=%d len=%d first=%s", total, len(page), page[0].ID)
		}
		page, _, _ = st.ListDeliveries(ctx, sub.ID, 20, 20)
		if len(page) != 5 {
			t.Errorf("page 2 len = %d, want 5", len(page))
		}
		for _, offset := range []int{1000, -40} {
			page, total, err = st.ListDeliveries(ctx, sub.ID, offset, 20)
			if err != nil || len(page) != 0 || total != 25 {
				t.Errorf("offset %d: len=%d total=%d err=%v", offset, len(page), total, err)
			}
		}

		byEvent, _ := st.ListDeliveriesByEvent(ctx, owner, newest.EventType, newest.EventID)
		if len(byEvent) != 1 || byEvent[0].ID != newest.ID {
			t.Errorf("ListDeliveriesByEvent = %+v", byEvent)
		}
		if other, _ := st.ListDeliveriesByEvent(ctx, uuid.NewString(), newest.EventType, newest.EventID); len(other) != 0 {
			t.Error("event lookup leaked across owners")
		}

		stats, _ := st.GetDeliveryStats(ctx, sub.ID)
		if stats.Total != 25 || stats.Pending != 25 {
			t.Errorf("stats = %+v", stats)
		}

		if ok, _ := st.DeleteSubscriber(ctx, owner, sub.ID); !ok {
			t.Fatal("DeleteSubscriber reported no row")
		}
		if d, _ := st.GetDelivery(ctx, newest.ID); d != nil {
			t.Error("deliveries survived subscriber deletion")
		}
	})

	t.Run("prune finished deliveries", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sub := newSubscriber(uuid.NewString(), "https://x.example.com", "comic.liked")
		mustCreate(t, st, sub)
		done := mustDelivery(t, st, sub, baseTime)
		open := mustDelivery(t, st, sub, baseTime)

		claimed, _ := st.ClaimDelivery(ctx, done.ID, baseTime)
		code := 200
		_ = claimed.RecordAttempt(domain.AttemptResult{StatusCode: &code}, time.Minute, baseTime)
		_ = st.SaveAttempt(ctx, claimed, baseTime)

		if _, err := st.PruneDeliveries(ctx, baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("PruneDeliveries: %v", err)
		}
		if d, _ := st.GetDelivery(ctx, done.ID); d != nil {
			t.Error("finished delivery not pruned")
		}
		if d, _ := st.GetDelivery(ctx, open.ID); d == nil {
			t.Error("pending delivery was pruned")
		}
	})
}
