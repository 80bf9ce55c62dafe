package engine

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/store"
)

func TestDispatch_CreatesDeliveryPerMatchingSubscriber(t *testing.T) {
	st := store.NewMemoryStore()
	liked1 := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	liked2 := addSubscriber(t, st, "owner-b", "https://b.example.com", true, domain.EventComicLiked, domain.EventComicShared)
	inactive := addSubscriber(t, st, "owner-a", "https://c.example.com", false, domain.EventComicLiked)
	other := addSubscriber(t, st, "owner-a", "https://d.example.com", true, domain.EventComicSaved)

	q := &recordingQueue{}
	d := NewDispatcher(st, q, nil, testLogger())
	d.now = func() time.Time { return testStart }

	n := d.Dispatch(context.Background(), domain.EventComicLiked, "evt-9", map[string]any{"comic_id": 7})
	if n != 2 {
		t.Fatalf("Dispatch = %d, want 2", n)
	}

	queued := q.queued()
	if len(queued) != 2 {
		t.Fatalf("queued %d ids, want 2", len(queued))
	}

	var owners []string
	for _, id := range queued {
		del, err := st.GetDelivery(context.Background(), id)
		if err != nil || del == nil {
			t.Fatalf("GetDelivery(%s) = %v, %v", id, del, err)
		}
		if del.Status != domain.StatusPending {
			t.Errorf("status = %s, want PENDING", del.Status)
		}
		if del.MaxRetries != 4 || del.RetryCount != 0 {
			t.Errorf("retry policy = %d/%d, want 0/4", del.RetryCount, del.MaxRetries)
		}
		if del.EventID != "evt-9" || del.EventType != domain.EventComicLiked {
			t.Errorf("event = %s/%s", del.EventType, del.EventID)
		}
		var body map[string]any
		if err := json.Unmarshal(del.RequestBody, &body); err != nil || body["comic_id"] != float64(7) {
			t.Errorf("request body = %s (%v)", del.RequestBody, err)
		}
		owners = append(owners, del.SubscriberID)
	}

	if !slices.Contains(owners, liked1.ID) || !slices.Contains(owners, liked2.ID) {
		t.Errorf("deliveries went to %v", owners)
	}
	for _, skipped := range []*domain.Subscriber{inactive, other} {
		items, total, _ := st.ListDeliveries(context.Background(), skipped.ID, 0, 10)
		if total != 0 || len(items) != 0 {
			t.Errorf("subscriber %s got %d deliveries, want 0", skipped.URL, total)
		}
	}
}

func TestDispatch_NoMatchIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicSaved)
	q := &recordingQueue{}

	n := NewDispatcher(st, q, nil, testLogger()).Dispatch(context.Background(), domain.EventNewsletterSubscribed, "", nil)
	if n != 0 || len(q.queued()) != 0 {
		t.Errorf("Dispatch = %d with %d queued, want nothing", n, len(q.queued()))
	}
}

func TestDispatch_QueueFailureKeepsPendingRow(t *testing.T) {
	st := store.NewMemoryStore()
	sub := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	q := &recordingQueue{err: errQueueDown}

	n := NewDispatcher(st, q, nil, testLogger()).Dispatch(context.Background(), domain.EventComicLiked, "", json.RawMessage(`{"x":1}`))
	if n != 1 {
		t.Fatalf("Dispatch = %d, want 1", n)
	}

	items, _, _ := st.ListDeliveries(context.Background(), sub.ID, 0, 10)
	if len(items) != 1 || items[0].Status != domain.StatusPending {
		t.Errorf("deliveries = %+v, want one PENDING", items)
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	st := store.NewMemoryStore()
	addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	q := &recordingQueue{}

	n := NewDispatcher(st, q, nil, testLogger()).Dispatch(context.Background(), domain.EventComicLiked, "", json.RawMessage(`{not json`))
	if n != 0 {
		t.Errorf("Dispatch = %d, want 0", n)
	}
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, `{}`},
		{"empty raw", json.RawMessage(nil), `{}`},
		{"raw", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`[1,2]`), `[1,2]`},
		{"struct", struct {
			A int `json:"a"`
		}{A: 2}, `{"a":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodePayload(tt.payload)
			if err != nil {
				t.Fatalf("encodePayload: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
