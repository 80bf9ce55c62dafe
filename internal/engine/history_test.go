package engine

import (
	"context"
	"crypto/rand"
	"math"
	"testing"
	"time"

	"github.com/Priya8975/webhook-notifier/internal/apperr"
	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/registry"
	"github.com/Priya8975/webhook-notifier/internal/signer"
	"github.com/Priya8975/webhook-notifier/internal/store"
)

func newTestHistory(t *testing.T) (*History, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st, signer.NewSecretGenerator(rand.Reader), domain.MaxSubscribersPerOwner, testLogger())
	return NewHistory(st, reg), st
}

func seedDeliveries(t *testing.T, st *store.MemoryStore, sub *domain.Subscriber, n int) []*domain.Delivery {
	t.Helper()
	out := make([]*domain.Delivery, 0, n)
	for i := 0; i < n; i++ {
		d := domain.NewDelivery(sub, domain.EventComicLiked, "", nil, testStart.Add(time.Duration(i)*time.Second))
		if err := st.CreateDelivery(context.Background(), d); err != nil {
			t.Fatalf("CreateDelivery: %v", err)
		}
		out = append(out, d)
	}
	return out
}

func TestHistory_ListDeliveriesPaginates(t *testing.T) {
	h, st := newTestHistory(t)
	sub := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	seeded := seedDeliveries(t, st, sub, 25)

	page, err := h.ListDeliveries(context.Background(), "owner-a", sub.ID, 2, 10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(page.Items) != 10 {
		t.Fatalf("items = %d, want 10", len(page.Items))
	}
	if page.Pagination.TotalItems != 25 || page.Pagination.TotalPages != 3 || page.Pagination.CurrentPage != 2 {
		t.Errorf("pagination = %+v", page.Pagination)
	}
	// Newest first: page 2 starts at the 11th newest.
	if page.Items[0].ID != seeded[14].ID {
		t.Errorf("first item = %s, want %s", page.Items[0].ID, seeded[14].ID)
	}

	page, err = h.ListDeliveries(context.Background(), "owner-a", sub.ID, 0, 500)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if page.Pagination.CurrentPage != 1 || page.Pagination.ItemsPerPage != domain.MaxPageSize {
		t.Errorf("pagination not clamped: %+v", page.Pagination)
	}
}

func TestHistory_ListDeliveriesPastTheEnd(t *testing.T) {
	h, st := newTestHistory(t)
	sub := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	seedDeliveries(t, st, sub, 3)

	for _, p := range []int{5, math.MaxInt32, math.MaxInt} {
		page, err := h.ListDeliveries(context.Background(), "owner-a", sub.ID, p, 20)
		if err != nil {
			t.Fatalf("page %d: %v", p, err)
		}
		if len(page.Items) != 0 || page.Pagination.TotalItems != 3 {
			t.Errorf("page %d: items=%d total=%d", p, len(page.Items), page.Pagination.TotalItems)
		}
		if page.Pagination.CurrentPage > domain.MaxPage {
			t.Errorf("page %d: current_page = %d, want at most %d", p, page.Pagination.CurrentPage, domain.MaxPage)
		}
	}
}

func TestHistory_OtherOwnerSeesNotFound(t *testing.T) {
	h, st := newTestHistory(t)
	sub := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	d := seedDeliveries(t, st, sub, 1)[0]

	if _, err := h.ListDeliveries(context.Background(), "owner-b", sub.ID, 1, 20); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("ListDeliveries err = %v, want not found", err)
	}
	if _, err := h.GetDelivery(context.Background(), "owner-b", d.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("GetDelivery err = %v, want not found", err)
	}
	if _, err := h.Stats(context.Background(), "owner-b", sub.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("Stats err = %v, want not found", err)
	}

	got, err := h.GetDelivery(context.Background(), "owner-a", d.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.ID != d.ID || got.RequestMethod != "POST" {
		t.Errorf("delivery = %+v", got)
	}
}

func TestHistory_GetMissingDelivery(t *testing.T) {
	h, _ := newTestHistory(t)
	if _, err := h.GetDelivery(context.Background(), "owner-a", "nope"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if _, err := h.GetDelivery(context.Background(), "", "nope"); !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestHistory_FindByEvent(t *testing.T) {
	h, st := newTestHistory(t)
	mine := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	theirs := addSubscriber(t, st, "owner-b", "https://b.example.com", true, domain.EventComicLiked)
	for _, sub := range []*domain.Subscriber{mine, theirs} {
		d := domain.NewDelivery(sub, domain.EventComicLiked, "evt-1", nil, testStart)
		if err := st.CreateDelivery(context.Background(), d); err != nil {
			t.Fatalf("CreateDelivery: %v", err)
		}
	}

	items, err := h.FindByEvent(context.Background(), "owner-a", domain.EventComicLiked, "evt-1")
	if err != nil {
		t.Fatalf("FindByEvent: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}

	if _, err := h.FindByEvent(context.Background(), "owner-a", domain.EventComicLiked, ""); !apperr.Is(err, apperr.CodeInvalid) {
		t.Errorf("err = %v, want invalid request", err)
	}
}

func TestHistory_Stats(t *testing.T) {
	h, st := newTestHistory(t)
	sub := addSubscriber(t, st, "owner-a", "https://a.example.com", true, domain.EventComicLiked)
	seedDeliveries(t, st, sub, 3)

	stats, err := h.Stats(context.Background(), "owner-a", sub.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Errorf("stats = %+v", stats)
	}
}
