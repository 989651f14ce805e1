package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// backends returns a constructor per storage backend so every conformance
// test runs against all of them.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStoreFromClient(client, "test:", 0)
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func testSession(id string) *Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Session{
		ID:         id,
		AgentType:  "ride",
		FlowType:   "standard",
		Status:     StatusSearching,
		StartedAt:  now,
		DeadlineAt: now.Add(5 * time.Minute),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testQuote(id, sessionID, vendorID, idemKey string) *Quote {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Quote{
		ID:             id,
		SessionID:      sessionID,
		VendorID:       vendorID,
		VendorType:     "driver",
		VendorName:     "Vendor " + vendorID,
		Status:         QuotePending,
		RespondedAt:    now,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStoreSessionRoundTrip(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			s := testSession("s1")
			s.RequestData = map[string]any{"pickup": "downtown"}
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			got, err := store.LoadSession(ctx, "s1")
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			if got.AgentType != "ride" || got.Status != StatusSearching {
				t.Errorf("loaded session mismatch: %+v", got)
			}
			if got.RequestData["pickup"] != "downtown" {
				t.Errorf("request data lost: %v", got.RequestData)
			}

			if _, err := store.LoadSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
		})
	}
}

func TestStoreSaveSessionIsCreateOnly(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			s := testSession("s1")
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			if err := store.SaveSession(ctx, s); err == nil {
				t.Error("expected error saving duplicate session ID")
			}
		})
	}
}

func TestStoreUpdateSession(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			if err := store.SaveSession(ctx, testSession("s1")); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			updated, err := store.UpdateSession(ctx, "s1", func(s *Session) error {
				s.Status = StatusNegotiating
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateSession: %v", err)
			}
			if updated.Status != StatusNegotiating {
				t.Errorf("status = %q, want negotiating", updated.Status)
			}

			got, err := store.LoadSession(ctx, "s1")
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			if got.Status != StatusNegotiating {
				t.Errorf("persisted status = %q, want negotiating", got.Status)
			}

			// A mutate error leaves the session untouched.
			boom := errors.New("boom")
			if _, err := store.UpdateSession(ctx, "s1", func(s *Session) error {
				s.Status = StatusCancelled
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("expected mutate error, got %v", err)
			}
			got, _ = store.LoadSession(ctx, "s1")
			if got.Status != StatusNegotiating {
				t.Errorf("aborted mutate persisted: status = %q", got.Status)
			}

			if _, err := store.UpdateSession(ctx, "missing", func(s *Session) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
		})
	}
}

func TestStoreListSessions(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < 5; i++ {
				s := testSession(fmt.Sprintf("s%d", i))
				s.CreatedAt = base.Add(time.Duration(i) * time.Second)
				s.UpdatedAt = s.CreatedAt
				if i%2 == 0 {
					s.AgentType = "pharmacy"
				}
				if err := store.SaveSession(ctx, s); err != nil {
					t.Fatalf("SaveSession: %v", err)
				}
			}

			all, total, err := store.ListSessions(ctx, ListFilter{})
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if total != 5 || len(all) != 5 {
				t.Fatalf("total = %d, len = %d, want 5/5", total, len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].CreatedAt.After(all[i-1].CreatedAt) {
					t.Errorf("sessions not newest-first at index %d", i)
				}
			}

			pharm, total, err := store.ListSessions(ctx, ListFilter{AgentType: "pharmacy"})
			if err != nil {
				t.Fatalf("ListSessions filtered: %v", err)
			}
			if total != 3 || len(pharm) != 3 {
				t.Errorf("pharmacy total = %d, len = %d, want 3/3", total, len(pharm))
			}

			page, total, err := store.ListSessions(ctx, ListFilter{Limit: 2, Offset: 4})
			if err != nil {
				t.Fatalf("ListSessions paged: %v", err)
			}
			if total != 5 || len(page) != 1 {
				t.Errorf("paged total = %d, len = %d, want 5/1", total, len(page))
			}
		})
	}
}

func TestStoreQuoteIdempotency(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			if err := store.SaveSession(ctx, testSession("s1")); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			q1 := testQuote("q1", "s1", "v1", "key-1")
			if err := store.SaveQuote(ctx, q1); err != nil {
				t.Fatalf("SaveQuote: %v", err)
			}

			dup := testQuote("q2", "s1", "v1", "key-1")
			if err := store.SaveQuote(ctx, dup); !errors.Is(err, ErrDuplicateQuote) {
				t.Fatalf("expected ErrDuplicateQuote, got %v", err)
			}

			found, err := store.FindQuoteByKey(ctx, "s1", "v1", "key-1")
			if err != nil {
				t.Fatalf("FindQuoteByKey: %v", err)
			}
			if found.ID != "q1" {
				t.Errorf("found quote %q, want q1", found.ID)
			}

			// A different key from the same vendor is a new quote.
			if err := store.SaveQuote(ctx, testQuote("q3", "s1", "v1", "key-2")); err != nil {
				t.Fatalf("SaveQuote second key: %v", err)
			}

			// Quotes without keys never collide.
			if err := store.SaveQuote(ctx, testQuote("q4", "s1", "v2", "")); err != nil {
				t.Fatalf("SaveQuote no key: %v", err)
			}
			if err := store.SaveQuote(ctx, testQuote("q5", "s1", "v2", "")); err != nil {
				t.Fatalf("SaveQuote second no key: %v", err)
			}

			quotes, err := store.ListQuotes(ctx, "s1")
			if err != nil {
				t.Fatalf("ListQuotes: %v", err)
			}
			if len(quotes) != 4 {
				t.Errorf("len(quotes) = %d, want 4", len(quotes))
			}
		})
	}
}

func TestStoreUpdateQuote(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			if err := store.SaveSession(ctx, testSession("s1")); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			if err := store.SaveQuote(ctx, testQuote("q1", "s1", "v1", "")); err != nil {
				t.Fatalf("SaveQuote: %v", err)
			}

			updated, err := store.UpdateQuote(ctx, "q1", func(q *Quote) error {
				q.Status = QuoteAccepted
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateQuote: %v", err)
			}
			if updated.Status != QuoteAccepted {
				t.Errorf("status = %q, want accepted", updated.Status)
			}

			got, err := store.LoadQuote(ctx, "q1")
			if err != nil {
				t.Fatalf("LoadQuote: %v", err)
			}
			if got.Status != QuoteAccepted {
				t.Errorf("persisted status = %q, want accepted", got.Status)
			}

			if _, err := store.LoadQuote(ctx, "missing"); !errors.Is(err, ErrQuoteNotFound) {
				t.Errorf("expected ErrQuoteNotFound, got %v", err)
			}
		})
	}
}

func TestStoreConcurrentIngestion(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			if err := store.SaveSession(ctx, testSession("s1")); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			// Vendors respond concurrently; every insert is independent.
			var g errgroup.Group
			for i := 0; i < 8; i++ {
				i := i
				g.Go(func() error {
					q := testQuote(fmt.Sprintf("q%d", i), "s1", fmt.Sprintf("v%d", i), "")
					return store.SaveQuote(ctx, q)
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("concurrent SaveQuote: %v", err)
			}

			quotes, err := store.ListQuotes(ctx, "s1")
			if err != nil {
				t.Fatalf("ListQuotes: %v", err)
			}
			if len(quotes) != 8 {
				t.Errorf("len(quotes) = %d, want 8", len(quotes))
			}
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			if err := store.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := store.SaveSession(ctx, testSession("s1")); !errors.Is(err, ErrStoreClosed) {
				t.Errorf("expected ErrStoreClosed, got %v", err)
			}
		})
	}
}
