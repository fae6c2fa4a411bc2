package tabletop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeProbe struct{ online atomic.Bool }

func (p *fakeProbe) Online() bool { return p.online.Load() }

// syncServer records replayed submissions and can be told to reject them.
type syncServer struct {
	mu       sync.Mutex
	rolls    []map[string]any
	messages []map[string]any
	patches  []map[string]any
	fail     atomic.Bool
}

func (s *syncServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"ok":false}`))
			return
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/dice/sync":
			s.rolls = append(s.rolls, body)
		case r.Method == http.MethodPost && r.URL.Path == "/api/messages/sync":
			s.messages = append(s.messages, body)
		case r.Method == http.MethodPatch:
			s.patches = append(s.patches, body)
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}
}

func (s *syncServer) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func offlineSession(t *testing.T, srv *httptest.Server, opts ...ClientOption) *SessionClient {
	t.Helper()
	base := "http://offline.invalid"
	if srv != nil {
		base = srv.URL
	}
	opts = append([]ClientOption{WithBaseURL(base)}, opts...)
	client := NewClient("user-1", opts...)
	s := client.Session(SessionTarget{SessionID: "sess-1", UserID: "user-1"})
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// MemoryQueue
// ============================================================================

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	t.Run("append assigns increasing ids", func(t *testing.T) {
		id1, err := q.Append(ctx, QueueRolls, QueueEntry{Payload: json.RawMessage(`{"n":1}`)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		id2, _ := q.Append(ctx, QueueRolls, QueueEntry{Payload: json.RawMessage(`{"n":2}`)})
		if id2 <= id1 {
			t.Fatalf("expected increasing ids, got %d then %d", id1, id2)
		}
	})

	t.Run("list preserves insertion order", func(t *testing.T) {
		entries, err := q.List(ctx, QueueRolls)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if string(entries[0].Payload) != `{"n":1}` || string(entries[1].Payload) != `{"n":2}` {
			t.Fatalf("entries out of order: %+v", entries)
		}
	})

	t.Run("clear is bounded by throughID", func(t *testing.T) {
		entries, _ := q.List(ctx, QueueRolls)
		first := entries[0].ID

		// An entry appended mid-drain must survive a clear scoped to the
		// drained batch.
		q.Append(ctx, QueueRolls, QueueEntry{Payload: json.RawMessage(`{"n":3}`)})

		if err := q.Clear(ctx, QueueRolls, entries[len(entries)-1].ID); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		remaining, _ := q.List(ctx, QueueRolls)
		if len(remaining) != 1 || string(remaining[0].Payload) != `{"n":3}` {
			t.Fatalf("expected only late entry to survive, got %+v", remaining)
		}
		if remaining[0].ID <= first {
			t.Fatal("surviving entry should have a later id")
		}
	})

	t.Run("queues are independent", func(t *testing.T) {
		q.Append(ctx, QueueMessages, QueueEntry{Payload: json.RawMessage(`{}`)})
		n, _ := q.Len(ctx, QueueRolls)
		m, _ := q.Len(ctx, QueueMessages)
		if n != 1 || m != 1 {
			t.Fatalf("expected independent lengths, got rolls=%d messages=%d", n, m)
		}
	})
}

// ============================================================================
// Offline queuing
// ============================================================================

func TestSendQueuesWhileOffline(t *testing.T) {
	s := offlineSession(t, nil)
	ctx := context.Background()

	t.Run("chat message", func(t *testing.T) {
		ack, err := s.Send.ChatMessage(ctx, "hello")
		if err != nil {
			t.Fatalf("ChatMessage: %v", err)
		}
		if ack.Status != AckQueued {
			t.Fatalf("expected queued ack, got %s", ack.Status)
		}
		if ack.QueueID == 0 || ack.IdempotencyKey == "" {
			t.Fatalf("expected queue id and idempotency key, got %+v", ack)
		}
	})

	t.Run("dice roll", func(t *testing.T) {
		ack, err := s.Send.DiceRoll(ctx, DiceRollPayload{Notation: "2d6+3"})
		if err != nil {
			t.Fatalf("DiceRoll: %v", err)
		}
		if ack.Status != AckQueued {
			t.Fatalf("expected queued ack, got %s", ack.Status)
		}
	})

	t.Run("character update", func(t *testing.T) {
		ack, err := s.Send.CharacterUpdate(ctx, CharacterUpdate{
			CharacterID: "char-1",
			Patch:       map[string]any{"hp": 12},
		})
		if err != nil {
			t.Fatalf("CharacterUpdate: %v", err)
		}
		if ack.Status != AckQueued {
			t.Fatalf("expected queued ack, got %s", ack.Status)
		}
	})

	t.Run("pending count spans all queues", func(t *testing.T) {
		n, err := s.PendingCount(ctx)
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		if n != 3 {
			t.Fatalf("expected 3 pending actions, got %d", n)
		}
	})

	t.Run("live-only actions fail offline", func(t *testing.T) {
		if _, err := s.Send.PlayerAction(ctx, "attacks the goblin"); err != ErrNotConnected {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, err := s.Send.ChatMessage(ctx, ""); err == nil {
			t.Fatal("expected error for empty message")
		}
		if _, err := s.Send.DiceRoll(ctx, DiceRollPayload{}); err == nil {
			t.Fatal("expected error for missing notation")
		}
		if _, err := s.Send.CharacterUpdate(ctx, CharacterUpdate{}); err == nil {
			t.Fatal("expected error for missing character id")
		}
	})
}

// ============================================================================
// Drain
// ============================================================================

func TestDrainReplaysQueued(t *testing.T) {
	server := &syncServer{}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	s := offlineSession(t, srv)
	ctx := context.Background()

	ack1, _ := s.Send.ChatMessage(ctx, "first")
	ack2, _ := s.Send.ChatMessage(ctx, "second")
	s.Send.DiceRoll(ctx, DiceRollPayload{Notation: "1d20"})
	s.Send.CharacterUpdate(ctx, CharacterUpdate{CharacterID: "char-1", Patch: map[string]any{"hp": 7}})

	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	t.Run("messages replayed in order with keys", func(t *testing.T) {
		server.mu.Lock()
		defer server.mu.Unlock()
		if len(server.messages) != 2 {
			t.Fatalf("expected 2 replayed messages, got %d", len(server.messages))
		}
		if server.messages[0]["message"] != "first" || server.messages[1]["message"] != "second" {
			t.Fatalf("messages out of order: %+v", server.messages)
		}
		if server.messages[0]["idempotency_key"] != ack1.IdempotencyKey {
			t.Fatalf("expected idempotency key %s, got %v", ack1.IdempotencyKey, server.messages[0]["idempotency_key"])
		}
		if server.messages[1]["idempotency_key"] != ack2.IdempotencyKey {
			t.Fatal("second message carries wrong idempotency key")
		}
	})

	t.Run("rolls replayed", func(t *testing.T) {
		server.mu.Lock()
		defer server.mu.Unlock()
		if len(server.rolls) != 1 || server.rolls[0]["notation"] != "1d20" {
			t.Fatalf("unexpected replayed rolls: %+v", server.rolls)
		}
	})

	t.Run("character updates replayed as patches", func(t *testing.T) {
		server.mu.Lock()
		defer server.mu.Unlock()
		if len(server.patches) != 1 {
			t.Fatalf("expected 1 patch, got %d", len(server.patches))
		}
		patch := server.patches[0]["patch"].(map[string]any)
		if patch["hp"] != float64(7) {
			t.Fatalf("unexpected patch: %+v", patch)
		}
		if server.patches[0]["idempotency_key"] == "" {
			t.Fatal("patch missing idempotency key")
		}
	})

	t.Run("queues emptied after success", func(t *testing.T) {
		n, err := s.PendingCount(ctx)
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected empty queues, got %d pending", n)
		}
	})
}

func TestDrainAbortsOnFailure(t *testing.T) {
	server := &syncServer{}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	s := offlineSession(t, srv)
	ctx := context.Background()

	s.Send.ChatMessage(ctx, "one")
	s.Send.ChatMessage(ctx, "two")

	server.fail.Store(true)
	if err := s.Drain(ctx); err == nil {
		t.Fatal("expected drain error while server is failing")
	}
	if n, _ := s.PendingCount(ctx); n != 2 {
		t.Fatalf("expected both entries still queued, got %d", n)
	}

	// Server recovers: the next drain replays everything.
	server.fail.Store(false)
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain after recovery: %v", err)
	}
	if got := server.messageCount(); got != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", got)
	}
	if n, _ := s.PendingCount(ctx); n != 0 {
		t.Fatalf("expected empty queues, got %d pending", n)
	}
}

func TestDrainSkippedWhileProbeOffline(t *testing.T) {
	server := &syncServer{}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	probe := &fakeProbe{}
	s := offlineSession(t, srv, WithConnectivityProbe(probe))
	ctx := context.Background()

	s.Send.ChatMessage(ctx, "held back")

	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := server.messageCount(); got != 0 {
		t.Fatalf("expected no submissions while offline, got %d", got)
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Fatalf("expected entry to remain queued, got %d", n)
	}

	probe.online.Store(true)
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain after probe online: %v", err)
	}
	if got := server.messageCount(); got != 1 {
		t.Fatalf("expected 1 submission, got %d", got)
	}
}

func TestWithIdempotencyKey(t *testing.T) {
	t.Run("key injected into object", func(t *testing.T) {
		out := withIdempotencyKey(json.RawMessage(`{"message":"hi"}`), "key-1")
		var m map[string]any
		if err := json.Unmarshal(out, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["idempotency_key"] != "key-1" || m["message"] != "hi" {
			t.Fatalf("unexpected payload: %+v", m)
		}
	})

	t.Run("non-object payload passed through", func(t *testing.T) {
		out := withIdempotencyKey(json.RawMessage(`[1,2]`), "key-1")
		if string(out) != `[1,2]` {
			t.Fatalf("expected passthrough, got %s", out)
		}
	})
}

// ============================================================================
// TickerScheduler
// ============================================================================

func TestTickerScheduler(t *testing.T) {
	sched := NewTickerScheduler(10 * time.Millisecond)
	defer sched.Stop()

	var mu sync.Mutex
	fired := map[string]int{}
	sched.Start(func(trigger string) {
		mu.Lock()
		fired[trigger]++
		mu.Unlock()
	})

	sched.Register(TriggerSyncMessages)
	sched.Register(TriggerSyncMessages) // re-arming is a no-op

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired[TriggerSyncMessages] >= 2
	}, "trigger never fired")

	mu.Lock()
	if fired[TriggerSyncRolls] != 0 {
		t.Fatal("unregistered trigger fired")
	}
	mu.Unlock()
}

func TestBackgroundSyncDrainsQueue(t *testing.T) {
	server := &syncServer{}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	sched := NewTickerScheduler(10 * time.Millisecond)
	s := offlineSession(t, srv, WithScheduler(sched))
	ctx := context.Background()

	// Enqueuing arms the trigger; the scheduler then drains without any
	// foreground Drain call.
	s.Send.ChatMessage(ctx, "background")

	waitFor(t, func() bool { return server.messageCount() == 1 }, "background sync never drained the queue")
	waitFor(t, func() bool {
		n, err := s.PendingCount(ctx)
		return err == nil && n == 0
	}, "queue not emptied by background sync")
}

func TestBackgroundSyncSurvivesSessionClose(t *testing.T) {
	server := &syncServer{}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()

	sched := NewTickerScheduler(10 * time.Millisecond)
	client := NewClient("user-1", WithBaseURL(srv.URL), WithScheduler(sched))
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	first := client.Session(SessionTarget{SessionID: "sess-1", UserID: "user-1"})
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The scheduler belongs to the client, so a later session still gets
	// background-sync triggers.
	second := client.Session(SessionTarget{SessionID: "sess-2", UserID: "user-1"})
	t.Cleanup(func() { second.Close() })

	ack, err := second.Send.ChatMessage(ctx, "after close")
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if ack.Status != AckQueued {
		t.Fatalf("expected queued ack, got %s", ack.Status)
	}

	waitFor(t, func() bool { return server.messageCount() == 1 }, "background sync never drained after prior session close")
	waitFor(t, func() bool {
		n, err := second.PendingCount(ctx)
		return err == nil && n == 0
	}, "queue not emptied after prior session close")
}
