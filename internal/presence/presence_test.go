package presence

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

func intPtr(n int) *int { return &n }

// registries returns the memory registry plus the Redis one when TEST_REDIS_URL is set.
func registries(t *testing.T) map[string]Registry {
	t.Helper()
	out := map[string]Registry{"memory": NewMemoryRegistry(nil)}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("parse TEST_REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		t.Cleanup(func() { rdb.Close() })
		out["redis"] = NewRedisRegistry(rdb)
	}
	return out
}

func TestLazyDefaultRecord(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			company := "co-" + uuid.NewString()
			p, err := reg.GetStatus(context.Background(), company, "agent-a")
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if p.Status != model.PresenceOffline || p.MaxConcurrentChats != model.DefaultMaxConcurrentChats || p.CurrentChatCount != 0 {
				t.Fatalf("unexpected default: %+v", p)
			}
		})
	}
}

func TestTryClaimRespectsStatusAndCapacity(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			company := "co-" + uuid.NewString()

			if ok, _ := reg.TryClaim(ctx, company, "agent-a"); ok {
				t.Fatal("offline agent must not be claimable")
			}
			if _, err := reg.SetStatus(ctx, company, "agent-a", model.PresenceOnline, intPtr(2)); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			for i := 0; i < 2; i++ {
				if ok, err := reg.TryClaim(ctx, company, "agent-a"); !ok || err != nil {
					t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
				}
			}
			if ok, _ := reg.TryClaim(ctx, company, "agent-a"); ok {
				t.Fatal("claim at capacity must fail")
			}

			if err := reg.Release(ctx, company, "agent-a"); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if _, err := reg.SetStatus(ctx, company, "agent-a", model.PresenceAway, nil); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
			if ok, _ := reg.TryClaim(ctx, company, "agent-a"); ok {
				t.Fatal("away agent must not be claimable")
			}
		})
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			company := "co-" + uuid.NewString()
			for i := 0; i < 3; i++ {
				if err := reg.Release(ctx, company, "agent-a"); err != nil {
					t.Fatalf("Release: %v", err)
				}
			}
			p, _ := reg.GetStatus(ctx, company, "agent-a")
			if p.CurrentChatCount != 0 {
				t.Fatalf("count = %d, want 0", p.CurrentChatCount)
			}
		})
	}
}

func TestConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			company := "co-" + uuid.NewString()
			if _, err := reg.SetStatus(ctx, company, "agent-a", model.PresenceOnline, intPtr(3)); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := reg.TryClaim(ctx, company, "agent-a"); err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			if wins.Load() != 3 {
				t.Fatalf("expected 3 successful claims, got %d", wins.Load())
			}
			p, _ := reg.GetStatus(ctx, company, "agent-a")
			if p.CurrentChatCount != p.MaxConcurrentChats {
				t.Fatalf("count %d != cap %d", p.CurrentChatCount, p.MaxConcurrentChats)
			}
		})
	}
}

func TestSetStatusValidatesCap(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	for _, n := range []int{0, 21} {
		if _, err := reg.SetStatus(context.Background(), "co", "a", model.PresenceOnline, intPtr(n)); !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("cap %d: expected ErrInvalidCapacity, got %v", n, err)
		}
	}
}

func TestSelectCandidate(t *testing.T) {
	now := time.Now()
	agents := []model.AgentPresence{
		{UserID: "busy-empty", Status: model.PresenceBusy, MaxConcurrentChats: 5, CurrentChatCount: 0},
		{UserID: "online-half", Status: model.PresenceOnline, MaxConcurrentChats: 4, CurrentChatCount: 2, LastActivityAt: now},
		{UserID: "online-light", Status: model.PresenceOnline, MaxConcurrentChats: 10, CurrentChatCount: 1, LastActivityAt: now},
		{UserID: "online-full", Status: model.PresenceOnline, MaxConcurrentChats: 2, CurrentChatCount: 2},
		{UserID: "away", Status: model.PresenceAway, MaxConcurrentChats: 5},
		{UserID: "invisible", Status: model.PresenceInvisible, MaxConcurrentChats: 5},
	}

	got := SelectCandidate(agents, nil)
	if got == nil || got.UserID != "online-light" {
		t.Fatalf("expected online-light, got %+v", got)
	}

	got = SelectCandidate(agents, map[string]bool{"online-light": true, "online-half": true})
	if got == nil || got.UserID != "busy-empty" {
		t.Fatalf("expected busy-empty once online agents are excluded, got %+v", got)
	}

	if SelectCandidate(agents[3:], nil) != nil {
		t.Fatal("no eligible agent should yield nil")
	}
}
