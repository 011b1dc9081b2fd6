package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

var now0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time { return func() time.Time { return now0 } }

func TestInMemoryStore_AgeFilterThenCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithClock(fixedClock()))

	if err := s.AddMessages(ctx, "u1", []Entry{
		{Role: RoleUser, Content: "old", Timestamp: now0.Add(-25 * time.Hour)},
		{Role: RoleUser, Content: "mid", Timestamp: now0.Add(-2 * time.Hour)},
		{Role: RoleAssistant, Content: "new", Timestamp: now0.Add(-30 * time.Minute)},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.GetHistory(ctx, "u1", 10, 24*time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[0].Content != "mid" || got[1].Content != "new" {
		t.Fatalf("history=%+v want [mid new]", got)
	}

	last, _ := s.GetHistory(ctx, "u1", 1, 24*time.Hour)
	if len(last) != 1 || last[0].Content != "new" {
		t.Fatalf("history(max=1)=%+v want [new]", last)
	}

	all, _ := s.GetHistory(ctx, "u1", 10, 0)
	if len(all) != 3 {
		t.Fatalf("history(no age filter) len=%d want=3", len(all))
	}
}

func TestInMemoryStore_NonPositiveMaxCountIsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: "x"})

	for _, n := range []int{0, -1} {
		got, err := s.GetHistory(ctx, "u1", n, time.Hour)
		if err != nil || got == nil || len(got) != 0 {
			t.Fatalf("GetHistory(max=%d)=%v,%v want empty non-nil", n, got, err)
		}
	}

	unknown, err := s.GetHistory(ctx, "nobody", 5, time.Hour)
	if err != nil || len(unknown) != 0 {
		t.Fatalf("unknown user history=%v,%v", unknown, err)
	}
}

func TestInMemoryStore_CapEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithMaxPerUser(3), WithClock(fixedClock()))

	for i := 0; i < 5; i++ {
		_ = s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i), Timestamp: now0.Add(time.Duration(i) * time.Second)})
	}

	n, _ := s.Count(ctx, "u1")
	if n != 3 {
		t.Fatalf("count=%d want=3", n)
	}
	got, _ := s.GetHistory(ctx, "u1", 10, 0)
	if got[0].Content != "m2" || got[2].Content != "m4" {
		t.Fatalf("history=%+v want m2..m4", got)
	}
}

func TestInMemoryStore_DefaultsTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithClock(fixedClock()))
	_ = s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: "x"})

	got, _ := s.GetHistory(ctx, "u1", 1, time.Hour)
	if len(got) != 1 || !got[0].Timestamp.Equal(now0) {
		t.Fatalf("history=%+v want timestamp=%v", got, now0)
	}
}

func TestInMemoryStore_ClearAndCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithClock(fixedClock()))

	_ = s.AddMessage(ctx, "stale", Entry{Role: RoleUser, Content: "a", Timestamp: now0.Add(-48 * time.Hour)})
	_ = s.AddMessage(ctx, "mixed", Entry{Role: RoleUser, Content: "b", Timestamp: now0.Add(-48 * time.Hour)})
	_ = s.AddMessage(ctx, "mixed", Entry{Role: RoleUser, Content: "c", Timestamp: now0})
	_ = s.AddMessage(ctx, "fresh", Entry{Role: RoleUser, Content: "d"})

	removed, err := s.CleanupExpired(ctx, 24*time.Hour)
	if err != nil || removed != 2 {
		t.Fatalf("cleanup removed=%d err=%v want=2", removed, err)
	}
	if s.HasHistory("stale") {
		t.Fatalf("expected empty user to be dropped")
	}
	if n, _ := s.Count(ctx, "mixed"); n != 1 {
		t.Fatalf("mixed count=%d want=1", n)
	}

	_ = s.ClearHistory(ctx, "mixed")
	if s.HasHistory("mixed") {
		t.Fatalf("expected mixed to be cleared")
	}

	_ = s.ClearAll(ctx)
	if s.HasHistory("fresh") {
		t.Fatalf("expected ClearAll to remove every user")
	}
}

func TestInMemoryStore_AppendWaitingOnUnlinkedLogIsKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithClock(fixedClock()))
	_ = s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: "old", Timestamp: now0.Add(-48 * time.Hour)})

	// Hold the log the way cleanup does, so the append below queues on it.
	l := s.log("u1")
	l.mu.Lock()

	done := make(chan error, 1)
	go func() {
		done <- s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: "new"})
	}()
	time.Sleep(20 * time.Millisecond)

	l.entries = l.entries[:0]
	l.dead = true
	s.users.CompareAndDelete("u1", l)
	l.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("add: %v", err)
	}
	got, _ := s.GetHistory(ctx, "u1", 10, 0)
	if len(got) != 1 || got[0].Content != "new" {
		t.Fatalf("history=%+v want [new]", got)
	}
}

func TestInMemoryStore_CleanupRacingAppendsLosesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithClock(fixedClock()))

	for round := 0; round < 200; round++ {
		user := fmt.Sprintf("u%d", round)
		_ = s.AddMessage(ctx, user, Entry{Role: RoleUser, Content: "old", Timestamp: now0.Add(-48 * time.Hour)})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.CleanupExpired(ctx, 24*time.Hour)
		}()
		go func() {
			defer wg.Done()
			_ = s.AddMessage(ctx, user, Entry{Role: RoleUser, Content: "new"})
		}()
		wg.Wait()

		got, _ := s.GetHistory(ctx, user, 10, 24*time.Hour)
		if len(got) != 1 || got[0].Content != "new" {
			t.Fatalf("round %d: history=%+v want [new]", round, got)
		}
	}
}

func TestInMemoryStore_CapHoldsOverManyAppends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithMaxPerUser(4), WithClock(fixedClock()))

	for i := 0; i < 1000; i++ {
		_ = s.AddMessage(ctx, "u1", Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i), Timestamp: now0.Add(time.Duration(i) * time.Millisecond)})
	}
	_ = s.AddMessages(ctx, "u1", []Entry{
		{Role: RoleUser, Content: "x1", Timestamp: now0.Add(2 * time.Second)},
		{Role: RoleAssistant, Content: "x2", Timestamp: now0.Add(3 * time.Second)},
	})

	got, _ := s.GetHistory(ctx, "u1", 10, 0)
	want := []string{"m998", "m999", "x1", "x2"}
	if len(got) != len(want) {
		t.Fatalf("history len=%d want=%d", len(got), len(want))
	}
	for i, e := range got {
		if e.Content != want[i] {
			t.Fatalf("history[%d]=%q want=%q", i, e.Content, want[i])
		}
	}
}

func TestInMemoryStore_RejectsMissingUser(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if err := s.AddMessage(context.Background(), "", Entry{Content: "x"}); err != ErrMissingUser {
		t.Fatalf("err=%v want=ErrMissingUser", err)
	}
}

func TestInMemoryStore_ConcurrentUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore(WithMaxPerUser(1000))

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", u)
			for i := 0; i < 100; i++ {
				_ = s.AddMessage(ctx, user, Entry{Role: RoleUser, Content: "x"})
			}
		}(u)
	}
	wg.Wait()

	for u := 0; u < 8; u++ {
		if n, _ := s.Count(ctx, fmt.Sprintf("u%d", u)); n != 100 {
			t.Fatalf("u%d count=%d want=100", u, n)
		}
	}
}
