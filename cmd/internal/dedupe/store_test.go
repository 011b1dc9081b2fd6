package dedupe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLRUStore_MarkAndCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLRUStore(10)

	seen, err := s.HasProcessed(ctx, "u1", "m1")
	if err != nil || seen {
		t.Fatalf("HasProcessed before mark=%v,%v", seen, err)
	}
	if err := s.MarkProcessed(ctx, "u1", "m1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if seen, _ := s.HasProcessed(ctx, "u1", "m1"); !seen {
		t.Fatalf("expected m1 to be processed")
	}
	if seen, _ := s.HasProcessed(ctx, "u2", "m1"); seen {
		t.Fatalf("ids must be scoped per user")
	}
}

func TestLRUStore_EvictsLeastRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLRUStore(3)
	for i := 0; i < 5; i++ {
		_ = s.MarkProcessed(ctx, "u1", fmt.Sprintf("m%d", i))
	}

	if n := s.Len("u1"); n != 3 {
		t.Fatalf("len=%d want=3", n)
	}
	if seen, _ := s.HasProcessed(ctx, "u1", "m0"); seen {
		t.Fatalf("expected m0 to be evicted")
	}
	if seen, _ := s.HasProcessed(ctx, "u1", "m4"); !seen {
		t.Fatalf("expected m4 to be retained")
	}
}

func TestLRUStore_MarkIfNewOnceUnderRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLRUStore(0)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.MarkIfNew(ctx, "u1", "dup"); ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := won.Load(); n != 1 {
		t.Fatalf("MarkIfNew winners=%d want=1", n)
	}
}

func TestLRUStore_UnmarkReleasesClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var s Marker = NewLRUStore(4)

	if ok, _ := s.MarkIfNew(ctx, "u1", "m1"); !ok {
		t.Fatalf("first claim must win")
	}
	if err := s.Unmark(ctx, "u1", "m1"); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if ok, _ := s.MarkIfNew(ctx, "u1", "m1"); !ok {
		t.Fatalf("claim after unmark must win")
	}
	if err := s.Unmark(ctx, "nobody", "m1"); err != nil {
		t.Fatalf("unmark unknown user: %v", err)
	}
}

func TestLRUStore_MissingIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLRUStore(1)
	if err := s.MarkProcessed(ctx, "", "m"); err != ErrMissingID {
		t.Fatalf("err=%v want=ErrMissingID", err)
	}
	if _, err := s.HasProcessed(ctx, "u", ""); err != ErrMissingID {
		t.Fatalf("err=%v want=ErrMissingID", err)
	}

	s.Forget("u")
}
