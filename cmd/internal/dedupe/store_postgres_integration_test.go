package dedupe

import (
	"context"
	"testing"
	"time"

	"batchd/cmd/internal/pgutil/pgtest"
)

func TestPostgresStore_MarkIfNew(t *testing.T) {
	t.Parallel()

	pool := pgtest.OpenPool(t)
	schema := pgtest.CreateSchema(t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	first, err := st.MarkIfNew(ctx, "u1", "m1")
	if err != nil || !first {
		t.Fatalf("first mark=%v,%v want true", first, err)
	}
	second, err := st.MarkIfNew(ctx, "u1", "m1")
	if err != nil || second {
		t.Fatalf("second mark=%v,%v want false", second, err)
	}

	seen, err := st.HasProcessed(ctx, "u1", "m1")
	if err != nil || !seen {
		t.Fatalf("HasProcessed=%v,%v want true", seen, err)
	}
	other, _ := st.HasProcessed(ctx, "u2", "m1")
	if other {
		t.Fatalf("ids must be scoped per user")
	}

	if err := st.Unmark(ctx, "u1", "m1"); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if again, err := st.MarkIfNew(ctx, "u1", "m1"); err != nil || !again {
		t.Fatalf("mark after unmark=%v,%v want true", again, err)
	}

	if _, err := st.Prune(ctx, time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}
}
